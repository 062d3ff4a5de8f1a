package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/services"
)

// WithdrawalHandler withdrawal request endpoints
type WithdrawalHandler struct {
	router *services.ExitRouter
}

func NewWithdrawalHandler(router *services.ExitRouter) *WithdrawalHandler {
	return &WithdrawalHandler{router: router}
}

type withdrawalRequest struct {
	UserAddress        string `json:"userAddress" binding:"required"`
	Asset              string `json:"asset" binding:"required"`
	Amount             string `json:"amount" binding:"required"`
	DestinationChainID int64  `json:"destinationChainId" binding:"required"`
}

// RequestHandler POST /api/withdrawal/request
func (h *WithdrawalHandler) RequestHandler(c *gin.Context) {
	var req withdrawalRequest
	if err := bindJSON(c, &req); err != nil {
		RespondError(c, err)
		return
	}
	user, err := requireAddress("userAddress", req.UserAddress)
	if err != nil {
		RespondError(c, err)
		return
	}
	amount, err := positiveAmount("amount", req.Amount)
	if err != nil {
		RespondError(c, err)
		return
	}
	if err := positiveChainID("destinationChainId", req.DestinationChainID); err != nil {
		RespondError(c, err)
		return
	}

	request, err := h.router.CreateWithdrawalRequest(c.Request.Context(), services.WithdrawalInput{
		UserAddress:        user,
		Asset:              strings.TrimSpace(req.Asset),
		Amount:             amount,
		DestinationChainID: req.DestinationChainID,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, request)
}

// StatusHandler GET /api/withdrawal/status/:id
func (h *WithdrawalHandler) StatusHandler(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		RespondError(c, apperr.Validation("id is required"))
		return
	}

	request, err := h.router.GetWithdrawalStatus(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, request)
}

// HistoryHandler GET /api/withdrawal/history/:address
func (h *WithdrawalHandler) HistoryHandler(c *gin.Context) {
	user, err := pathAddress(c, "address")
	if err != nil {
		RespondError(c, err)
		return
	}

	history, err := h.router.GetWithdrawalHistory(c.Request.Context(), user)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, history)
}
