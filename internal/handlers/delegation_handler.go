package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0xarcano/UXWallet/internal/services"
)

// DelegationHandler session key registration endpoints
type DelegationHandler struct {
	delegation *services.DelegationEngine
}

func NewDelegationHandler(delegation *services.DelegationEngine) *DelegationHandler {
	return &DelegationHandler{delegation: delegation}
}

type revokeSessionKeyRequest struct {
	UserAddress       string `json:"userAddress" binding:"required"`
	SessionKeyAddress string `json:"sessionKeyAddress" binding:"required"`
}

// SubmitHandler POST /api/delegation/submit
func (h *DelegationHandler) SubmitHandler(c *gin.Context) {
	var req services.RegisterSessionKeyInput
	if err := bindJSON(c, &req); err != nil {
		RespondError(c, err)
		return
	}

	key, err := h.delegation.RegisterSessionKey(c.Request.Context(), req)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, key)
}

// RevokeHandler POST /api/delegation/revoke
func (h *DelegationHandler) RevokeHandler(c *gin.Context) {
	var req revokeSessionKeyRequest
	if err := bindJSON(c, &req); err != nil {
		RespondError(c, err)
		return
	}
	user, err := requireAddress("userAddress", req.UserAddress)
	if err != nil {
		RespondError(c, err)
		return
	}
	sessionKey, err := requireAddress("sessionKeyAddress", req.SessionKeyAddress)
	if err != nil {
		RespondError(c, err)
		return
	}

	key, err := h.delegation.RevokeSessionKey(c.Request.Context(), user, sessionKey)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, key)
}

// StatusHandler GET /api/delegation/status/:address
func (h *DelegationHandler) StatusHandler(c *gin.Context) {
	user, err := pathAddress(c, "address")
	if err != nil {
		RespondError(c, err)
		return
	}

	keys, err := h.delegation.GetActiveKeys(c.Request.Context(), user)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, keys)
}
