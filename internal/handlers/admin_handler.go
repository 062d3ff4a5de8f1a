package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/services"
)

const defaultIntentLogLimit = 100

// AdminHandler operator endpoints behind admin JWT
type AdminHandler struct {
	solver    *services.SolverEngine
	inventory *services.InventoryManager
}

func NewAdminHandler(solver *services.SolverEngine, inventory *services.InventoryManager) *AdminHandler {
	return &AdminHandler{solver: solver, inventory: inventory}
}

type evaluateIntentRequest struct {
	IntentID           string         `json:"intentId" binding:"required"`
	SourceChainID      int64          `json:"sourceChainId" binding:"required"`
	DestinationChainID int64          `json:"destinationChainId" binding:"required"`
	Asset              string         `json:"asset" binding:"required"`
	Amount             string         `json:"amount" binding:"required"`
	MinReceived        string         `json:"minReceived"`
	Metadata           map[string]any `json:"metadata"`
}

type depositRequest struct {
	ChainID      int64  `json:"chainId" binding:"required"`
	Asset        string `json:"asset" binding:"required"`
	VaultAddress string `json:"vaultAddress"`
	Amount       string `json:"amount" binding:"required"`
}

// EvaluateIntentHandler POST /api/admin/intents/evaluate
func (h *AdminHandler) EvaluateIntentHandler(c *gin.Context) {
	var req evaluateIntentRequest
	if err := bindJSON(c, &req); err != nil {
		RespondError(c, err)
		return
	}
	amount, err := positiveAmount("amount", req.Amount)
	if err != nil {
		RespondError(c, err)
		return
	}
	var minReceived models.Amount
	if req.MinReceived != "" {
		if minReceived, err = models.ParseAmount(req.MinReceived); err != nil {
			RespondError(c, apperr.Validation("Invalid minReceived: must be an integer string"))
			return
		}
	}
	for field, id := range map[string]int64{"sourceChainId": req.SourceChainID, "destinationChainId": req.DestinationChainID} {
		if err := positiveChainID(field, id); err != nil {
			RespondError(c, err)
			return
		}
	}

	result, err := h.solver.EvaluateIntent(c.Request.Context(), services.Intent{
		IntentID:           req.IntentID,
		SourceChainID:      req.SourceChainID,
		DestinationChainID: req.DestinationChainID,
		Asset:              req.Asset,
		Amount:             amount,
		MinReceived:        minReceived,
		Metadata:           req.Metadata,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, result)
}

// ListIntentsHandler GET /api/admin/intents?limit=
func (h *AdminHandler) ListIntentsHandler(c *gin.Context) {
	logs, err := h.solver.ListIntentLogs(c.Request.Context(), queryLimit(c, defaultIntentLogLimit))
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, logs)
}

// ListInventoryHandler GET /api/admin/inventory
func (h *AdminHandler) ListInventoryHandler(c *gin.Context) {
	records, err := h.inventory.ListInventory(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, records)
}

// DepositHandler POST /api/admin/inventory/deposit
func (h *AdminHandler) DepositHandler(c *gin.Context) {
	var req depositRequest
	if err := bindJSON(c, &req); err != nil {
		RespondError(c, err)
		return
	}
	if err := positiveChainID("chainId", req.ChainID); err != nil {
		RespondError(c, err)
		return
	}
	amount, err := positiveAmount("amount", req.Amount)
	if err != nil {
		RespondError(c, err)
		return
	}
	vault := req.VaultAddress
	if vault != "" {
		if vault, err = requireAddress("vaultAddress", vault); err != nil {
			RespondError(c, err)
			return
		}
	}

	record, err := h.inventory.RecordDeposit(c.Request.Context(), req.ChainID, req.Asset, vault, amount)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondData(c, http.StatusCreated, record)
}
