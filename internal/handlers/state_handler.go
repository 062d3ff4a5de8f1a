package handlers

import (
	"encoding/json"

	"github.com/gin-gonic/gin"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/services"
)

// StateHandler state channel proof and co-signing endpoints
type StateHandler struct {
	ledger *services.SettlementLedger
}

func NewStateHandler(ledger *services.SettlementLedger) *StateHandler {
	return &StateHandler{ledger: ledger}
}

type stateUpdateRequest struct {
	SessionID      string          `json:"sessionId" binding:"required"`
	SequenceNumber uint64          `json:"sequenceNumber" binding:"required"`
	StateData      json.RawMessage `json:"stateData" binding:"required"`
	UserSignature  string          `json:"userSignature" binding:"required"`
	BalanceUpdates json.RawMessage `json:"balanceUpdates"`
}

// ProofHandler GET /api/state/proof/:address
func (h *StateHandler) ProofHandler(c *gin.Context) {
	user, err := pathAddress(c, "address")
	if err != nil {
		RespondError(c, err)
		return
	}

	proof, err := h.ledger.GetLatestStateProof(c.Request.Context(), user)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, proof)
}

// SessionsHandler GET /api/state/sessions/:address
func (h *StateHandler) SessionsHandler(c *gin.Context) {
	user, err := pathAddress(c, "address")
	if err != nil {
		RespondError(c, err)
		return
	}

	sessions, err := h.ledger.GetActiveSessions(c.Request.Context(), user)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, sessions)
}

// UpdateHandler POST /api/state/update
func (h *StateHandler) UpdateHandler(c *gin.Context) {
	var req stateUpdateRequest
	if err := bindJSON(c, &req); err != nil {
		RespondError(c, err)
		return
	}
	if len(req.BalanceUpdates) > 0 && string(req.BalanceUpdates) != "null" {
		RespondError(c, apperr.Validation("balanceUpdates may not be supplied; balances follow the signed stateData allocations"))
		return
	}

	result, err := h.ledger.CoSignStateUpdate(c.Request.Context(), services.CoSignInput{
		SessionID:      req.SessionID,
		SequenceNumber: req.SequenceNumber,
		StateData:      req.StateData,
		UserSignature:  req.UserSignature,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, result)
}
