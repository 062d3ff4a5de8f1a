package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/services"
)

// BalanceHandler unified balance reads
type BalanceHandler struct {
	ledger *services.SettlementLedger
}

func NewBalanceHandler(ledger *services.SettlementLedger) *BalanceHandler {
	return &BalanceHandler{ledger: ledger}
}

// ListHandler GET /api/balance/:address
func (h *BalanceHandler) ListHandler(c *gin.Context) {
	user, err := pathAddress(c, "address")
	if err != nil {
		RespondError(c, err)
		return
	}

	balances, err := h.ledger.GetUnifiedBalances(c.Request.Context(), user)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, gin.H{"userAddress": user, "balances": balances})
}

// AssetHandler GET /api/balance/:address/:asset
func (h *BalanceHandler) AssetHandler(c *gin.Context) {
	user, err := pathAddress(c, "address")
	if err != nil {
		RespondError(c, err)
		return
	}
	asset := strings.TrimSpace(c.Param("asset"))
	if asset == "" {
		RespondError(c, apperr.Validation("asset is required"))
		return
	}

	balance, err := h.ledger.GetUnifiedBalance(c.Request.Context(), user, asset)
	if err != nil {
		RespondError(c, err)
		return
	}
	respondOK(c, gin.H{"userAddress": user, "balance": balance})
}
