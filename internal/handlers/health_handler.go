package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const healthCheckTimeout = 3 * time.Second

// ChainHeads is the chain RPC surface the health route checks.
type ChainHeads interface {
	ChainIDs() []int64
	HasRPC(chainID int64) bool
	HeadBlock(ctx context.Context, chainID int64) (uint64, error)
}

// NATSStatus reports the broker connection; nil when NATS is disabled.
type NATSStatus interface {
	Connected() bool
}

// HealthHandler GET /health
type HealthHandler struct {
	db     *gorm.DB
	nats   NATSStatus
	chains ChainHeads
}

func NewHealthHandler(db *gorm.DB, nats NATSStatus, chains ChainHeads) *HealthHandler {
	return &HealthHandler{db: db, nats: nats, chains: chains}
}

type healthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Head   uint64 `json:"head,omitempty"`
}

// HealthCheckHandler reports 200 when every configured dependency answers,
// 503 otherwise.
func (h *HealthHandler) HealthCheckHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy := true
	checks := gin.H{}

	db := healthCheck{Status: "ok"}
	if err := h.pingDB(ctx); err != nil {
		db = healthCheck{Status: "error", Error: err.Error()}
		healthy = false
	}
	checks["database"] = db

	switch {
	case h.nats == nil:
		checks["nats"] = healthCheck{Status: "disabled"}
	case h.nats.Connected():
		checks["nats"] = healthCheck{Status: "ok"}
	default:
		checks["nats"] = healthCheck{Status: "error", Error: "not connected"}
		healthy = false
	}

	if h.chains != nil {
		chains := gin.H{}
		for _, id := range h.chains.ChainIDs() {
			if !h.chains.HasRPC(id) {
				continue
			}
			head, err := h.chains.HeadBlock(ctx, id)
			if err != nil {
				chains[strconv.FormatInt(id, 10)] = healthCheck{Status: "error", Error: err.Error()}
				healthy = false
				continue
			}
			chains[strconv.FormatInt(id, 10)] = healthCheck{Status: "ok", Head: head}
		}
		checks["chains"] = chains
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

func (h *HealthHandler) pingDB(ctx context.Context) error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
