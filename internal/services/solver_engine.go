package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/clients"
	"github.com/0xarcano/UXWallet/internal/interfaces"
	"github.com/0xarcano/UXWallet/internal/metrics"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
)

// Intent is a third-party bridging intent offered to the solver.
type Intent struct {
	IntentID           string         `json:"intentId"`
	SourceChainID      int64          `json:"sourceChainId"`
	DestinationChainID int64          `json:"destinationChainId"`
	Asset              string         `json:"asset"`
	Amount             models.Amount  `json:"amount"`
	MinReceived        models.Amount  `json:"minReceived"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

type IntentAction string

const (
	IntentActionFulfilled IntentAction = "fulfilled"
	IntentActionSkipped   IntentAction = "skipped"
	IntentActionFailed    IntentAction = "failed"
)

// IntentResult is the outcome of one evaluation.
type IntentResult struct {
	Action      IntentAction `json:"action"`
	Reason      string       `json:"reason"`
	IntentLogID string       `json:"intentLogId,omitempty"`
}

// SolverEngine fulfills intents from pooled vault liquidity when that is
// both profitable and safe for pending user exits.
type SolverEngine struct {
	store         *repository.Store
	inventory     *InventoryManager
	profitability *Profitability
	bridge        interfaces.BridgeClient
	log           logrus.FieldLogger
}

// NewSolverEngine creates a new SolverEngine
func NewSolverEngine(
	store *repository.Store,
	inventory *InventoryManager,
	profitability *Profitability,
	bridge interfaces.BridgeClient,
	log logrus.FieldLogger,
) *SolverEngine {
	return &SolverEngine{
		store:         store,
		inventory:     inventory,
		profitability: profitability,
		bridge:        bridge,
		log:           log,
	}
}

// EvaluateIntent runs the health, profitability and fulfillment pipeline
// for intent. Failures after the log is created end in a FAILED log and a
// failed result, never an error.
func (e *SolverEngine) EvaluateIntent(ctx context.Context, intent Intent) (*IntentResult, error) {
	if intent.IntentID == "" {
		return nil, apperr.Validation("intentId is required")
	}
	if intent.Amount.IsZero() {
		return nil, apperr.Validation("amount must be positive")
	}

	logger := e.log.WithFields(logrus.Fields{"intentId": intent.IntentID, "asset": intent.Asset})
	logger.Info("🔍 Evaluating intent")

	metadata, err := encodeMetadata(intent.Metadata)
	if err != nil {
		return nil, apperr.Validation("invalid metadata: %v", err)
	}
	entry := &models.IntentLog{
		IntentID:           intent.IntentID,
		SourceChainID:      intent.SourceChainID,
		DestinationChainID: intent.DestinationChainID,
		Asset:              intent.Asset,
		Amount:             intent.Amount,
		MinReceived:        intent.MinReceived,
		FulfillmentSource:  models.FulfillmentSourcePool,
		Status:             models.IntentStatusEvaluating,
		Metadata:           metadata,
	}
	if err := e.store.IntentLogs.Create(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to create intent log: %w", err)
	}

	result, err := e.run(ctx, entry, intent)
	if err != nil {
		message := err.Error()
		if appErr := apperr.From(err); appErr.Code != apperr.CodeInternal {
			message = appErr.Message
		}
		if uErr := e.store.IntentLogs.Update(ctx, entry.ID, map[string]any{
			"status":        models.IntentStatusFailed,
			"error_message": message,
		}); uErr != nil {
			logger.WithError(uErr).Error("❌ Failed to record intent failure")
		}
		logger.WithError(err).Error("❌ Intent fulfillment failed")
		result = &IntentResult{Action: IntentActionFailed, Reason: message, IntentLogID: entry.ID}
		metrics.Intents.WithLabelValues(string(models.IntentStatusFailed)).Inc()
	}
	return result, nil
}

func (e *SolverEngine) run(ctx context.Context, entry *models.IntentLog, intent Intent) (*IntentResult, error) {
	logger := e.log.WithFields(logrus.Fields{"intentId": intent.IntentID, "intentLogId": entry.ID})

	// early exit only; the debit re-checks the reserve under the row lock
	health, err := e.inventory.CheckHealth(ctx, intent.DestinationChainID, intent.Asset, intent.Amount)
	if err != nil {
		return nil, err
	}
	if !health.Safe {
		logger.WithField("reason", health.Reason).Info("⏭️ Intent skipped, inventory health check failed")
		return e.skip(ctx, entry, health.Reason, nil)
	}

	profit, err := e.profitability.Evaluate(ctx, intent)
	if err != nil {
		return nil, err
	}
	if !profit.Profitable {
		logger.WithField("reason", profit.Reason).Info("⏭️ Intent skipped, not profitable")
		return e.skip(ctx, entry, profit.Reason, profit)
	}

	if err := e.store.IntentLogs.Update(ctx, entry.ID, map[string]any{"status": models.IntentStatusFulfilling}); err != nil {
		return nil, fmt.Errorf("failed to update intent log: %w", err)
	}

	if e.bridge == nil {
		return nil, fmt.Errorf("bridging client not configured")
	}
	order, err := e.bridge.BuildIntentOrder(ctx, clients.IntentBuildRequest{
		IntentID:           intent.IntentID,
		SourceChainID:      intent.SourceChainID,
		DestinationChainID: intent.DestinationChainID,
		Asset:              intent.Asset,
		Amount:             intent.Amount.String(),
	})
	if err != nil {
		return nil, err
	}

	metadata := make(map[string]any, len(intent.Metadata)+1)
	for k, v := range intent.Metadata {
		metadata[k] = v
	}
	metadata["orderData"] = order.OrderData
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order metadata: %w", err)
	}

	reason := "Spread captured: " + profit.Spread.String()
	now := time.Now()
	err = e.store.Transaction(ctx, func(tx *repository.Repositories) error {
		if _, err := e.inventory.DebitWithReserveIn(ctx, tx, intent.DestinationChainID, intent.Asset, intent.Amount); err != nil {
			return err
		}
		return tx.IntentLogs.Update(ctx, entry.ID, map[string]any{
			"status":          models.IntentStatusFulfilled,
			"spread":          profit.Spread,
			"spread_bps":      profit.SpreadBps,
			"solver_reward":   profit.NetProfit,
			"user_reward":     profit.UserReward,
			"treasury_reward": profit.TreasuryReward,
			"reason":          reason,
			"encoded_order":   order.EncodedOrder,
			"metadata":        encoded,
			"fulfilled_at":    now,
		})
	})
	if apperr.CodeOf(err) == apperr.CodeInsufficientLiquidity {
		reason := apperr.From(err).Message
		logger.WithField("reason", reason).Info("⏭️ Intent skipped, reserve no longer holds at debit")
		return e.skip(ctx, entry, reason, profit)
	}
	if err != nil {
		return nil, err
	}

	metrics.Intents.WithLabelValues(string(models.IntentStatusFulfilled)).Inc()
	logger.WithFields(logrus.Fields{
		"spread":         profit.Spread.String(),
		"userReward":     profit.UserReward.String(),
		"treasuryReward": profit.TreasuryReward.String(),
	}).Info("✅ Intent fulfilled")
	return &IntentResult{Action: IntentActionFulfilled, Reason: reason, IntentLogID: entry.ID}, nil
}

func (e *SolverEngine) skip(ctx context.Context, entry *models.IntentLog, reason string, profit *ProfitabilityResult) (*IntentResult, error) {
	updates := map[string]any{
		"status": models.IntentStatusSkipped,
		"reason": reason,
	}
	if profit != nil {
		updates["spread"] = profit.Spread
		updates["spread_bps"] = profit.SpreadBps
	}
	if err := e.store.IntentLogs.Update(ctx, entry.ID, updates); err != nil {
		return nil, fmt.Errorf("failed to update intent log: %w", err)
	}
	metrics.Intents.WithLabelValues(string(models.IntentStatusSkipped)).Inc()
	return &IntentResult{Action: IntentActionSkipped, Reason: reason, IntentLogID: entry.ID}, nil
}

// ListIntentLogs returns the most recent evaluations, newest first.
func (e *SolverEngine) ListIntentLogs(ctx context.Context, limit int) ([]*models.IntentLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	logs, err := e.store.IntentLogs.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list intent logs: %w", err)
	}
	return logs, nil
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
