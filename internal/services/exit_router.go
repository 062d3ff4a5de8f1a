package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/clients"
	"github.com/0xarcano/UXWallet/internal/events"
	"github.com/0xarcano/UXWallet/internal/interfaces"
	"github.com/0xarcano/UXWallet/internal/metrics"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/utils"
)

// WithdrawalHistoryLimit caps GetWithdrawalHistory.
const WithdrawalHistoryLimit = 50

// WithdrawalInput is a user's exit request.
type WithdrawalInput struct {
	UserAddress        string
	Asset              string
	Amount             models.Amount
	DestinationChainID int64
}

// ExitRouter drives withdrawals: Direct Exit from destination-chain
// inventory or Sponsored Exit bridged from another chain's vault.
type ExitRouter struct {
	store     *repository.Store
	inventory *InventoryManager
	bridge    interfaces.BridgeClient
	publisher events.Publisher
	log       logrus.FieldLogger
	wg        sync.WaitGroup
}

// NewExitRouter creates a new ExitRouter
func NewExitRouter(
	store *repository.Store,
	inventory *InventoryManager,
	bridge interfaces.BridgeClient,
	publisher events.Publisher,
	log logrus.FieldLogger,
) *ExitRouter {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &ExitRouter{
		store:     store,
		inventory: inventory,
		bridge:    bridge,
		publisher: publisher,
		log:       log,
	}
}

// CreateWithdrawalRequest checks the unified balance, stores a PENDING
// request and starts its evaluation in the background.
func (r *ExitRouter) CreateWithdrawalRequest(ctx context.Context, in WithdrawalInput) (*models.WithdrawalRequest, error) {
	if in.Amount.IsZero() {
		return nil, apperr.Validation("amount must be positive")
	}
	user := utils.NormalizeAddress(in.UserAddress)

	have, err := r.unifiedBalance(ctx, r.store.Repositories, user, in.Asset)
	if err != nil {
		return nil, err
	}
	if have.Lt(in.Amount) {
		return nil, apperr.InsufficientFunds("Insufficient unified balance for %s. Have: %s, need: %s", in.Asset, have, in.Amount)
	}

	request := &models.WithdrawalRequest{
		UserAddress:        user,
		Asset:              in.Asset,
		Amount:             in.Amount,
		DestinationChainID: in.DestinationChainID,
		Status:             models.WithdrawalStatusPending,
	}
	if err := r.store.Withdrawals.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"withdrawalId":       request.ID,
		"user":               user,
		"asset":              in.Asset,
		"amount":             in.Amount.String(),
		"destinationChainId": in.DestinationChainID,
	}).Info("📝 Withdrawal request created")

	evalCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.EvaluateWithdrawal(evalCtx, request.ID); err != nil {
			r.log.WithError(err).WithField("withdrawalId", request.ID).Error("❌ Withdrawal evaluation failed")
		}
	}()

	return request, nil
}

// Wait blocks until every background evaluation has finished.
func (r *ExitRouter) Wait() {
	r.wg.Wait()
}

// errWithdrawalSuperseded reports that another actor moved the request
// out of the status this evaluation expected.
var errWithdrawalSuperseded = errors.New("withdrawal status changed concurrently")

// EvaluateWithdrawal routes a PENDING request to Direct or Sponsored Exit
// and drives it to COMPLETED or FAILED. Routing failures are recorded on
// the request; only failures to load or update it are returned. Only one
// caller wins the PENDING to EVALUATING step.
func (r *ExitRouter) EvaluateWithdrawal(ctx context.Context, id string) error {
	request, err := r.store.Withdrawals.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("Withdrawal request not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load withdrawal request: %w", err)
	}
	if request.Status != models.WithdrawalStatusPending {
		return apperr.Validation("Withdrawal %s is %s, not PENDING", id, request.Status)
	}

	err = r.advance(ctx, request, models.WithdrawalStatusEvaluating, nil)
	if errors.Is(err, errWithdrawalSuperseded) {
		return apperr.Validation("Withdrawal %s is no longer PENDING", id)
	}
	if err != nil {
		return err
	}

	usable, err := r.inventory.UsableLiquidity(ctx, request.DestinationChainID, request.Asset, request.ID)
	if err != nil {
		return r.fail(ctx, request, "", err)
	}

	if usable.Gte(request.Amount) {
		return r.processDirectExit(ctx, request)
	}
	return r.processSponsoredExit(ctx, request, usable)
}

// advance moves request from its current status to next with updates
// applied, or returns errWithdrawalSuperseded.
func (r *ExitRouter) advance(ctx context.Context, request *models.WithdrawalRequest, next models.WithdrawalStatus, updates map[string]any) error {
	if updates == nil {
		updates = map[string]any{}
	}
	updates["status"] = next
	ok, err := r.store.Withdrawals.Transition(ctx, request.ID, []models.WithdrawalStatus{request.Status}, updates)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal status: %w", err)
	}
	if !ok {
		return errWithdrawalSuperseded
	}
	request.Status = next
	return nil
}

// abandon handles err from a step, stopping quietly when the request was
// taken over and recording any other failure.
func (r *ExitRouter) abandon(ctx context.Context, request *models.WithdrawalRequest, exitType models.ExitType, err error) error {
	if errors.Is(err, errWithdrawalSuperseded) {
		r.log.WithField("withdrawalId", request.ID).Warn("⚠️ Withdrawal moved on concurrently, stopping evaluation")
		return nil
	}
	return r.fail(ctx, request, exitType, err)
}

func (r *ExitRouter) processDirectExit(ctx context.Context, request *models.WithdrawalRequest) error {
	logger := r.log.WithField("withdrawalId", request.ID)
	logger.Info("⚡ Processing Direct Exit")

	if err := r.advance(ctx, request, models.WithdrawalStatusProcessing, map[string]any{
		"exit_type": models.ExitTypeDirect,
	}); err != nil {
		return r.abandon(ctx, request, models.ExitTypeDirect, err)
	}

	unified, err := r.settle(ctx, request, request.DestinationChainID, models.ExitTypeDirect)
	if err != nil {
		return r.abandon(ctx, request, models.ExitTypeDirect, err)
	}

	r.complete(ctx, request, models.ExitTypeDirect, unified)
	logger.Info("✅ Direct Exit completed")
	return nil
}

// processSponsoredExit funds the exit from another chain's vault. The
// source chain is chosen before BRIDGING so the reservation lands on it.
func (r *ExitRouter) processSponsoredExit(ctx context.Context, request *models.WithdrawalRequest, localUsable models.Amount) error {
	logger := r.log.WithFields(logrus.Fields{"withdrawalId": request.ID, "localUsable": localUsable.String()})
	logger.Info("🌉 Processing Sponsored Exit")

	source, err := r.findSourceChain(ctx, request)
	if err != nil {
		return r.fail(ctx, request, models.ExitTypeSponsored, err)
	}
	if r.bridge == nil {
		return r.fail(ctx, request, models.ExitTypeSponsored, errors.New("bridging client not configured"))
	}

	if err := r.advance(ctx, request, models.WithdrawalStatusBridging, map[string]any{
		"exit_type":       models.ExitTypeSponsored,
		"source_chain_id": source,
	}); err != nil {
		return r.abandon(ctx, request, models.ExitTypeSponsored, err)
	}

	quote, err := r.bridge.GetQuote(ctx, clients.QuoteRequest{
		SourceChainID:      source,
		DestinationChainID: request.DestinationChainID,
		Asset:              request.Asset,
		Amount:             request.Amount.String(),
	})
	if err != nil {
		return r.fail(ctx, request, models.ExitTypeSponsored, err)
	}

	intentID := "hybrid-exit-" + request.ID
	if _, err := r.bridge.BuildIntentOrder(ctx, clients.IntentBuildRequest{
		IntentID:           intentID,
		SourceChainID:      source,
		DestinationChainID: request.DestinationChainID,
		Asset:              request.Asset,
		Amount:             request.Amount.String(),
	}); err != nil {
		return r.fail(ctx, request, models.ExitTypeSponsored, err)
	}

	if err := r.advance(ctx, request, models.WithdrawalStatusBridging, map[string]any{
		"bridge_intent_id": intentID,
	}); err != nil {
		return r.abandon(ctx, request, models.ExitTypeSponsored, err)
	}
	logger.WithFields(logrus.Fields{
		"sourceChainId":  source,
		"bridgeIntentId": intentID,
		"estimatedTime":  quote.EstimatedTime,
	}).Info("🌉 Bridge order built")

	unified, err := r.settle(ctx, request, source, models.ExitTypeSponsored)
	if err != nil {
		return r.abandon(ctx, request, models.ExitTypeSponsored, err)
	}

	r.complete(ctx, request, models.ExitTypeSponsored, unified)
	logger.Info("✅ Sponsored Exit completed")
	return nil
}

// findSourceChain picks the richest other chain whose usable liquidity
// covers the request.
func (r *ExitRouter) findSourceChain(ctx context.Context, request *models.WithdrawalRequest) (int64, error) {
	inventories, err := r.store.Inventory.ListByAsset(ctx, request.Asset)
	if err != nil {
		return 0, fmt.Errorf("failed to list inventory: %w", err)
	}
	sort.SliceStable(inventories, func(i, j int) bool {
		return inventories[j].Balance.Lt(inventories[i].Balance)
	})

	for _, inv := range inventories {
		if inv.ChainID == request.DestinationChainID {
			continue
		}
		usable, err := r.inventory.UsableLiquidity(ctx, inv.ChainID, request.Asset, request.ID)
		if err != nil {
			return 0, err
		}
		if usable.Gte(request.Amount) {
			return inv.ChainID, nil
		}
	}
	return 0, apperr.InsufficientLiquidity("No source chain found with sufficient liquidity")
}

// settle marks the request COMPLETED and debits the funding chain's
// inventory and the user's unified balance, all in one transaction. The
// status step comes first so a request that left its status rolls back
// without moving funds.
func (r *ExitRouter) settle(ctx context.Context, request *models.WithdrawalRequest, fundingChainID int64, exitType models.ExitType) (models.Amount, error) {
	var unified models.Amount
	err := r.store.Transaction(ctx, func(tx *repository.Repositories) error {
		ok, err := tx.Withdrawals.Transition(ctx, request.ID, []models.WithdrawalStatus{request.Status}, map[string]any{
			"status":    models.WithdrawalStatusCompleted,
			"exit_type": exitType,
		})
		if err != nil {
			return fmt.Errorf("failed to complete withdrawal: %w", err)
		}
		if !ok {
			return errWithdrawalSuperseded
		}

		if _, err := r.inventory.DebitIn(ctx, tx, fundingChainID, request.Asset, request.Amount); err != nil {
			return err
		}

		have, err := r.unifiedBalance(ctx, tx, request.UserAddress, request.Asset)
		if err != nil {
			return err
		}
		next, ok := have.Sub(request.Amount)
		if !ok {
			return apperr.InsufficientFunds("Insufficient unified balance for %s. Have: %s, need: %s", request.Asset, have, request.Amount)
		}
		if _, err := tx.Balances.Upsert(ctx, request.UserAddress, request.Asset, nil, next); err != nil {
			return fmt.Errorf("failed to debit unified balance: %w", err)
		}
		unified = next
		return nil
	})
	if err == nil {
		request.Status = models.WithdrawalStatusCompleted
	}
	return unified, err
}

func (r *ExitRouter) unifiedBalance(ctx context.Context, repos *repository.Repositories, user, asset string) (models.Amount, error) {
	row, err := repos.Balances.Get(ctx, user, asset, nil)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Amount{}, nil
	}
	if err != nil {
		return models.Amount{}, fmt.Errorf("failed to load unified balance: %w", err)
	}
	return row.Balance, nil
}

func (r *ExitRouter) complete(ctx context.Context, request *models.WithdrawalRequest, exitType models.ExitType, unified models.Amount) {
	metrics.Withdrawals.WithLabelValues(string(exitType), string(models.WithdrawalStatusCompleted)).Inc()
	if err := r.publisher.PublishBalanceUpdate(ctx, events.BalanceUpdate{
		UserAddress: request.UserAddress,
		Asset:       request.Asset,
		Balance:     unified.String(),
	}); err != nil {
		r.log.WithError(err).WithField("withdrawalId", request.ID).Warn("⚠️ Failed to publish balance update")
	}
}

// fail records cause on the request as FAILED. The cause is not returned;
// routing failures end in the request's terminal status.
func (r *ExitRouter) fail(ctx context.Context, request *models.WithdrawalRequest, exitType models.ExitType, cause error) error {
	_, err := r.markFailed(ctx, request, exitType, cause)
	return err
}

// markFailed moves request to FAILED only while it is still in the status
// the caller loaded it in, and reports whether it did. Terminal requests
// are never touched.
func (r *ExitRouter) markFailed(ctx context.Context, request *models.WithdrawalRequest, exitType models.ExitType, cause error) (bool, error) {
	logger := r.log.WithField("withdrawalId", request.ID)
	if request.Status.IsTerminal() {
		logger.WithError(cause).Warn("⚠️ Withdrawal already terminal, not marking failed")
		return false, nil
	}

	message := cause.Error()
	if appErr := apperr.From(cause); appErr.Code != apperr.CodeInternal {
		message = appErr.Message
	}

	updates := map[string]any{
		"status":        models.WithdrawalStatusFailed,
		"error_message": message,
	}
	if exitType != "" {
		updates["exit_type"] = exitType
	}
	ok, err := r.store.Withdrawals.Transition(ctx, request.ID, []models.WithdrawalStatus{request.Status}, updates)
	if err != nil {
		return false, fmt.Errorf("failed to mark withdrawal %s failed: %w", request.ID, err)
	}
	if !ok {
		logger.WithError(cause).WithField("expected", request.Status).Warn("⚠️ Withdrawal moved on concurrently, not marking failed")
		return false, nil
	}
	request.Status = models.WithdrawalStatusFailed

	label := string(exitType)
	if label == "" {
		label = "NONE"
	}
	metrics.Withdrawals.WithLabelValues(label, string(models.WithdrawalStatusFailed)).Inc()
	logger.WithError(cause).Error("❌ Withdrawal failed")
	return true, nil
}

// GetWithdrawalStatus returns one request.
func (r *ExitRouter) GetWithdrawalStatus(ctx context.Context, id string) (*models.WithdrawalRequest, error) {
	request, err := r.store.Withdrawals.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Withdrawal request not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal request: %w", err)
	}
	return request, nil
}

// GetWithdrawalHistory returns the user's most recent requests.
func (r *ExitRouter) GetWithdrawalHistory(ctx context.Context, user string) ([]*models.WithdrawalRequest, error) {
	requests, err := r.store.Withdrawals.FindByUser(ctx, utils.NormalizeAddress(user), WithdrawalHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal history: %w", err)
	}
	return requests, nil
}
