package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/metrics"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
)

// maxInventoryCASAttempts bounds the optimistic retry loop of one mutation.
const maxInventoryCASAttempts = 5

// HealthResult is the outcome of a Fast Exit Guarantee check.
type HealthResult struct {
	Safe              bool          `json:"safe"`
	Reason            string        `json:"reason"`
	CurrentBalance    models.Amount `json:"currentBalance"`
	RequiredReserve   models.Amount `json:"requiredReserve"`
	OutstandingClaims models.Amount `json:"outstandingClaims"`
}

// InventoryManager tracks vault liquidity per chain and asset and guards
// the reserve backing user withdrawals.
type InventoryManager struct {
	store           *repository.Store
	reserveRatioPpk uint64 // reserve ratio in parts per thousand
	log             logrus.FieldLogger
}

// NewInventoryManager creates a new InventoryManager
func NewInventoryManager(store *repository.Store, cfg config.SolverConfig, log logrus.FieldLogger) *InventoryManager {
	return &InventoryManager{
		store:           store,
		reserveRatioPpk: uint64(math.Floor(cfg.MinReserveRatio * 1000)),
		log:             log,
	}
}

// GetInventory returns the vault amount for the pair, zero when absent.
func (m *InventoryManager) GetInventory(ctx context.Context, chainID int64, asset string) (models.Amount, error) {
	inv, err := m.store.Inventory.Get(ctx, chainID, asset)
	if errors.Is(err, repository.ErrNotFound) {
		return models.Amount{}, nil
	}
	if err != nil {
		return models.Amount{}, fmt.Errorf("failed to load inventory: %w", err)
	}
	return inv.Balance, nil
}

// ListInventory returns every inventory record.
func (m *InventoryManager) ListInventory(ctx context.Context) ([]*models.VaultInventory, error) {
	return m.store.Inventory.List(ctx)
}

// UsableLiquidity is the on-hand amount minus what pending withdrawals on
// the pair still reserve. excludeWithdrawalID leaves one request's own
// reservation out of the sum.
func (m *InventoryManager) UsableLiquidity(ctx context.Context, chainID int64, asset, excludeWithdrawalID string) (models.Amount, error) {
	return m.usableLiquidity(ctx, m.store.Repositories, chainID, asset, excludeWithdrawalID)
}

func (m *InventoryManager) usableLiquidity(ctx context.Context, repos *repository.Repositories, chainID int64, asset, excludeWithdrawalID string) (models.Amount, error) {
	var onHand models.Amount
	inv, err := repos.Inventory.Get(ctx, chainID, asset)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return models.Amount{}, fmt.Errorf("failed to load inventory: %w", err)
	default:
		onHand = inv.Balance
	}

	reserved, err := repos.Withdrawals.SumReserved(ctx, chainID, asset, excludeWithdrawalID)
	if err != nil {
		return models.Amount{}, fmt.Errorf("failed to sum reserved withdrawals: %w", err)
	}
	return onHand.SubFloor(reserved), nil
}

// HasLiquidity reports whether usable liquidity covers amount.
func (m *InventoryManager) HasLiquidity(ctx context.Context, chainID int64, asset string, amount models.Amount) (bool, error) {
	usable, err := m.UsableLiquidity(ctx, chainID, asset, "")
	if err != nil {
		return false, err
	}
	return usable.Gte(amount), nil
}

// Debit removes amount from the pair in its own transaction.
func (m *InventoryManager) Debit(ctx context.Context, chainID int64, asset string, amount models.Amount) (models.Amount, error) {
	var balance models.Amount
	err := m.store.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		balance, err = m.DebitIn(ctx, tx, chainID, asset, amount)
		return err
	})
	return balance, err
}

// DebitIn removes amount using repos, which is normally an open
// transaction shared with other writes. It never lets the balance go
// negative.
func (m *InventoryManager) DebitIn(ctx context.Context, repos *repository.Repositories, chainID int64, asset string, amount models.Amount) (models.Amount, error) {
	newBalance, err := m.mutate(ctx, repos, chainID, asset, "", func(current models.Amount) (models.Amount, error) {
		next, ok := current.Sub(amount)
		if !ok {
			return models.Amount{}, apperr.InsufficientLiquidity(
				"Insufficient vault liquidity on chain %d for %s: have %s, need %s", chainID, asset, current, amount)
		}
		return next, nil
	}, false)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInsufficientLiquidity {
			metrics.InventoryDebitFailures.WithLabelValues(strconv.FormatInt(chainID, 10), asset).Inc()
		}
		return models.Amount{}, err
	}

	m.log.WithFields(logrus.Fields{
		"chainId":    chainID,
		"asset":      asset,
		"amount":     amount.String(),
		"newBalance": newBalance.String(),
	}).Info("✅ Vault inventory debited")
	return newBalance, nil
}

// Credit adds amount to the pair in its own transaction.
func (m *InventoryManager) Credit(ctx context.Context, chainID int64, asset string, amount models.Amount) (models.Amount, error) {
	var balance models.Amount
	err := m.store.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		balance, err = m.CreditIn(ctx, tx, chainID, asset, amount)
		return err
	})
	return balance, err
}

// CreditIn adds amount using repos, creating the record when missing.
func (m *InventoryManager) CreditIn(ctx context.Context, repos *repository.Repositories, chainID int64, asset string, amount models.Amount) (models.Amount, error) {
	return m.mutate(ctx, repos, chainID, asset, "", func(current models.Amount) (models.Amount, error) {
		return current.Add(amount)
	}, true)
}

// RecordDeposit credits a vault deposit for chainID and asset and records
// the vault address.
func (m *InventoryManager) RecordDeposit(ctx context.Context, chainID int64, asset, vaultAddress string, amount models.Amount) (*models.VaultInventory, error) {
	if amount.IsZero() {
		return nil, apperr.Validation("deposit amount must be positive")
	}
	err := m.store.Transaction(ctx, func(tx *repository.Repositories) error {
		_, err := m.mutate(ctx, tx, chainID, asset, vaultAddress, func(current models.Amount) (models.Amount, error) {
			return current.Add(amount)
		}, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	inv, err := m.store.Inventory.Get(ctx, chainID, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to reload inventory: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"chainId": chainID,
		"asset":   asset,
		"vault":   vaultAddress,
		"amount":  amount.String(),
		"balance": inv.Balance.String(),
	}).Info("💰 Vault deposit recorded")
	return inv, nil
}

// mutate applies fn to the current balance with a version compare-and-swap,
// re-reading and retrying when a concurrent writer won.
func (m *InventoryManager) mutate(
	ctx context.Context,
	repos *repository.Repositories,
	chainID int64,
	asset, vaultAddress string,
	fn func(current models.Amount) (models.Amount, error),
	createMissing bool,
) (models.Amount, error) {
	for attempt := 0; attempt < maxInventoryCASAttempts; attempt++ {
		inv, err := repos.Inventory.GetForUpdate(ctx, chainID, asset)
		if errors.Is(err, repository.ErrNotFound) {
			next, err := fn(models.Amount{})
			if err != nil {
				return models.Amount{}, err
			}
			if !createMissing {
				return models.Amount{}, apperr.InsufficientLiquidity("No vault inventory on chain %d for %s", chainID, asset)
			}
			created := &models.VaultInventory{ChainID: chainID, Asset: asset, VaultAddress: vaultAddress, Balance: next}
			if err := repos.Inventory.Create(ctx, created); err != nil {
				return models.Amount{}, fmt.Errorf("failed to create inventory: %w", err)
			}
			return next, nil
		}
		if err != nil {
			return models.Amount{}, fmt.Errorf("failed to load inventory: %w", err)
		}

		next, err := fn(inv.Balance)
		if err != nil {
			return models.Amount{}, err
		}
		swapped, err := repos.Inventory.CompareAndSwapBalance(ctx, inv.ID, inv.Version, next, vaultAddress)
		if err != nil {
			return models.Amount{}, fmt.Errorf("failed to update inventory: %w", err)
		}
		if swapped {
			return next, nil
		}
		m.log.WithFields(logrus.Fields{"chainId": chainID, "asset": asset, "attempt": attempt + 1}).Warn("⚠️ Inventory version conflict, retrying")
	}
	return models.Amount{}, apperr.StaleState("inventory for chain %d %s changed concurrently", chainID, asset)
}

// DebitWithReserveIn removes amount like DebitIn but only when the
// post-debit balance stays at or above the reserve. The check runs against
// the locked inventory row inside repos' transaction.
func (m *InventoryManager) DebitWithReserveIn(ctx context.Context, repos *repository.Repositories, chainID int64, asset string, amount models.Amount) (models.Amount, error) {
	_, reserve, err := m.requiredReserve(ctx, repos, chainID, asset)
	if err != nil {
		return models.Amount{}, err
	}

	newBalance, err := m.mutate(ctx, repos, chainID, asset, "", func(current models.Amount) (models.Amount, error) {
		if reason, safe := healthReason(current, amount, reserve); !safe {
			return models.Amount{}, apperr.InsufficientLiquidity("%s", reason)
		}
		next, _ := current.Sub(amount)
		return next, nil
	}, false)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInsufficientLiquidity {
			metrics.InventoryDebitFailures.WithLabelValues(strconv.FormatInt(chainID, 10), asset).Inc()
		}
		return models.Amount{}, err
	}

	m.log.WithFields(logrus.Fields{
		"chainId":    chainID,
		"asset":      asset,
		"amount":     amount.String(),
		"reserve":    reserve.String(),
		"newBalance": newBalance.String(),
	}).Info("✅ Vault inventory debited within reserve")
	return newBalance, nil
}

// CheckHealth decides whether fulfilling amount from the pair keeps the
// vault above the reserve owed to users' standing claims.
func (m *InventoryManager) CheckHealth(ctx context.Context, chainID int64, asset string, amount models.Amount) (*HealthResult, error) {
	current, err := m.GetInventory(ctx, chainID, asset)
	if err != nil {
		return nil, err
	}
	claims, reserve, err := m.requiredReserve(ctx, m.store.Repositories, chainID, asset)
	if err != nil {
		return nil, err
	}

	result := &HealthResult{
		CurrentBalance:    current,
		RequiredReserve:   reserve,
		OutstandingClaims: claims,
	}
	result.Reason, result.Safe = healthReason(current, amount, reserve)
	return result, nil
}

// requiredReserve 用户在该链上的未结算余额总和及其对应的最低储备
func (m *InventoryManager) requiredReserve(ctx context.Context, repos *repository.Repositories, chainID int64, asset string) (claims, reserve models.Amount, err error) {
	claims, err = repos.Balances.SumClaims(ctx, chainID, asset)
	if err != nil {
		return models.Amount{}, models.Amount{}, fmt.Errorf("failed to sum user claims: %w", err)
	}
	reserve, err = claims.MulDiv(m.reserveRatioPpk, 1000)
	if err != nil {
		return models.Amount{}, models.Amount{}, fmt.Errorf("failed to compute reserve: %w", err)
	}
	return claims, reserve, nil
}

func healthReason(current, amount, reserve models.Amount) (string, bool) {
	post, ok := current.Sub(amount)
	switch {
	case !ok:
		return fmt.Sprintf("Insufficient vault balance: have %s, need %s", current, amount), false
	case post.Lt(reserve):
		return fmt.Sprintf("Would break Fast Exit Guarantee: post-balance %s < reserve %s", post, reserve), false
	default:
		return "OK", true
	}
}
