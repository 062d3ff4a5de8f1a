package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/models"
)

var testWorkersConfig = config.WorkersConfig{
	WithdrawalSweepSeconds:   30,
	WithdrawalTimeoutSeconds: 300,
	PendingRetryAfterSeconds: 60,
}

func TestSweepRetriesPendingAndTimesOutStuck(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{}, &recordingPublisher{})
	sweeper := NewWithdrawalTimeoutService(store, router, testWorkersConfig, logging.Discard())

	seedInventory(t, store, 1, usdc, "5000")
	seedBalance(t, store, alice, usdc, nil, "1000")

	pending := createPending(t, store, alice, "400", 1)
	stuck := &models.WithdrawalRequest{
		UserAddress:        bob,
		Asset:              usdc,
		Amount:             amt("10"),
		DestinationChainID: 1,
		Status:             models.WithdrawalStatusBridging,
		ExitType:           models.ExitTypeSponsored,
	}
	require.NoError(t, store.Withdrawals.Create(ctx, stuck))

	retried, timedOut := sweeper.Sweep(ctx)
	require.Zero(t, retried)
	require.Zero(t, timedOut)

	sweeper.now = func() time.Time { return time.Now().Add(10 * time.Minute) }
	retried, timedOut = sweeper.Sweep(ctx)
	require.Equal(t, 1, retried)
	require.Equal(t, 1, timedOut)

	got, err := store.Withdrawals.GetByID(ctx, pending.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusCompleted, got.Status)
	require.Equal(t, "600", unifiedOf(t, store, alice, usdc))

	got, err = store.Withdrawals.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "Withdrawal timed out in BRIDGING")
}

func TestWithdrawalTimeoutServiceStartStop(t *testing.T) {
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{}, &recordingPublisher{})
	sweeper := NewWithdrawalTimeoutService(store, router, testWorkersConfig, logging.Discard())

	sweeper.Start()
	sweeper.Start()
	sweeper.Stop()
	sweeper.Stop()
}
