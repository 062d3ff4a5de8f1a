package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
)

func newTestRouter(store *repository.Store, bridge *fakeBridge, pub *recordingPublisher) *ExitRouter {
	return NewExitRouter(store, newTestInventory(store), bridge, pub, logging.Discard())
}

func createPending(t *testing.T, store *repository.Store, user string, amount string, dest int64) *models.WithdrawalRequest {
	t.Helper()
	request := &models.WithdrawalRequest{
		UserAddress:        user,
		Asset:              usdc,
		Amount:             amt(amount),
		DestinationChainID: dest,
		Status:             models.WithdrawalStatusPending,
	}
	require.NoError(t, store.Withdrawals.Create(context.Background(), request))
	return request
}

func TestDirectExit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &recordingPublisher{}
	bridge := &fakeBridge{}
	router := newTestRouter(store, bridge, pub)

	seedInventory(t, store, 1, usdc, "5000")
	seedBalance(t, store, alice, usdc, nil, "1500")

	request, err := router.CreateWithdrawalRequest(ctx, WithdrawalInput{
		UserAddress:        alice,
		Asset:              usdc,
		Amount:             amt("1000"),
		DestinationChainID: 1,
	})
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusPending, request.Status)
	router.Wait()

	got, err := router.GetWithdrawalStatus(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusCompleted, got.Status)
	require.Equal(t, models.ExitTypeDirect, got.ExitType)

	require.Equal(t, "4000", inventoryOf(t, store, 1, usdc))
	require.Equal(t, "500", unifiedOf(t, store, alice, usdc))
	require.Zero(t, bridge.buildCount())

	updates := pub.all()
	require.Len(t, updates, 1)
	require.Equal(t, "500", updates[0].Balance)
}

func TestSponsoredExitBridgesFromRichestChain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	bridge := &fakeBridge{}
	router := newTestRouter(store, bridge, &recordingPublisher{})

	seedInventory(t, store, 1, usdc, "100")
	seedInventory(t, store, 2, usdc, "10000")
	seedInventory(t, store, 3, usdc, "3000")
	seedBalance(t, store, alice, usdc, nil, "2000")

	request := createPending(t, store, alice, "2000", 1)
	require.NoError(t, router.EvaluateWithdrawal(ctx, request.ID))

	got, err := router.GetWithdrawalStatus(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusCompleted, got.Status)
	require.Equal(t, models.ExitTypeSponsored, got.ExitType)
	require.Equal(t, "hybrid-exit-"+request.ID, got.BridgeIntentID)
	require.NotNil(t, got.SourceChainID)
	require.Equal(t, int64(2), *got.SourceChainID)

	require.Equal(t, "100", inventoryOf(t, store, 1, usdc))
	require.Equal(t, "8000", inventoryOf(t, store, 2, usdc))
	require.Equal(t, "0", unifiedOf(t, store, alice, usdc))
	require.Equal(t, 1, bridge.buildCount())
}

func TestSponsoredExitFailsWithoutSourceChain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{}, &recordingPublisher{})

	seedInventory(t, store, 1, usdc, "100")
	seedInventory(t, store, 2, usdc, "50")
	seedBalance(t, store, alice, usdc, nil, "1000")

	request := createPending(t, store, alice, "1000", 1)
	require.NoError(t, router.EvaluateWithdrawal(ctx, request.ID))

	got, err := router.GetWithdrawalStatus(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusFailed, got.Status)
	require.Equal(t, "No source chain found with sufficient liquidity", got.ErrorMessage)

	require.Equal(t, "100", inventoryOf(t, store, 1, usdc))
	require.Equal(t, "1000", unifiedOf(t, store, alice, usdc))
}

func TestSponsoredExitFailsWhenBridgeFails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{buildErr: errors.New("lif-rust down")}, &recordingPublisher{})

	seedInventory(t, store, 2, usdc, "10000")
	seedBalance(t, store, alice, usdc, nil, "100")

	request := createPending(t, store, alice, "100", 1)
	require.NoError(t, router.EvaluateWithdrawal(ctx, request.ID))

	got, err := router.GetWithdrawalStatus(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "lif-rust down")
	require.Equal(t, "10000", inventoryOf(t, store, 2, usdc))
}

func TestEvaluateWithdrawalRunsOnce(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{}, &recordingPublisher{})

	seedInventory(t, store, 1, usdc, "5000")
	seedBalance(t, store, alice, usdc, nil, "1500")
	request := createPending(t, store, alice, "1000", 1)

	const callers = 4
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- router.EvaluateWithdrawal(ctx, request.ID)
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, apperr.ErrValidation)
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, "4000", inventoryOf(t, store, 1, usdc))
	require.Equal(t, "500", unifiedOf(t, store, alice, usdc))
}

func TestTimedOutSponsoredExitDoesNotSettle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	bridge := &fakeBridge{entered: make(chan struct{}, 1), release: make(chan struct{})}
	router := newTestRouter(store, bridge, &recordingPublisher{})
	sweeper := NewWithdrawalTimeoutService(store, router, testWorkersConfig, logging.Discard())
	sweeper.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	seedInventory(t, store, 1, usdc, "100")
	seedInventory(t, store, 2, usdc, "10000")
	seedBalance(t, store, alice, usdc, nil, "1000")
	request := createPending(t, store, alice, "1000", 1)

	done := make(chan error, 1)
	go func() { done <- router.EvaluateWithdrawal(ctx, request.ID) }()
	<-bridge.entered

	_, timedOut := sweeper.Sweep(ctx)
	require.Equal(t, 1, timedOut)
	close(bridge.release)
	require.NoError(t, <-done)

	got, err := router.GetWithdrawalStatus(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusFailed, got.Status)
	require.Contains(t, got.ErrorMessage, "Withdrawal timed out in BRIDGING")
	require.Equal(t, "10000", inventoryOf(t, store, 2, usdc))
	require.Equal(t, "1000", unifiedOf(t, store, alice, usdc))
}

func TestMarkFailedLeavesCompletedRequest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{}, &recordingPublisher{})

	seedInventory(t, store, 1, usdc, "5000")
	seedBalance(t, store, alice, usdc, nil, "1000")
	request := createPending(t, store, alice, "1000", 1)
	require.NoError(t, router.EvaluateWithdrawal(ctx, request.ID))

	stale := *request
	stale.Status = models.WithdrawalStatusProcessing
	failed, err := router.markFailed(ctx, &stale, models.ExitTypeDirect, apperr.Timeout("late"))
	require.NoError(t, err)
	require.False(t, failed)

	current, err := router.GetWithdrawalStatus(ctx, request.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusCompleted, current.Status)
	require.Empty(t, current.ErrorMessage)

	failed, err = router.markFailed(ctx, current, models.ExitTypeDirect, apperr.Timeout("late"))
	require.NoError(t, err)
	require.False(t, failed)
}

func TestCreateWithdrawalRequestValidation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{}, &recordingPublisher{})
	seedBalance(t, store, alice, usdc, nil, "10")

	_, err := router.CreateWithdrawalRequest(ctx, WithdrawalInput{UserAddress: alice, Asset: usdc, Amount: amt("11"), DestinationChainID: 1})
	require.ErrorIs(t, err, apperr.ErrInsufficientFunds)

	_, err = router.CreateWithdrawalRequest(ctx, WithdrawalInput{UserAddress: alice, Asset: usdc, DestinationChainID: 1})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = router.GetWithdrawalStatus(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	history, err := router.GetWithdrawalHistory(ctx, alice)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestWithdrawalHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	router := newTestRouter(store, &fakeBridge{}, &recordingPublisher{})

	first := createPending(t, store, alice, "1", 1)
	second := createPending(t, store, alice, "2", 1)
	_ = createPending(t, store, bob, "3", 1)

	history, err := router.GetWithdrawalHistory(ctx, alice)
	require.NoError(t, err)
	require.Len(t, history, 2)
	ids := []string{history[0].ID, history[1].ID}
	require.ElementsMatch(t, []string{first.ID, second.ID}, ids)
}
