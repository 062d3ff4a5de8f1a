package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/db/dbtest"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
)

const user = "0x1111111111111111111111111111111111111111"

func newStore(t *testing.T) *repository.Store {
	return repository.NewStore(dbtest.New(t))
}

func TestSessionCompareAndSetState(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	session := &models.Session{ChannelID: "ch-1", ParticipantA: user, ParticipantB: "0x2", ChainID: 1, Status: models.SessionStatusOpen}
	require.NoError(t, store.Sessions.Create(ctx, session))

	ok, err := store.Sessions.CompareAndSetState(ctx, session.ID, 0, repository.SessionState{SequenceNumber: 1, StateHash: "0xaa"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Sessions.CompareAndSetState(ctx, session.ID, 0, repository.SessionState{SequenceNumber: 1, StateHash: "0xbb"})
	require.NoError(t, err)
	require.False(t, ok, "stale expected sequence must not match")

	got, err := store.Sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.SequenceNumber)
	require.Equal(t, "0xaa", got.LatestStateHash)

	require.NoError(t, store.Sessions.SetStatus(ctx, session.ID, models.SessionStatusClosed))
	ok, err = store.Sessions.CompareAndSetState(ctx, session.ID, 1, repository.SessionState{SequenceNumber: 2})
	require.NoError(t, err)
	require.False(t, ok, "closed session must not accept state")
}

func TestSessionLookups(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Sessions.GetByChannelID(ctx, "missing")
	require.ErrorIs(t, err, repository.ErrNotFound)

	_, err = store.Sessions.LatestSignedByParticipant(ctx, user)
	require.ErrorIs(t, err, repository.ErrNotFound)

	for _, ch := range []string{"a", "b"} {
		require.NoError(t, store.Sessions.Create(ctx, &models.Session{ChannelID: ch, ParticipantA: user, ParticipantB: "0x2", ChainID: 1, Status: models.SessionStatusOpen}))
	}
	open, err := store.Sessions.ListOpenByParticipant(ctx, user)
	require.NoError(t, err)
	require.Len(t, open, 2)
}

func TestBalanceUpsertSeparatesUnifiedAndChain(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	chain := int64(8453)

	_, err := store.Balances.Upsert(ctx, user, "usdc", nil, models.NewAmount(100))
	require.NoError(t, err)
	_, err = store.Balances.Upsert(ctx, user, "usdc", &chain, models.NewAmount(40))
	require.NoError(t, err)
	_, err = store.Balances.Upsert(ctx, user, "usdc", nil, models.NewAmount(150))
	require.NoError(t, err)

	unified, err := store.Balances.Get(ctx, user, "usdc", nil)
	require.NoError(t, err)
	require.Equal(t, "150", unified.Balance.String())

	rows, err := store.Balances.ListByUserAsset(ctx, user, "usdc")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	claims, err := store.Balances.SumClaims(ctx, chain, "usdc")
	require.NoError(t, err)
	require.Equal(t, "40", claims.String())
}

func TestInventoryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	inv := &models.VaultInventory{ChainID: 1, Asset: "usdc", Balance: models.NewAmount(500)}
	require.NoError(t, store.Inventory.Create(ctx, inv))

	ok, err := store.Inventory.CompareAndSwapBalance(ctx, inv.ID, 0, models.NewAmount(400), "")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Inventory.CompareAndSwapBalance(ctx, inv.ID, 0, models.NewAmount(1), "")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.Inventory.Get(ctx, 1, "usdc")
	require.NoError(t, err)
	require.Equal(t, "400", got.Balance.String())
	require.Equal(t, uint64(1), got.Version)

	_, err = store.Inventory.Get(ctx, 2, "usdc")
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestWithdrawalSumReserved(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	mk := func(amount uint64, status models.WithdrawalStatus, source *int64) *models.WithdrawalRequest {
		w := &models.WithdrawalRequest{UserAddress: user, Asset: "usdc", Amount: models.NewAmount(amount), DestinationChainID: 1, SourceChainID: source, Status: status}
		require.NoError(t, store.Withdrawals.Create(ctx, w))
		return w
	}
	source := int64(2)
	mk(100, models.WithdrawalStatusPending, nil)
	evaluating := mk(200, models.WithdrawalStatusEvaluating, nil)
	mk(1600, models.WithdrawalStatusProcessing, nil)
	mk(3200, models.WithdrawalStatusBridging, &source)
	mk(400, models.WithdrawalStatusCompleted, nil)
	mk(800, models.WithdrawalStatusFailed, &source)

	total, err := store.Withdrawals.SumReserved(ctx, 1, "usdc", "")
	require.NoError(t, err)
	require.Equal(t, "1900", total.String())

	total, err = store.Withdrawals.SumReserved(ctx, 1, "usdc", evaluating.ID)
	require.NoError(t, err)
	require.Equal(t, "1700", total.String())

	total, err = store.Withdrawals.SumReserved(ctx, 2, "usdc", "")
	require.NoError(t, err)
	require.Equal(t, "3200", total.String())

	total, err = store.Withdrawals.SumReserved(ctx, 2, "eth", "")
	require.NoError(t, err)
	require.True(t, total.IsZero())

	history, err := store.Withdrawals.FindByUser(ctx, user, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestWithdrawalTransitionRequiresExpectedStatus(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	w := &models.WithdrawalRequest{UserAddress: user, Asset: "usdc", Amount: models.NewAmount(5), DestinationChainID: 1, Status: models.WithdrawalStatusPending}
	require.NoError(t, store.Withdrawals.Create(ctx, w))

	ok, err := store.Withdrawals.Transition(ctx, w.ID, []models.WithdrawalStatus{models.WithdrawalStatusPending}, map[string]any{"status": models.WithdrawalStatusEvaluating})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Withdrawals.Transition(ctx, w.ID, []models.WithdrawalStatus{models.WithdrawalStatusPending}, map[string]any{"status": models.WithdrawalStatusEvaluating})
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Withdrawals.Transition(ctx, w.ID, []models.WithdrawalStatus{models.WithdrawalStatusEvaluating}, map[string]any{"status": models.WithdrawalStatusCompleted})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Withdrawals.Transition(ctx, w.ID, []models.WithdrawalStatus{models.WithdrawalStatusEvaluating, models.WithdrawalStatusProcessing}, map[string]any{"status": models.WithdrawalStatusFailed, "error_message": "late"})
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.Withdrawals.GetByID(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, models.WithdrawalStatusCompleted, got.Status)
	require.Empty(t, got.ErrorMessage)
}

func TestSessionKeyOneActivePerPair(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	mk := func(status models.SessionKeyStatus) *models.SessionKey {
		return &models.SessionKey{UserAddress: user, SessionKeyAddress: "0x5", Scope: "nitrolite_state_update", Status: status, ExpiresAt: time.Now().Add(time.Hour)}
	}
	first := mk(models.SessionKeyStatusActive)
	require.NoError(t, store.SessionKeys.Create(ctx, first))
	require.ErrorIs(t, store.SessionKeys.Create(ctx, mk(models.SessionKeyStatusActive)), repository.ErrDuplicate)
	require.NoError(t, store.SessionKeys.Create(ctx, mk(models.SessionKeyStatusRevoked)))

	ok, err := store.SessionKeys.Transition(ctx, first.ID, models.SessionKeyStatusActive, models.SessionKeyStatusRevoked, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.SessionKeys.Create(ctx, mk(models.SessionKeyStatusActive)))
}

func TestSessionKeyTransitionIsOneWay(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	key := &models.SessionKey{UserAddress: user, SessionKeyAddress: "0x3", Scope: "nitrolite_state_update", Status: models.SessionKeyStatusActive, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.SessionKeys.Create(ctx, key))

	now := time.Now()
	ok, err := store.SessionKeys.Transition(ctx, key.ID, models.SessionKeyStatusActive, models.SessionKeyStatusRevoked, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SessionKeys.Transition(ctx, key.ID, models.SessionKeyStatusActive, models.SessionKeyStatusExpired, now)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.SessionKeys.FindLatest(ctx, user, "0x3")
	require.NoError(t, err)
	require.Equal(t, models.SessionKeyStatusRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)
}

func TestStoreTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	boom := errors.New("boom")

	err := store.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.Inventory.Create(ctx, &models.VaultInventory{ChainID: 1, Asset: "usdc", Balance: models.NewAmount(10)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	list, err := store.Inventory.List(ctx)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestIntentLogListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	first := &models.IntentLog{IntentID: "i-1", Asset: "usdc", Amount: models.NewAmount(1), Status: models.IntentStatusEvaluating}
	require.NoError(t, store.IntentLogs.Create(ctx, first))
	second := &models.IntentLog{IntentID: "i-2", Asset: "usdc", Amount: models.NewAmount(1), Status: models.IntentStatusEvaluating, CreatedAt: first.CreatedAt.Add(time.Second)}
	require.NoError(t, store.IntentLogs.Create(ctx, second))

	require.NoError(t, store.IntentLogs.Update(ctx, first.ID, map[string]any{"status": models.IntentStatusSkipped, "reason": "r"}))

	logs, err := store.IntentLogs.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "i-2", logs[0].IntentID)
	require.Equal(t, models.IntentStatusSkipped, logs[1].Status)
}
