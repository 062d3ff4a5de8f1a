package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
)

func TestCheckHealthGuardsReserve(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inv := newTestInventory(store)

	seedInventory(t, store, 1, usdc, "2000")
	seedBalance(t, store, alice, usdc, chain(1), "5000")
	seedBalance(t, store, bob, usdc, chain(1), "3000")
	seedBalance(t, store, bob, usdc, chain(2), "9999") // other chain, not a claim here

	unsafe, err := inv.CheckHealth(ctx, 1, usdc, amt("1000"))
	require.NoError(t, err)
	require.False(t, unsafe.Safe)
	require.Equal(t, "8000", unsafe.OutstandingClaims.String())
	require.Equal(t, "1600", unsafe.RequiredReserve.String())
	require.Equal(t, "Would break Fast Exit Guarantee: post-balance 1000 < reserve 1600", unsafe.Reason)

	safe, err := inv.CheckHealth(ctx, 1, usdc, amt("300"))
	require.NoError(t, err)
	require.True(t, safe.Safe)
	require.Equal(t, "OK", safe.Reason)

	over, err := inv.CheckHealth(ctx, 1, usdc, amt("2500"))
	require.NoError(t, err)
	require.False(t, over.Safe)
	require.Contains(t, over.Reason, "Insufficient vault balance")
}

func TestDebitNeverGoesNegative(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inv := newTestInventory(store)
	seedInventory(t, store, 1, usdc, "500")

	_, err := inv.Debit(ctx, 1, usdc, amt("501"))
	require.ErrorIs(t, err, apperr.ErrInsufficientLiquidity)
	require.Equal(t, "500", inventoryOf(t, store, 1, usdc))

	left, err := inv.Debit(ctx, 1, usdc, amt("200"))
	require.NoError(t, err)
	require.Equal(t, "300", left.String())

	_, err = inv.Debit(ctx, 7, usdc, amt("1"))
	require.ErrorIs(t, err, apperr.ErrInsufficientLiquidity)
}

func TestCreditAndRecordDeposit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inv := newTestInventory(store)

	balance, err := inv.Credit(ctx, 1, usdc, amt("40"))
	require.NoError(t, err)
	require.Equal(t, "40", balance.String())

	record, err := inv.RecordDeposit(ctx, 1, usdc, "0xvault", amt("60"))
	require.NoError(t, err)
	require.Equal(t, "100", record.Balance.String())
	require.Equal(t, "0xvault", record.VaultAddress)

	_, err = inv.RecordDeposit(ctx, 1, usdc, "0xvault", models.Amount{})
	require.ErrorIs(t, err, apperr.ErrValidation)

	zero, err := inv.GetInventory(ctx, 99, usdc)
	require.NoError(t, err)
	require.True(t, zero.IsZero())
}

func TestUsableLiquidityExcludesReservations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inv := newTestInventory(store)
	seedInventory(t, store, 1, usdc, "1000")

	pending := &models.WithdrawalRequest{UserAddress: alice, Asset: usdc, Amount: amt("300"), DestinationChainID: 1, Status: models.WithdrawalStatusPending}
	processing := &models.WithdrawalRequest{UserAddress: alice, Asset: usdc, Amount: amt("100"), DestinationChainID: 1, Status: models.WithdrawalStatusProcessing}
	bridging := &models.WithdrawalRequest{UserAddress: bob, Asset: usdc, Amount: amt("50"), DestinationChainID: 5, SourceChainID: chain(1), Status: models.WithdrawalStatusBridging}
	done := &models.WithdrawalRequest{UserAddress: bob, Asset: usdc, Amount: amt("500"), DestinationChainID: 1, Status: models.WithdrawalStatusCompleted}
	for _, w := range []*models.WithdrawalRequest{pending, processing, bridging, done} {
		require.NoError(t, store.Withdrawals.Create(ctx, w))
	}

	usable, err := inv.UsableLiquidity(ctx, 1, usdc, "")
	require.NoError(t, err)
	require.Equal(t, "550", usable.String())

	own, err := inv.UsableLiquidity(ctx, 1, usdc, pending.ID)
	require.NoError(t, err)
	require.Equal(t, "850", own.String())

	ok, err := inv.HasLiquidity(ctx, 1, usdc, amt("551"))
	require.NoError(t, err)
	require.False(t, ok)

	// the bridging request's destination is not reserved
	seedInventory(t, store, 5, usdc, "80")
	dest, err := inv.UsableLiquidity(ctx, 5, usdc, "")
	require.NoError(t, err)
	require.Equal(t, "80", dest.String())
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inv := newTestInventory(store)
	seedInventory(t, store, 1, usdc, "500")

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.Debit(ctx, 1, usdc, amt("300"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, refused int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, apperr.ErrInsufficientLiquidity)
		refused++
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, refused)
	require.Equal(t, "200", inventoryOf(t, store, 1, usdc))
}

func TestDebitWithReserveRefusesBelowReserve(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	inv := newTestInventory(store)

	seedInventory(t, store, 1, usdc, "2000")
	seedBalance(t, store, alice, usdc, chain(1), "8000")

	var left models.Amount
	err := store.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		left, err = inv.DebitWithReserveIn(ctx, tx, 1, usdc, amt("400"))
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "1600", left.String())
	require.Equal(t, "1600", inventoryOf(t, store, 1, usdc))

	err = store.Transaction(ctx, func(tx *repository.Repositories) error {
		_, err := inv.DebitWithReserveIn(ctx, tx, 1, usdc, amt("1"))
		return err
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientLiquidity)
	require.Contains(t, apperr.From(err).Message, "Would break Fast Exit Guarantee: post-balance 1599 < reserve 1600")
	require.Equal(t, "1600", inventoryOf(t, store, 1, usdc))
}
