package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/signer"
	"github.com/0xarcano/UXWallet/internal/utils"
)

func newTestLedger(t *testing.T, store *repository.Store, node *fakeClearNode, pub *recordingPublisher) (*SettlementLedger, *signer.LocalSigner) {
	t.Helper()
	svc := newSigner(t)
	ledger := NewSettlementLedger(store, node, signer.NewStaticKeyStore(svc), newTestInventory(store), pub, logging.Discard())
	return ledger, svc
}

func stateJSON(seq int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"allocations":[{"participant":%q,"asset":"usdc","amount":"%d"}]}`, alice, 100-seq))
}

// allocState builds usdc allocations from participant, amount pairs.
func allocState(pairs ...string) json.RawMessage {
	entries := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		entries = append(entries, fmt.Sprintf(`{"participant":%q,"asset":"usdc","amount":%q}`, pairs[i], pairs[i+1]))
	}
	return json.RawMessage(`{"allocations":[` + strings.Join(entries, ",") + `]}`)
}

func TestApplyStateUpdateSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	pub := &recordingPublisher{}
	ledger, _ := newTestLedger(t, store, &fakeClearNode{}, pub)

	session, err := ledger.OpenSession(ctx, "ch-1", alice, bob, 1)
	require.NoError(t, err)

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, ledger.ApplyStateUpdate(ctx, StateUpdateInput{
			SessionID:      session.ID,
			SequenceNumber: uint64(seq),
			StateData:      stateJSON(seq),
			BalanceUpdates: []BalanceUpdateEntry{
				{UserAddress: alice, Asset: usdc, NewBalance: models.NewAmount(uint64(100 - seq)), ChainID: chain(1)},
				{UserAddress: alice, Asset: usdc, NewBalance: models.NewAmount(uint64(100 - seq))},
			},
		}))
	}

	// replay of the last accepted state
	err = ledger.ApplyStateUpdate(ctx, StateUpdateInput{SessionID: session.ID, SequenceNumber: 3, StateData: stateJSON(3)})
	require.ErrorIs(t, err, apperr.ErrStaleState)

	// gap past the next expected number
	err = ledger.ApplyStateUpdate(ctx, StateUpdateInput{SessionID: session.ID, SequenceNumber: 5, StateData: stateJSON(5)})
	require.ErrorIs(t, err, apperr.ErrStaleState)
	require.Contains(t, err.Error(), "Expected 4, got 5")

	got, err := store.Sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(3), got.SequenceNumber)

	txs, err := store.Transactions.ListBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, txs, 3)

	require.Equal(t, "97", unifiedOf(t, store, alice, usdc))

	updates := pub.all()
	require.Len(t, updates, 3, "one notification per state update for the single address")
	require.Nil(t, updates[2].ChainID, "unified entry is preferred")
	require.Equal(t, uint64(3), updates[2].SequenceNumber)
}

func TestApplyStateUpdateUnknownOrClosedSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store, &fakeClearNode{}, &recordingPublisher{})

	err := ledger.ApplyStateUpdate(ctx, StateUpdateInput{SessionID: "missing", SequenceNumber: 1, StateData: stateJSON(1)})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	session, err := ledger.OpenSession(ctx, "ch-closed", alice, bob, 1)
	require.NoError(t, err)
	_, err = ledger.CloseSession(ctx, "ch-closed")
	require.NoError(t, err)

	err = ledger.ApplyStateUpdate(ctx, StateUpdateInput{SessionID: session.ID, SequenceNumber: 1, StateData: stateJSON(1)})
	require.Equal(t, apperr.CodeSessionExpired, apperr.CodeOf(err))
}

func TestInitializeSessionCreditsBalancesAndInventory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	node := &fakeClearNode{}
	pub := &recordingPublisher{}
	ledger, _ := newTestLedger(t, store, node, pub)

	session, err := ledger.InitializeSession(ctx, InitializeSessionInput{
		UserAddress:   "0x1111111111111111111111111111111111111111",
		ChainID:       10,
		Asset:         usdc,
		DepositAmount: amt("100"),
	})
	require.NoError(t, err)
	require.Equal(t, "0xapp", session.ChannelID)
	require.Equal(t, uint64(0), session.SequenceNumber)
	require.Len(t, node.created, 1)

	require.Equal(t, "100", unifiedOf(t, store, alice, usdc))
	perChain, err := store.Balances.Get(ctx, alice, usdc, chain(10))
	require.NoError(t, err)
	require.Equal(t, "100", perChain.Balance.String())
	require.Equal(t, "100", inventoryOf(t, store, 10, usdc))

	updates := pub.all()
	require.Len(t, updates, 1)
	require.Equal(t, "100", updates[0].Balance)

	balances, err := ledger.GetUnifiedBalances(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, "100", balances[usdc].Unified)
	require.Equal(t, "100", balances[usdc].Chains[10])
}

func TestSubmitStateUpdateAdvancesSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	node := &fakeClearNode{}
	ledger, svc := newTestLedger(t, store, node, &recordingPublisher{})

	_, err := ledger.OpenSession(ctx, "ch-2", alice, bob, 1)
	require.NoError(t, err)

	session, err := ledger.SubmitStateUpdate(ctx, "ch-2", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), session.SequenceNumber)
	require.Equal(t, 1, node.submitted)

	sig, err := hexutil.Decode(session.LatestStateSig)
	require.NoError(t, err)
	hash, err := signer.StateHash("ch-2", 1, json.RawMessage(session.LatestStateData))
	require.NoError(t, err)
	recovered, err := signer.RecoverHash(hash.Bytes(), sig)
	require.NoError(t, err)
	require.Equal(t, svc.Address(), recovered)

	proof, err := ledger.GetLatestStateProof(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, uint64(1), proof.SequenceNumber)
	require.Equal(t, session.LatestStateHash, proof.StateHash)
}

func TestCoSignStateUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger, svc := newTestLedger(t, store, &fakeClearNode{}, &recordingPublisher{})

	user := newSigner(t)
	userAddr := utils.NormalizeAddress(user.Address().Hex())
	session, err := ledger.OpenSession(ctx, "ch-3", userAddr, bob, 1)
	require.NoError(t, err)

	state := allocState(userAddr, "100", bob, "0")
	hash, err := signer.StateHash("ch-3", 1, state)
	require.NoError(t, err)
	userSig, err := user.SignRaw(ctx, hash.Bytes())
	require.NoError(t, err)

	result, err := ledger.CoSignStateUpdate(ctx, CoSignInput{
		SessionID:      session.ID,
		SequenceNumber: 1,
		StateData:      state,
		UserSignature:  hexutil.Encode(userSig),
	})
	require.NoError(t, err)
	require.Equal(t, hash.Hex(), result.StateHash)

	serviceSig, err := hexutil.Decode(result.SignatureB)
	require.NoError(t, err)
	recovered, err := signer.RecoverHash(hash.Bytes(), serviceSig)
	require.NoError(t, err)
	require.Equal(t, svc.Address(), recovered)

	stranger := newSigner(t)
	next := allocState(userAddr, "90", bob, "10")
	hash2, err := signer.StateHash("ch-3", 2, next)
	require.NoError(t, err)
	badSig, err := stranger.SignRaw(ctx, hash2.Bytes())
	require.NoError(t, err)
	_, err = ledger.CoSignStateUpdate(ctx, CoSignInput{
		SessionID:      session.ID,
		SequenceNumber: 2,
		StateData:      next,
		UserSignature:  hexutil.Encode(badSig),
	})
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	got, err := store.Sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.SequenceNumber)
}

func TestCoSignDerivesBalancesFromAllocations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store, &fakeClearNode{}, &recordingPublisher{})

	user := newSigner(t)
	userAddr := utils.NormalizeAddress(user.Address().Hex())
	session, err := ledger.OpenSession(ctx, "ch-5", userAddr, bob, 1)
	require.NoError(t, err)
	require.NoError(t, ledger.ApplyStateUpdate(ctx, StateUpdateInput{
		SessionID:      session.ID,
		SequenceNumber: 1,
		StateData:      allocState(userAddr, "100", bob, "0"),
		BalanceUpdates: []BalanceUpdateEntry{
			{UserAddress: userAddr, Asset: usdc, NewBalance: amt("100"), ChainID: chain(1)},
			{UserAddress: userAddr, Asset: usdc, NewBalance: amt("100")},
		},
	}))

	coSign := func(seq uint64, state json.RawMessage) error {
		hash, err := signer.StateHash("ch-5", seq, state)
		require.NoError(t, err)
		sig, err := user.SignRaw(ctx, hash.Bytes())
		require.NoError(t, err)
		_, err = ledger.CoSignStateUpdate(ctx, CoSignInput{
			SessionID:      session.ID,
			SequenceNumber: seq,
			StateData:      state,
			UserSignature:  hexutil.Encode(sig),
		})
		return err
	}

	require.NoError(t, coSign(2, allocState(userAddr, "60", bob, "40")))
	require.Equal(t, "60", unifiedOf(t, store, userAddr, usdc))
	perChain, err := store.Balances.Get(ctx, userAddr, usdc, chain(1))
	require.NoError(t, err)
	require.Equal(t, "60", perChain.Balance.String())

	rejected := map[string]json.RawMessage{
		"no allocations":    json.RawMessage(`{"anything":true}`),
		"inflated total":    allocState(userAddr, "1000000000", bob, "40"),
		"service shrinks":   allocState(userAddr, "100", bob, "0"),
		"third participant": allocState(userAddr, "50", bob, "40", alice, "10"),
	}
	for name, state := range rejected {
		require.ErrorIs(t, coSign(3, state), apperr.ErrValidation, name)
	}

	// the user spends more than the unified balance holds
	_, err = store.Balances.Upsert(ctx, userAddr, usdc, nil, amt("10"))
	require.NoError(t, err)
	require.ErrorIs(t, coSign(3, allocState(userAddr, "0", bob, "100")), apperr.ErrInsufficientFunds)

	got, err := store.Sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(2), got.SequenceNumber)
	require.Equal(t, "10", unifiedOf(t, store, userAddr, usdc))
	perChain, err = store.Balances.Get(ctx, userAddr, usdc, chain(1))
	require.NoError(t, err)
	require.Equal(t, "60", perChain.Balance.String())
}

func TestConcurrentStateUpdatesAtSameSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store, &fakeClearNode{}, &recordingPublisher{})

	session, err := ledger.OpenSession(ctx, "ch-6", alice, bob, 1)
	require.NoError(t, err)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- ledger.ApplyStateUpdate(ctx, StateUpdateInput{SessionID: session.ID, SequenceNumber: 1, StateData: stateJSON(1)})
		}()
	}
	wg.Wait()
	close(errs)

	var applied, stale int
	for err := range errs {
		if err == nil {
			applied++
			continue
		}
		require.ErrorIs(t, err, apperr.ErrStaleState)
		stale++
	}
	require.Equal(t, 1, applied)
	require.Equal(t, 1, stale)

	got, err := store.Sessions.GetByID(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.SequenceNumber)
	txs, err := store.Transactions.ListBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestCloseSessionAppendsCloseEntry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	node := &fakeClearNode{}
	require.NoError(t, node.EnsureAuthenticated(ctx))
	ledger, _ := newTestLedger(t, store, node, &recordingPublisher{})

	session, err := ledger.OpenSession(ctx, "ch-4", alice, bob, 1)
	require.NoError(t, err)

	closed, err := ledger.CloseSession(ctx, "ch-4")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusClosed, closed.Status)
	require.Equal(t, 1, node.closed)

	again, err := ledger.CloseSession(ctx, "ch-4")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusClosed, again.Status)
	require.Equal(t, 1, node.closed, "closing twice is a no-op")

	txs, err := store.Transactions.ListBySession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, models.TransactionTypeClose, txs[0].Type)

	active, err := ledger.GetActiveSessions(ctx, alice)
	require.NoError(t, err)
	require.Empty(t, active)
}
