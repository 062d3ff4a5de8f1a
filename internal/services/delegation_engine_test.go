package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/signer"
	"github.com/0xarcano/UXWallet/internal/utils"
)

var testDelegationConfig = config.DelegationConfig{
	DefaultTTLSeconds: 3600,
	DomainName:        "UXWallet",
	DomainChainID:     1,
}

func newTestDelegation(store *repository.Store) *DelegationEngine {
	return NewDelegationEngine(store, testDelegationConfig, logging.Discard())
}

// signedDelegation builds a registration signed by wallet.
func signedDelegation(t *testing.T, wallet signer.Signer, sessionKey string, scope string, expiresAt uint64) RegisterSessionKeyInput {
	t.Helper()
	in := RegisterSessionKeyInput{
		UserAddress:       wallet.Address().Hex(),
		SessionKeyAddress: sessionKey,
		Application:       "uxwallet",
		Scope:             scope,
		Allowances:        []models.Allowance{{Asset: usdc, Amount: "1000"}},
		ExpiresAt:         expiresAt,
		Nonce:             1,
	}
	td := signer.DelegationTypedData(signer.DelegationParams{
		DomainName:  testDelegationConfig.DomainName,
		ChainID:     testDelegationConfig.DomainChainID,
		Wallet:      wallet.Address(),
		SessionKey:  mustAddress(t, sessionKey),
		Application: in.Application,
		Scope:       in.Scope,
		Allowances:  in.Allowances,
		ExpiresAt:   in.ExpiresAt,
		Nonce:       in.Nonce,
	})
	sig, err := wallet.SignTypedData(context.Background(), td)
	require.NoError(t, err)
	in.Signature = hexutil.Encode(sig)
	return in
}

func mustAddress(t *testing.T, s string) common.Address {
	t.Helper()
	addr, _, err := utils.ParseAddress(s)
	require.NoError(t, err)
	return addr
}

func TestRegisterSessionKeySingleActive(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestDelegation(store)
	wallet := newSigner(t)
	sessionKey := newSigner(t).Address().Hex()

	first, err := engine.RegisterSessionKey(ctx, signedDelegation(t, wallet, sessionKey, signer.ScopeStateUpdate, 0))
	require.NoError(t, err)
	require.Equal(t, models.SessionKeyStatusActive, first.Status)

	second, err := engine.RegisterSessionKey(ctx, signedDelegation(t, wallet, sessionKey, signer.ScopeStateUpdate+","+signer.ScopeIntentFulfillment, 0))
	require.NoError(t, err)

	prev, err := store.SessionKeys.GetByID(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionKeyStatusRevoked, prev.Status)
	require.NotNil(t, prev.RevokedAt)

	active, err := engine.GetActiveKeys(ctx, wallet.Address().Hex())
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, second.ID, active[0].ID)
	require.Equal(t, []string{signer.ScopeStateUpdate, signer.ScopeIntentFulfillment}, active[0].Scopes())
}

func TestRegisterSessionKeyRejections(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestDelegation(store)
	wallet := newSigner(t)
	sessionKey := newSigner(t).Address().Hex()

	_, err := engine.RegisterSessionKey(ctx, signedDelegation(t, wallet, sessionKey, "transfer", 0))
	require.ErrorIs(t, err, apperr.ErrValidation)
	require.Contains(t, err.Error(), "Invalid permission scope: 'transfer'")

	forged := signedDelegation(t, newSigner(t), sessionKey, signer.ScopeStateUpdate, 0)
	forged.UserAddress = wallet.Address().Hex()
	_, err = engine.RegisterSessionKey(ctx, forged)
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	past := uint64(time.Now().Add(-time.Minute).Unix())
	_, err = engine.RegisterSessionKey(ctx, signedDelegation(t, wallet, sessionKey, signer.ScopeStateUpdate, past))
	require.ErrorIs(t, err, apperr.ErrSessionKeyExpired)

	active, err := engine.GetActiveKeys(ctx, wallet.Address().Hex())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRevokeSessionKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestDelegation(store)
	wallet := newSigner(t)
	sessionKey := newSigner(t).Address().Hex()

	_, err := engine.RevokeSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = engine.RegisterSessionKey(ctx, signedDelegation(t, wallet, sessionKey, signer.ScopeStateUpdate, 0))
	require.NoError(t, err)

	revoked, err := engine.RevokeSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.NoError(t, err)
	require.Equal(t, models.SessionKeyStatusRevoked, revoked.Status)

	_, err = engine.RevokeSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.ErrorIs(t, err, apperr.ErrSessionKeyRevoked)

	_, err = engine.ValidateSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.ErrorIs(t, err, apperr.ErrSessionKeyRevoked)
}

func TestValidateSessionKeyExpiresLazily(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestDelegation(store)
	wallet := newSigner(t)
	sessionKey := newSigner(t).Address().Hex()

	_, err := engine.ValidateSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.ErrorIs(t, err, apperr.ErrSessionKeyInvalid)

	key, err := engine.RegisterSessionKey(ctx, signedDelegation(t, wallet, sessionKey, signer.ScopeStateUpdate, 0))
	require.NoError(t, err)

	valid, err := engine.ValidateSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.NoError(t, err)
	require.NoError(t, engine.ValidateScope(valid, signer.ScopeStateUpdate))
	require.ErrorIs(t, engine.ValidateScope(valid, signer.ScopeIntentFulfillment), apperr.ErrSessionKeyInvalid)

	engine.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = engine.ValidateSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.ErrorIs(t, err, apperr.ErrSessionKeyExpired)

	stored, err := store.SessionKeys.GetByID(ctx, key.ID)
	require.NoError(t, err)
	require.Equal(t, models.SessionKeyStatusExpired, stored.Status)

	_, err = engine.ValidateSessionKey(ctx, wallet.Address().Hex(), sessionKey)
	require.ErrorIs(t, err, apperr.ErrSessionKeyExpired)
}

func TestCheckAllowance(t *testing.T) {
	engine := newTestDelegation(newTestStore(t))
	key := &models.SessionKey{Allowances: models.Allowances{{Asset: usdc, Amount: "1000"}}}

	require.NoError(t, engine.CheckAllowance(key, usdc, amt("1000")))
	require.ErrorIs(t, engine.CheckAllowance(key, usdc, amt("1001")), apperr.ErrInsufficientFunds)
	require.ErrorIs(t, engine.CheckAllowance(key, "weth", amt("1")), apperr.ErrSessionKeyInvalid)
}

func TestConcurrentRegistrationKeepsOneActiveKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	engine := newTestDelegation(store)

	wallet := newSigner(t)
	delegate := newSigner(t)
	walletAddr := utils.NormalizeAddress(wallet.Address().Hex())

	const registrations = 3
	errs := make(chan error, registrations)
	var wg sync.WaitGroup
	for i := 0; i < registrations; i++ {
		in := signedDelegation(t, wallet, delegate.Address().Hex(), signer.ScopeStateUpdate, 0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.RegisterSessionKey(ctx, in)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	active, err := store.SessionKeys.ListActiveByUser(ctx, walletAddr)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestCoSignAcceptsDelegatedSessionKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ledger, _ := newTestLedger(t, store, &fakeClearNode{}, &recordingPublisher{})
	engine := newTestDelegation(store)
	ledger.SetSessionKeyValidator(engine)

	wallet := newSigner(t)
	delegate := newSigner(t)
	_, err := engine.RegisterSessionKey(ctx, signedDelegation(t, wallet, delegate.Address().Hex(), signer.ScopeStateUpdate, 0))
	require.NoError(t, err)

	session, err := ledger.OpenSession(ctx, "ch-d", wallet.Address().Hex(), bob, 1)
	require.NoError(t, err)

	state := allocState(wallet.Address().Hex(), "100", bob, "0")
	hash, err := signer.StateHash("ch-d", 1, state)
	require.NoError(t, err)
	sig, err := delegate.SignRaw(ctx, hash.Bytes())
	require.NoError(t, err)

	_, err = ledger.CoSignStateUpdate(ctx, CoSignInput{
		SessionID:      session.ID,
		SequenceNumber: 1,
		StateData:      state,
		UserSignature:  hexutil.Encode(sig),
	})
	require.NoError(t, err)
}
