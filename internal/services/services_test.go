package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/clearnode"
	"github.com/0xarcano/UXWallet/internal/clients"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/db/dbtest"
	"github.com/0xarcano/UXWallet/internal/events"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/signer"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	usdc  = "usdc"
)

var testSolverConfig = config.SolverConfig{
	MinSpreadBps:    10,
	MinReserveRatio: 0.2,
	FallbackCostBps: 5,
}

func newTestStore(t *testing.T) *repository.Store {
	return repository.NewStore(dbtest.New(t))
}

func newTestInventory(store *repository.Store) *InventoryManager {
	return NewInventoryManager(store, testSolverConfig, logging.Discard())
}

func amt(s string) models.Amount { return models.MustAmount(s) }

func chain(id int64) *int64 { return &id }

func seedInventory(t *testing.T, store *repository.Store, chainID int64, asset, balance string) {
	t.Helper()
	require.NoError(t, store.Inventory.Create(context.Background(), &models.VaultInventory{
		ChainID: chainID,
		Asset:   asset,
		Balance: amt(balance),
	}))
}

func seedBalance(t *testing.T, store *repository.Store, user, asset string, chainID *int64, balance string) {
	t.Helper()
	_, err := store.Balances.Upsert(context.Background(), user, asset, chainID, amt(balance))
	require.NoError(t, err)
}

func inventoryOf(t *testing.T, store *repository.Store, chainID int64, asset string) string {
	t.Helper()
	inv, err := store.Inventory.Get(context.Background(), chainID, asset)
	require.NoError(t, err)
	return inv.Balance.String()
}

func unifiedOf(t *testing.T, store *repository.Store, user, asset string) string {
	t.Helper()
	row, err := store.Balances.Get(context.Background(), user, asset, nil)
	require.NoError(t, err)
	return row.Balance.String()
}

func newSigner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	s, err := signer.GenerateLocalSigner()
	require.NoError(t, err)
	return s
}

// recordingPublisher keeps every published update.
type recordingPublisher struct {
	mu      sync.Mutex
	updates []events.BalanceUpdate
}

func (p *recordingPublisher) PublishBalanceUpdate(_ context.Context, u events.BalanceUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

func (p *recordingPublisher) all() []events.BalanceUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.BalanceUpdate(nil), p.updates...)
}

// fakeBridge answers quotes and order builds from fixed values. When
// entered is set each build signals it and waits for release.
type fakeBridge struct {
	mu       sync.Mutex
	quote    *clients.QuoteResponse
	quoteErr error
	buildErr error
	builds   []clients.IntentBuildRequest
	entered  chan struct{}
	release  chan struct{}
}

func (b *fakeBridge) GetQuote(_ context.Context, _ clients.QuoteRequest) (*clients.QuoteResponse, error) {
	if b.quoteErr != nil {
		return nil, b.quoteErr
	}
	if b.quote == nil {
		return &clients.QuoteResponse{EstimatedGasCost: "0", BridgeFee: "0"}, nil
	}
	return b.quote, nil
}

func (b *fakeBridge) BuildIntentOrder(_ context.Context, req clients.IntentBuildRequest) (*clients.IntentBuildResponse, error) {
	if b.entered != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.builds = append(b.builds, req)
	if b.buildErr != nil {
		return nil, b.buildErr
	}
	return &clients.IntentBuildResponse{
		OrderData:    map[string]any{"intentId": req.IntentID},
		EncodedOrder: "0xorder",
	}, nil
}

func (b *fakeBridge) buildCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.builds)
}

// fakeClearNode records app session calls.
type fakeClearNode struct {
	mu        sync.Mutex
	state     clearnode.State
	authErr   error
	created   []clearnode.AppDefinition
	submitted int
	closed    int
}

func (f *fakeClearNode) State() clearnode.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClearNode) EnsureAuthenticated(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authErr != nil {
		return f.authErr
	}
	f.state = clearnode.StateAuthenticated
	return nil
}

func (f *fakeClearNode) On(string, clearnode.Handler) {}

func (f *fakeClearNode) CreateAppSession(_ context.Context, def clearnode.AppDefinition, _ []clearnode.Allocation, _ signer.Signer) (*clearnode.AppSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, def)
	return &clearnode.AppSessionResult{AppSessionID: "0xapp", Version: 1, Status: "open"}, nil
}

func (f *fakeClearNode) SubmitAppState(_ context.Context, id string, _ []clearnode.Allocation, _ signer.Signer) (*clearnode.AppSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted++
	return &clearnode.AppSessionResult{AppSessionID: id, Version: uint64(f.submitted + 1), Status: "open"}, nil
}

func (f *fakeClearNode) CloseAppSession(_ context.Context, id string, _ []clearnode.Allocation, _ signer.Signer) (*clearnode.AppSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return &clearnode.AppSessionResult{AppSessionID: id, Status: "closed"}, nil
}
