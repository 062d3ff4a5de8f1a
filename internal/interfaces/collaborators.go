// Package interfaces declares the external collaborators the settlement
// services depend on, so services can be tested against fakes.
package interfaces

import (
	"context"

	"github.com/0xarcano/UXWallet/internal/clearnode"
	"github.com/0xarcano/UXWallet/internal/clients"
	"github.com/0xarcano/UXWallet/internal/signer"
)

// BridgeClient is the quote and intent-order API of the bridging service.
// *clients.LifRustClient satisfies it.
type BridgeClient interface {
	GetQuote(ctx context.Context, req clients.QuoteRequest) (*clients.QuoteResponse, error)
	BuildIntentOrder(ctx context.Context, req clients.IntentBuildRequest) (*clients.IntentBuildResponse, error)
}

// ClearNodeClient is the part of the ClearNode protocol client used by the
// settlement ledger. *clearnode.Client satisfies it.
type ClearNodeClient interface {
	State() clearnode.State
	EnsureAuthenticated(ctx context.Context) error
	On(method string, h clearnode.Handler)
	CreateAppSession(ctx context.Context, def clearnode.AppDefinition, allocations []clearnode.Allocation, s signer.Signer) (*clearnode.AppSessionResult, error)
	SubmitAppState(ctx context.Context, appSessionID string, allocations []clearnode.Allocation, s signer.Signer) (*clearnode.AppSessionResult, error)
	CloseAppSession(ctx context.Context, appSessionID string, allocations []clearnode.Allocation, s signer.Signer) (*clearnode.AppSessionResult, error)
}

var (
	_ BridgeClient    = (*clients.LifRustClient)(nil)
	_ ClearNodeClient = (*clearnode.Client)(nil)
)
