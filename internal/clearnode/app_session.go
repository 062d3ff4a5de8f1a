package clearnode

import (
	"context"
	"fmt"
	"time"

	"github.com/0xarcano/UXWallet/internal/signer"
)

// Protocol version announced in app session definitions.
const AppProtocol = "NitroRPC/0.2"

// Allocation is one participant's share of an app session.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// AppDefinition fixes the participants and voting rules of an app session.
type AppDefinition struct {
	Protocol     string   `json:"protocol"`
	Participants []string `json:"participants"`
	Weights      []int64  `json:"weights"`
	Quorum       int64    `json:"quorum"`
	Challenge    int64    `json:"challenge"`
	Nonce        int64    `json:"nonce"`
}

// NewTwoPartyDefinition is the user/service definition where the service
// alone reaches quorum.
func NewTwoPartyDefinition(user, service string) AppDefinition {
	return AppDefinition{
		Protocol:     AppProtocol,
		Participants: []string{user, service},
		Weights:      []int64{0, 100},
		Quorum:       100,
		Challenge:    86400,
		Nonce:        time.Now().UnixMilli(),
	}
}

type createAppSessionParams struct {
	Definition  AppDefinition `json:"definition"`
	Allocations []Allocation  `json:"allocations"`
}

type appStateParams struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}

// AppSessionResult is returned by create, submit and close.
type AppSessionResult struct {
	AppSessionID string `json:"app_session_id"`
	Version      uint64 `json:"version"`
	Status       string `json:"status"`
}

// LedgerBalance is one asset entry of get_ledger_balances.
type LedgerBalance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type ledgerBalancesResult struct {
	LedgerBalances []LedgerBalance `json:"ledger_balances"`
}

// CreateAppSession opens an app session with the given allocations.
func (c *Client) CreateAppSession(ctx context.Context, def AppDefinition, allocations []Allocation, s signer.Signer) (*AppSessionResult, error) {
	return c.appSessionCall(ctx, MethodCreateAppSession, []any{createAppSessionParams{Definition: def, Allocations: allocations}}, s)
}

// SubmitAppState pushes new allocations for an existing app session.
func (c *Client) SubmitAppState(ctx context.Context, appSessionID string, allocations []Allocation, s signer.Signer) (*AppSessionResult, error) {
	return c.appSessionCall(ctx, MethodSubmitAppState, []any{appStateParams{AppSessionID: appSessionID, Allocations: allocations}}, s)
}

// CloseAppSession closes an app session with its final allocations.
func (c *Client) CloseAppSession(ctx context.Context, appSessionID string, allocations []Allocation, s signer.Signer) (*AppSessionResult, error) {
	return c.appSessionCall(ctx, MethodCloseAppSession, []any{appStateParams{AppSessionID: appSessionID, Allocations: allocations}}, s)
}

// GetLedgerBalances reads the ClearNode ledger of participant.
func (c *Client) GetLedgerBalances(ctx context.Context, participant string, s signer.Signer) ([]LedgerBalance, error) {
	raw, err := c.SendRequest(ctx, MethodGetLedgerBalance, []any{map[string]string{"participant": participant}}, s)
	if err != nil {
		return nil, err
	}
	var out ledgerBalancesResult
	if err := decodeResult(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", MethodGetLedgerBalance, err)
	}
	return out.LedgerBalances, nil
}

func (c *Client) appSessionCall(ctx context.Context, method string, params any, s signer.Signer) (*AppSessionResult, error) {
	raw, err := c.SendRequest(ctx, method, params, s)
	if err != nil {
		return nil, err
	}
	var out AppSessionResult
	if err := decodeResult(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	if out.AppSessionID == "" && method == MethodCreateAppSession {
		return nil, fmt.Errorf("%s returned no app_session_id", method)
	}
	return &out, nil
}
