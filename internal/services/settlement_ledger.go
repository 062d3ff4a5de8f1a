package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/clearnode"
	"github.com/0xarcano/UXWallet/internal/events"
	"github.com/0xarcano/UXWallet/internal/interfaces"
	"github.com/0xarcano/UXWallet/internal/metrics"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/signer"
	"github.com/0xarcano/UXWallet/internal/utils"
)

// SessionKeyValidator checks that a session key may act for a wallet.
// *DelegationEngine satisfies it.
type SessionKeyValidator interface {
	ValidateSessionKey(ctx context.Context, wallet, sessionKey string) (*models.SessionKey, error)
	ValidateScope(key *models.SessionKey, scope string) error
}

// BalanceUpdateEntry sets one balance row as part of a state update.
// ChainID nil targets the unified balance.
type BalanceUpdateEntry struct {
	UserAddress string        `json:"userAddress"`
	Asset       string        `json:"asset"`
	NewBalance  models.Amount `json:"newBalance"`
	ChainID     *int64        `json:"chainId,omitempty"`
}

// StateUpdateInput is a counter-signed state to persist.
type StateUpdateInput struct {
	SessionID      string
	SequenceNumber uint64
	StateData      json.RawMessage
	SignatureA     string // user
	SignatureB     string // service co-signature
	BalanceUpdates []BalanceUpdateEntry
}

// CoSignInput is a user-signed state awaiting the service signature.
// Balance changes are derived from the signed allocations, never supplied.
type CoSignInput struct {
	SessionID      string
	SequenceNumber uint64
	StateData      json.RawMessage
	UserSignature  string
}

// CoSignResult is the accepted, co-signed state.
type CoSignResult struct {
	SessionID      string `json:"sessionId"`
	SequenceNumber uint64 `json:"sequenceNumber"`
	StateHash      string `json:"stateHash"`
	SignatureA     string `json:"signatureA"`
	SignatureB     string `json:"signatureB"`
}

// InitializeSessionInput opens a funded channel for a user.
type InitializeSessionInput struct {
	UserAddress   string
	ChainID       int64
	Asset         string
	DepositAmount models.Amount
}

// AssetBalance is the unified amount plus per-chain components.
type AssetBalance struct {
	Asset   string           `json:"asset,omitempty"`
	Unified string           `json:"unified"`
	Chains  map[int64]string `json:"chains"`
}

// StateProof is the latest co-signed state of a user's session.
type StateProof struct {
	ChannelID      string          `json:"channelId"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	StateHash      string          `json:"stateHash"`
	StateSignature string          `json:"stateSignature"`
	StateData      json.RawMessage `json:"stateData"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// SessionSummary is the public view of an open session.
type SessionSummary struct {
	ID             string               `json:"id"`
	ChannelID      string               `json:"channelId"`
	Status         models.SessionStatus `json:"status"`
	SequenceNumber uint64               `json:"sequenceNumber"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// SettlementLedger owns the session state machine: it opens and closes
// ClearNode app sessions, applies sequence-checked state updates and keeps
// user balances.
type SettlementLedger struct {
	store      *repository.Store
	clearNode  interfaces.ClearNodeClient
	keys       *signer.KeyStore
	inventory  *InventoryManager
	publisher  events.Publisher
	sessionKey SessionKeyValidator
	log        logrus.FieldLogger
}

// NewSettlementLedger creates a new SettlementLedger
func NewSettlementLedger(
	store *repository.Store,
	clearNode interfaces.ClearNodeClient,
	keys *signer.KeyStore,
	inventory *InventoryManager,
	publisher events.Publisher,
	log logrus.FieldLogger,
) *SettlementLedger {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &SettlementLedger{
		store:     store,
		clearNode: clearNode,
		keys:      keys,
		inventory: inventory,
		publisher: publisher,
		log:       log,
	}
}

// SetSessionKeyValidator lets CoSignStateUpdate accept states signed by a
// delegated session key instead of the wallet itself.
func (l *SettlementLedger) SetSessionKeyValidator(v SessionKeyValidator) {
	l.sessionKey = v
}

// RegisterPushHandlers subscribes to ClearNode balance and app session
// pushes.
func (l *SettlementLedger) RegisterPushHandlers() {
	if l.clearNode == nil {
		return
	}
	l.clearNode.On(clearnode.MethodBalanceUpdate, func(ctx context.Context, resp clearnode.Response) {
		l.log.WithField("payload", string(resp.Result)).Info("📨 ClearNode balance update")
	})
	l.clearNode.On(clearnode.MethodAppSessionUpdate, func(ctx context.Context, resp clearnode.Response) {
		l.log.WithField("payload", string(resp.Result)).Info("📨 ClearNode app session update")
	})
}

func (l *SettlementLedger) serviceSigner(scope string) (signer.Signer, error) {
	if l.keys == nil {
		return nil, fmt.Errorf("no key store configured")
	}
	return l.keys.Signer(scope)
}

// InitializeSession opens a two-party app session on the ClearNode funded
// with the user's deposit and records it locally.
func (l *SettlementLedger) InitializeSession(ctx context.Context, in InitializeSessionInput) (*models.Session, error) {
	user := utils.NormalizeAddress(in.UserAddress)
	logger := l.log.WithFields(logrus.Fields{"user": user, "chainId": in.ChainID, "asset": in.Asset})

	if l.clearNode == nil {
		return nil, apperr.ConnectionFailed(nil, "ClearNode client not configured")
	}
	if err := l.clearNode.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	svc, err := l.serviceSigner(signer.ScopeClearNode)
	if err != nil {
		return nil, err
	}
	service := utils.NormalizeAddress(svc.Address().Hex())

	allocations := []clearnode.Allocation{
		{Participant: user, Asset: in.Asset, Amount: in.DepositAmount.String()},
		{Participant: service, Asset: in.Asset, Amount: "0"},
	}
	created, err := l.clearNode.CreateAppSession(ctx, clearnode.NewTwoPartyDefinition(user, service), allocations, svc)
	if err != nil {
		return nil, err
	}

	stateData, err := json.Marshal(map[string]any{"allocations": allocations})
	if err != nil {
		return nil, fmt.Errorf("failed to encode initial state: %w", err)
	}
	hash, err := signer.StateHash(created.AppSessionID, 0, stateData)
	if err != nil {
		return nil, err
	}

	session := &models.Session{
		ChannelID:       created.AppSessionID,
		ParticipantA:    user,
		ParticipantB:    service,
		ChainID:         in.ChainID,
		Asset:           in.Asset,
		Status:          models.SessionStatusOpen,
		LatestStateData: string(stateData),
		LatestStateHash: hash.Hex(),
	}

	var unified models.Amount
	err = l.store.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.Sessions.Create(ctx, session); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		if err := tx.Transactions.Create(ctx, &models.Transaction{
			SessionID: session.ID,
			Type:      models.TransactionTypeDeposit,
			StateData: string(stateData),
		}); err != nil {
			return fmt.Errorf("failed to record deposit: %w", err)
		}
		chainID := in.ChainID
		if _, err := addBalance(ctx, tx, user, in.Asset, &chainID, in.DepositAmount); err != nil {
			return err
		}
		var err error
		if unified, err = addBalance(ctx, tx, user, in.Asset, nil, in.DepositAmount); err != nil {
			return err
		}
		if l.inventory != nil {
			if _, err := l.inventory.CreditIn(ctx, tx, in.ChainID, in.Asset, in.DepositAmount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.notify(ctx, events.BalanceUpdate{
		UserAddress: user,
		Asset:       in.Asset,
		Balance:     unified.String(),
		SessionID:   session.ID,
	})
	logger.WithFields(logrus.Fields{"sessionId": session.ID, "channelId": session.ChannelID}).Info("✅ Session initialized")
	return session, nil
}

func addBalance(ctx context.Context, tx *repository.Repositories, user, asset string, chainID *int64, amount models.Amount) (models.Amount, error) {
	var current models.Amount
	row, err := tx.Balances.Get(ctx, user, asset, chainID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return models.Amount{}, fmt.Errorf("failed to load balance: %w", err)
	default:
		current = row.Balance
	}
	next, err := current.Add(amount)
	if err != nil {
		return models.Amount{}, err
	}
	if _, err := tx.Balances.Upsert(ctx, user, asset, chainID, next); err != nil {
		return models.Amount{}, fmt.Errorf("failed to update balance: %w", err)
	}
	return next, nil
}

// OpenSession records a session that was opened outside this service.
func (l *SettlementLedger) OpenSession(ctx context.Context, channelID, participantA, participantB string, chainID int64) (*models.Session, error) {
	session := &models.Session{
		ChannelID:    channelID,
		ParticipantA: utils.NormalizeAddress(participantA),
		ParticipantB: utils.NormalizeAddress(participantB),
		ChainID:      chainID,
		Status:       models.SessionStatusOpen,
	}
	if err := l.store.Sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	l.log.WithFields(logrus.Fields{"sessionId": session.ID, "channelId": channelID}).Info("✅ Session opened")
	return session, nil
}

func (l *SettlementLedger) loadOpenSession(ctx context.Context, repos *repository.Repositories, byChannel bool, key string) (*models.Session, error) {
	var (
		session *models.Session
		err     error
	)
	if byChannel {
		session, err = repos.Sessions.GetByChannelID(ctx, key)
	} else {
		session, err = repos.Sessions.GetForUpdate(ctx, key)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Session not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status != models.SessionStatusOpen {
		return nil, apperr.New(apperr.CodeSessionExpired, "Session is not open: %s", session.Status)
	}
	return session, nil
}

// SubmitStateUpdate pushes new allocations for a channel to the ClearNode
// and persists them as the next sequence number.
func (l *SettlementLedger) SubmitStateUpdate(ctx context.Context, channelID string, allocations []clearnode.Allocation) (*models.Session, error) {
	session, err := l.loadOpenSession(ctx, l.store.Repositories, true, channelID)
	if err != nil {
		return nil, err
	}
	nextSeq := session.SequenceNumber + 1

	svc, err := l.serviceSigner(signer.ScopeStateUpdate)
	if err != nil {
		return nil, err
	}
	if l.clearNode != nil && session.ChannelID != "" {
		if err := l.clearNode.EnsureAuthenticated(ctx); err != nil {
			return nil, err
		}
		if _, err := l.clearNode.SubmitAppState(ctx, session.ChannelID, allocations, svc); err != nil {
			return nil, err
		}
	}

	stateData, err := json.Marshal(map[string]any{"allocations": allocations})
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	hash, err := signer.StateHash(session.ChannelID, nextSeq, stateData)
	if err != nil {
		return nil, err
	}
	sig, err := svc.SignRaw(ctx, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign state: %w", err)
	}
	sigHex := hexutil.Encode(sig)

	err = l.store.Transaction(ctx, func(tx *repository.Repositories) error {
		ok, err := tx.Sessions.CompareAndSetState(ctx, session.ID, session.SequenceNumber, repository.SessionState{
			SequenceNumber: nextSeq,
			StateData:      string(stateData),
			StateHash:      hash.Hex(),
			StateSig:       sigHex,
		})
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if !ok {
			return apperr.StaleState("Session %s was updated concurrently past sequence %d", session.ID, session.SequenceNumber)
		}
		if err := tx.Transactions.Create(ctx, &models.Transaction{
			SessionID:      session.ID,
			SequenceNumber: nextSeq,
			Type:           models.TransactionTypeStateUpdate,
			StateData:      string(stateData),
			SignatureB:     sigHex,
		}); err != nil {
			return fmt.Errorf("failed to record state update: %w", err)
		}
		return nil
	})
	if err != nil {
		metrics.StateUpdates.WithLabelValues(outcomeOf(err)).Inc()
		return nil, err
	}
	metrics.StateUpdates.WithLabelValues("applied").Inc()

	session.SequenceNumber = nextSeq
	session.LatestStateData = string(stateData)
	session.LatestStateHash = hash.Hex()
	session.LatestStateSig = sigHex
	l.log.WithFields(logrus.Fields{"sessionId": session.ID, "sequenceNumber": nextSeq}).Info("✅ State update submitted")
	return session, nil
}

// balanceDeriver computes the balance rows a state moves, inside the
// transaction that holds the session row.
type balanceDeriver func(ctx context.Context, tx *repository.Repositories, session *models.Session, canonical []byte) ([]BalanceUpdateEntry, error)

// ApplyStateUpdate persists a counter-signed state. The sequence number
// must be exactly one past the stored one. in.BalanceUpdates are written
// as given, so only trusted internal callers use it.
func (l *SettlementLedger) ApplyStateUpdate(ctx context.Context, in StateUpdateInput) error {
	return l.applyStateUpdate(ctx, in, nil)
}

func (l *SettlementLedger) applyStateUpdate(ctx context.Context, in StateUpdateInput, derive balanceDeriver) error {
	canonical, err := signer.CanonicalJSON(in.StateData)
	if err != nil {
		return apperr.Validation("%v", err)
	}

	updates := in.BalanceUpdates
	err = l.store.Transaction(ctx, func(tx *repository.Repositories) error {
		session, err := l.loadOpenSession(ctx, tx, false, in.SessionID)
		if err != nil {
			return err
		}
		if in.SequenceNumber != session.SequenceNumber+1 {
			return apperr.StaleState("Invalid sequence number. Expected %d, got %d", session.SequenceNumber+1, in.SequenceNumber)
		}
		if derive != nil {
			if updates, err = derive(ctx, tx, session, canonical); err != nil {
				return err
			}
		}

		hash, err := signer.StateHash(session.ChannelID, in.SequenceNumber, canonical)
		if err != nil {
			return err
		}
		ok, err := tx.Sessions.CompareAndSetState(ctx, session.ID, session.SequenceNumber, repository.SessionState{
			SequenceNumber: in.SequenceNumber,
			StateData:      string(canonical),
			StateHash:      hash.Hex(),
			StateSig:       in.SignatureB,
		})
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if !ok {
			return apperr.StaleState("Invalid sequence number. Expected %d, got %d", session.SequenceNumber+1, in.SequenceNumber)
		}

		if err := tx.Transactions.Create(ctx, &models.Transaction{
			SessionID:      session.ID,
			SequenceNumber: in.SequenceNumber,
			Type:           models.TransactionTypeStateUpdate,
			StateData:      string(canonical),
			SignatureA:     in.SignatureA,
			SignatureB:     in.SignatureB,
		}); err != nil {
			return fmt.Errorf("failed to record state update: %w", err)
		}

		for _, u := range updates {
			if _, err := tx.Balances.Upsert(ctx, utils.NormalizeAddress(u.UserAddress), u.Asset, u.ChainID, u.NewBalance); err != nil {
				return fmt.Errorf("failed to update balance: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		metrics.StateUpdates.WithLabelValues(outcomeOf(err)).Inc()
		return err
	}
	metrics.StateUpdates.WithLabelValues("applied").Inc()

	for _, u := range notificationsFor(updates) {
		u.SessionID = in.SessionID
		u.SequenceNumber = in.SequenceNumber
		l.notify(ctx, u)
	}

	l.log.WithFields(logrus.Fields{"sessionId": in.SessionID, "sequenceNumber": in.SequenceNumber}).Info("✅ State update applied")
	return nil
}

// allocationTable is participant -> asset -> amount.
type allocationTable map[string]map[string]models.Amount

func parseAllocations(raw []byte) (allocationTable, error) {
	var state struct {
		Allocations []clearnode.Allocation `json:"allocations"`
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, apperr.Validation("state data must be an object with allocations: %v", err)
	}
	table := allocationTable{}
	for _, a := range state.Allocations {
		amount, err := models.ParseAmount(a.Amount)
		if err != nil {
			return nil, apperr.Validation("invalid allocation amount %q: %v", a.Amount, err)
		}
		participant := utils.NormalizeAddress(a.Participant)
		if table[participant] == nil {
			table[participant] = map[string]models.Amount{}
		}
		if _, dup := table[participant][a.Asset]; dup {
			return nil, apperr.Validation("Duplicate allocation for %s %s", participant, a.Asset)
		}
		table[participant][a.Asset] = amount
	}
	return table, nil
}

func (t allocationTable) total(asset string) (models.Amount, error) {
	var amounts []models.Amount
	for _, byAsset := range t {
		if v, ok := byAsset[asset]; ok {
			amounts = append(amounts, v)
		}
	}
	return models.SumAmounts(amounts...)
}

func (t allocationTable) assets() map[string]struct{} {
	out := map[string]struct{}{}
	for _, byAsset := range t {
		for asset := range byAsset {
			out[asset] = struct{}{}
		}
	}
	return out
}

// allocationBalances checks a user-signed state against the stored one and
// turns the user's spent allocation into balance debits. Only the two
// session participants may appear, each asset's total is conserved and the
// service allocation never shrinks. The first state of a session without
// stored allocations only sets the baseline.
func (l *SettlementLedger) allocationBalances(ctx context.Context, tx *repository.Repositories, session *models.Session, canonical []byte) ([]BalanceUpdateEntry, error) {
	next, err := parseAllocations(canonical)
	if err != nil {
		return nil, err
	}
	if len(next) == 0 {
		return nil, apperr.Validation("State carries no allocations")
	}
	user, service := session.ParticipantA, session.ParticipantB
	for participant := range next {
		if participant != user && participant != service {
			return nil, apperr.Validation("Allocation for %s, who is not a session participant", participant)
		}
	}

	if session.LatestStateData == "" {
		return nil, nil
	}
	prev, err := parseAllocations([]byte(session.LatestStateData))
	if err != nil {
		return nil, fmt.Errorf("stored state of session %s is unreadable: %w", session.ID, err)
	}
	if len(prev) == 0 {
		return nil, nil
	}

	assets := prev.assets()
	for asset := range next.assets() {
		assets[asset] = struct{}{}
	}

	var updates []BalanceUpdateEntry
	for asset := range assets {
		before, err := prev.total(asset)
		if err != nil {
			return nil, err
		}
		after, err := next.total(asset)
		if err != nil {
			return nil, err
		}
		if before.Cmp(after) != 0 {
			return nil, apperr.Validation("Allocations for %s must total %s, got %s", asset, before, after)
		}
		if next[service][asset].Lt(prev[service][asset]) {
			return nil, apperr.Validation("State would reduce the service allocation for %s", asset)
		}

		spent := prev[user][asset].SubFloor(next[user][asset])
		if spent.IsZero() {
			continue
		}
		chainID := session.ChainID
		perChain, err := debitBalance(ctx, tx, user, asset, &chainID, spent)
		if err != nil {
			return nil, err
		}
		if perChain != nil {
			updates = append(updates, *perChain)
		}
		unified, err := debitBalance(ctx, tx, user, asset, nil, spent)
		if err != nil {
			return nil, err
		}
		if unified != nil {
			updates = append(updates, *unified)
		}
	}
	return updates, nil
}

// debitBalance computes the row after taking amount from it. A missing
// per-chain row is skipped; a missing unified row has nothing to spend.
func debitBalance(ctx context.Context, tx *repository.Repositories, user, asset string, chainID *int64, amount models.Amount) (*BalanceUpdateEntry, error) {
	row, err := tx.Balances.Get(ctx, user, asset, chainID)
	switch {
	case errors.Is(err, repository.ErrNotFound) && chainID != nil:
		return nil, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, apperr.InsufficientFunds("Insufficient unified balance for %s. Have: 0, need: %s", asset, amount)
	case err != nil:
		return nil, fmt.Errorf("failed to load balance: %w", err)
	}
	next, ok := row.Balance.Sub(amount)
	if !ok {
		return nil, apperr.InsufficientFunds("Insufficient balance for %s. Have: %s, need: %s", asset, row.Balance, amount)
	}
	return &BalanceUpdateEntry{UserAddress: user, Asset: asset, NewBalance: next, ChainID: chainID}, nil
}

// notificationsFor picks one notification per distinct address, preferring
// the unified balance entry.
func notificationsFor(updates []BalanceUpdateEntry) []events.BalanceUpdate {
	var (
		order []string
		picks = make(map[string]BalanceUpdateEntry)
	)
	for _, u := range updates {
		addr := utils.NormalizeAddress(u.UserAddress)
		prev, seen := picks[addr]
		if !seen {
			order = append(order, addr)
		}
		if !seen || (prev.ChainID != nil && u.ChainID == nil) {
			picks[addr] = u
		}
	}

	out := make([]events.BalanceUpdate, 0, len(order))
	for _, addr := range order {
		u := picks[addr]
		out = append(out, events.BalanceUpdate{
			UserAddress: addr,
			Asset:       u.Asset,
			Balance:     u.NewBalance.String(),
			ChainID:     u.ChainID,
		})
	}
	return out
}

// CoSignStateUpdate verifies the user's signature over the state hash,
// co-signs it with the state update key and applies it. Balances move only
// as the signed allocations dictate.
func (l *SettlementLedger) CoSignStateUpdate(ctx context.Context, in CoSignInput) (*CoSignResult, error) {
	session, err := l.store.Sessions.GetByID(ctx, in.SessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Session not found: %s", in.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	canonical, err := signer.CanonicalJSON(in.StateData)
	if err != nil {
		return nil, apperr.Validation("%v", err)
	}
	hash, err := signer.StateHash(session.ChannelID, in.SequenceNumber, canonical)
	if err != nil {
		return nil, err
	}

	userSig, err := signer.DecodeSignature(in.UserSignature)
	if err != nil {
		return nil, apperr.InvalidSignature("%v", err)
	}
	recovered, err := signer.RecoverHash(hash.Bytes(), userSig)
	if err != nil {
		return nil, apperr.InvalidSignature("%v", err)
	}
	if err := l.authorizeStateSigner(ctx, session.ParticipantA, utils.NormalizeAddress(recovered.Hex())); err != nil {
		return nil, err
	}

	svc, err := l.serviceSigner(signer.ScopeStateUpdate)
	if err != nil {
		return nil, err
	}
	serviceSig, err := svc.SignRaw(ctx, hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to co-sign state: %w", err)
	}

	result := &CoSignResult{
		SessionID:      session.ID,
		SequenceNumber: in.SequenceNumber,
		StateHash:      hash.Hex(),
		SignatureA:     in.UserSignature,
		SignatureB:     hexutil.Encode(serviceSig),
	}
	if err := l.applyStateUpdate(ctx, StateUpdateInput{
		SessionID:      session.ID,
		SequenceNumber: in.SequenceNumber,
		StateData:      canonical,
		SignatureA:     result.SignatureA,
		SignatureB:     result.SignatureB,
	}, l.allocationBalances); err != nil {
		return nil, err
	}
	return result, nil
}

func (l *SettlementLedger) authorizeStateSigner(ctx context.Context, wallet, recovered string) error {
	if recovered == wallet {
		return nil
	}
	if l.sessionKey == nil {
		return apperr.InvalidSignature("State signature does not match session participant")
	}
	key, err := l.sessionKey.ValidateSessionKey(ctx, wallet, recovered)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeSessionKeyInvalid {
			return apperr.InvalidSignature("State signature does not match session participant")
		}
		return err
	}
	return l.sessionKey.ValidateScope(key, signer.ScopeStateUpdate)
}

// CloseSession closes the remote app session when possible and always
// marks the local session CLOSED.
func (l *SettlementLedger) CloseSession(ctx context.Context, channelID string) (*models.Session, error) {
	session, err := l.store.Sessions.GetByChannelID(ctx, channelID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Session not found: %s", channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.Status == models.SessionStatusClosed {
		return session, nil
	}
	logger := l.log.WithFields(logrus.Fields{"sessionId": session.ID, "channelId": channelID})

	if l.clearNode != nil && l.clearNode.State() == clearnode.StateAuthenticated {
		if svc, err := l.serviceSigner(signer.ScopeClearNode); err != nil {
			logger.WithError(err).Warn("⚠️ No signer for remote close")
		} else if _, err := l.clearNode.CloseAppSession(ctx, channelID, finalAllocations(session), svc); err != nil {
			logger.WithError(err).Warn("⚠️ Remote app session close failed, closing locally")
		}
	} else {
		logger.Warn("⚠️ ClearNode not authenticated, closing locally only")
	}

	err = l.store.Transaction(ctx, func(tx *repository.Repositories) error {
		if err := tx.Sessions.SetStatus(ctx, session.ID, models.SessionStatusClosed); err != nil {
			return fmt.Errorf("failed to close session: %w", err)
		}
		return tx.Transactions.Create(ctx, &models.Transaction{
			SessionID:      session.ID,
			SequenceNumber: session.SequenceNumber + 1,
			Type:           models.TransactionTypeClose,
			StateData:      session.LatestStateData,
			SignatureB:     session.LatestStateSig,
		})
	})
	if err != nil {
		return nil, err
	}

	session.Status = models.SessionStatusClosed
	logger.Info("🔒 Session closed")
	return session, nil
}

// finalAllocations reads the allocations of the latest stored state.
func finalAllocations(session *models.Session) []clearnode.Allocation {
	var state struct {
		Allocations []clearnode.Allocation `json:"allocations"`
	}
	if session.LatestStateData == "" || json.Unmarshal([]byte(session.LatestStateData), &state) != nil {
		return []clearnode.Allocation{}
	}
	return state.Allocations
}

// GetUnifiedBalances groups a user's balances by asset. Missing unified
// rows read as "0".
func (l *SettlementLedger) GetUnifiedBalances(ctx context.Context, user string) (map[string]*AssetBalance, error) {
	rows, err := l.store.Balances.ListByUser(ctx, utils.NormalizeAddress(user))
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	out := make(map[string]*AssetBalance)
	for _, row := range rows {
		b, ok := out[row.Asset]
		if !ok {
			b = &AssetBalance{Unified: "0", Chains: map[int64]string{}}
			out[row.Asset] = b
		}
		applyBalanceRow(b, row)
	}
	return out, nil
}

// GetUnifiedBalance returns one asset's balance, zero when absent.
func (l *SettlementLedger) GetUnifiedBalance(ctx context.Context, user, asset string) (*AssetBalance, error) {
	rows, err := l.store.Balances.ListByUserAsset(ctx, utils.NormalizeAddress(user), asset)
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	b := &AssetBalance{Asset: asset, Unified: "0", Chains: map[int64]string{}}
	for _, row := range rows {
		applyBalanceRow(b, row)
	}
	return b, nil
}

func applyBalanceRow(b *AssetBalance, row *models.UserBalance) {
	if row.ChainID == nil {
		b.Unified = row.Balance.String()
		return
	}
	b.Chains[*row.ChainID] = row.Balance.String()
}

// GetLatestStateProof returns the most recently updated signed state of
// the user's sessions.
func (l *SettlementLedger) GetLatestStateProof(ctx context.Context, user string) (*StateProof, error) {
	session, err := l.store.Sessions.LatestSignedByParticipant(ctx, utils.NormalizeAddress(user))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("No signed state found for this address")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state proof: %w", err)
	}
	return &StateProof{
		ChannelID:      session.ChannelID,
		SequenceNumber: session.SequenceNumber,
		StateHash:      session.LatestStateHash,
		StateSignature: session.LatestStateSig,
		StateData:      json.RawMessage(session.LatestStateData),
		UpdatedAt:      session.UpdatedAt,
	}, nil
}

// GetActiveSessions lists the user's OPEN sessions, newest first.
func (l *SettlementLedger) GetActiveSessions(ctx context.Context, user string) ([]SessionSummary, error) {
	sessions, err := l.store.Sessions.ListOpenByParticipant(ctx, utils.NormalizeAddress(user))
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	out := make([]SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, SessionSummary{
			ID:             s.ID,
			ChannelID:      s.ChannelID,
			Status:         s.Status,
			SequenceNumber: s.SequenceNumber,
			CreatedAt:      s.CreatedAt,
			UpdatedAt:      s.UpdatedAt,
		})
	}
	return out, nil
}

func (l *SettlementLedger) notify(ctx context.Context, u events.BalanceUpdate) {
	if err := l.publisher.PublishBalanceUpdate(ctx, u); err != nil {
		l.log.WithError(err).WithField("user", u.UserAddress).Warn("⚠️ Failed to publish balance update")
	}
}

func outcomeOf(err error) string {
	return strings.ToLower(string(apperr.CodeOf(err)))
}
