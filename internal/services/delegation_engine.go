package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/signer"
	"github.com/0xarcano/UXWallet/internal/utils"
)

const defaultSessionKeyTTL = 24 * time.Hour

// AllowedScopes are the only capabilities a session key can carry.
var AllowedScopes = []string{signer.ScopeStateUpdate, signer.ScopeIntentFulfillment}

// RegisterSessionKeyInput is a signed delegation token plus its signature.
// ExpiresAt is unix seconds; zero asks for the default TTL and is signed
// as zero.
type RegisterSessionKeyInput struct {
	UserAddress       string             `json:"userAddress"`
	SessionKeyAddress string             `json:"sessionKeyAddress"`
	Application       string             `json:"application"`
	Scope             string             `json:"scope"`
	Allowances        []models.Allowance `json:"allowances"`
	ExpiresAt         uint64             `json:"expiresAt"`
	Nonce             uint64             `json:"nonce"`
	Signature         string             `json:"signature"`
}

// DelegationEngine manages scoped session keys.
type DelegationEngine struct {
	store      *repository.Store
	domainName string
	chainID    int64
	ttl        time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

// NewDelegationEngine creates a new DelegationEngine
func NewDelegationEngine(store *repository.Store, cfg config.DelegationConfig, log logrus.FieldLogger) *DelegationEngine {
	ttl := time.Duration(cfg.DefaultTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = defaultSessionKeyTTL
	}
	return &DelegationEngine{
		store:      store,
		domainName: cfg.DomainName,
		chainID:    cfg.DomainChainID,
		ttl:        ttl,
		now:        time.Now,
		log:        log,
	}
}

// RegisterSessionKey verifies the wallet's signature over the delegation
// token and activates the key, revoking any ACTIVE key for the same pair.
func (d *DelegationEngine) RegisterSessionKey(ctx context.Context, in RegisterSessionKeyInput) (*models.SessionKey, error) {
	walletAddr, wallet, err := utils.ParseAddress(in.UserAddress)
	if err != nil {
		return nil, apperr.Validation("invalid userAddress: %s", in.UserAddress)
	}
	keyAddr, sessionKey, err := utils.ParseAddress(in.SessionKeyAddress)
	if err != nil {
		return nil, apperr.Validation("invalid sessionKeyAddress: %s", in.SessionKeyAddress)
	}
	scopes, err := parseScopes(in.Scope)
	if err != nil {
		return nil, err
	}
	for _, a := range in.Allowances {
		if a.Asset == "" {
			return nil, apperr.Validation("allowance asset is required")
		}
		if _, err := models.ParseAmount(a.Amount); err != nil {
			return nil, apperr.Validation("invalid allowance amount for %s: %s", a.Asset, a.Amount)
		}
	}

	sig, err := signer.DecodeSignature(in.Signature)
	if err != nil {
		return nil, apperr.InvalidSignature("Malformed delegation signature")
	}
	td := signer.DelegationTypedData(signer.DelegationParams{
		DomainName:  d.domainName,
		ChainID:     d.chainID,
		Wallet:      walletAddr,
		SessionKey:  keyAddr,
		Application: in.Application,
		Scope:       in.Scope,
		Allowances:  in.Allowances,
		ExpiresAt:   in.ExpiresAt,
		Nonce:       in.Nonce,
	})
	recovered, err := signer.RecoverTypedData(td, sig)
	if err != nil || recovered != walletAddr {
		return nil, apperr.InvalidSignature("Signature does not match the claimed userAddress")
	}

	now := d.now()
	expiresAt := now.Add(d.ttl)
	if in.ExpiresAt > 0 {
		expiresAt = time.Unix(int64(in.ExpiresAt), 0)
		if !expiresAt.After(now) {
			return nil, apperr.New(apperr.CodeSessionKeyExpired, "Delegation expired at %s", expiresAt.UTC().Format(time.RFC3339))
		}
	}

	key := &models.SessionKey{
		UserAddress:       wallet,
		SessionKeyAddress: sessionKey,
		Application:       in.Application,
		Scope:             strings.Join(scopes, ","),
		Allowances:        models.Allowances(in.Allowances),
		Signature:         in.Signature,
		Nonce:             in.Nonce,
		Status:            models.SessionKeyStatusActive,
		ExpiresAt:         expiresAt,
	}

	// losing the ACTIVE unique index means another registration committed first
	for attempt := 0; ; attempt++ {
		err = d.activate(ctx, key, now)
		if !errors.Is(err, repository.ErrDuplicate) {
			break
		}
		if attempt == maxActivateAttempts-1 {
			return nil, apperr.StaleState("Session key for %s was registered concurrently", sessionKey)
		}
		d.log.WithFields(logrus.Fields{"user": wallet, "sessionKey": sessionKey, "attempt": attempt + 1}).Warn("⚠️ Concurrent session key registration, retrying")
	}
	if err != nil {
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"sessionKeyId": key.ID,
		"user":         wallet,
		"sessionKey":   sessionKey,
		"scope":        key.Scope,
		"expiresAt":    key.ExpiresAt,
	}).Info("🔐 Session key registered")
	return key, nil
}

const maxActivateAttempts = 3

// activate revokes the pair's ACTIVE keys and stores key in one transaction.
func (d *DelegationEngine) activate(ctx context.Context, key *models.SessionKey, now time.Time) error {
	return d.store.Transaction(ctx, func(tx *repository.Repositories) error {
		active, err := tx.SessionKeys.FindActiveForUpdate(ctx, key.UserAddress, key.SessionKeyAddress)
		if err != nil {
			return fmt.Errorf("failed to load active session keys: %w", err)
		}
		for _, prev := range active {
			if _, err := tx.SessionKeys.Transition(ctx, prev.ID, models.SessionKeyStatusActive, models.SessionKeyStatusRevoked, now); err != nil {
				return fmt.Errorf("failed to revoke session key %s: %w", prev.ID, err)
			}
			d.log.WithFields(logrus.Fields{"sessionKeyId": prev.ID, "user": key.UserAddress}).Info("🔒 Superseded session key revoked")
		}
		if err := tx.SessionKeys.Create(ctx, key); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return err
			}
			return fmt.Errorf("failed to create session key: %w", err)
		}
		return nil
	})
}

// RevokeSessionKey permanently revokes the pair's current key.
func (d *DelegationEngine) RevokeSessionKey(ctx context.Context, wallet, sessionKey string) (*models.SessionKey, error) {
	wallet, sessionKey = utils.NormalizeAddress(wallet), utils.NormalizeAddress(sessionKey)

	key, err := d.store.SessionKeys.FindLatest(ctx, wallet, sessionKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.NotFound("Session key not found: %s", sessionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session key: %w", err)
	}
	if key.Status != models.SessionKeyStatusActive {
		return nil, apperr.New(apperr.CodeSessionKeyRevoked, "Session key is already %s", key.Status)
	}

	now := d.now()
	ok, err := d.store.SessionKeys.Transition(ctx, key.ID, models.SessionKeyStatusActive, models.SessionKeyStatusRevoked, now)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke session key: %w", err)
	}
	if !ok {
		return nil, apperr.New(apperr.CodeSessionKeyRevoked, "Session key is no longer active")
	}

	key.Status = models.SessionKeyStatusRevoked
	key.RevokedAt = &now
	d.log.WithFields(logrus.Fields{"sessionKeyId": key.ID, "user": wallet}).Info("🔒 Session key revoked")
	return key, nil
}

// GetActiveKeys lists the wallet's usable keys. Keys found past expiry are
// marked EXPIRED and left out.
func (d *DelegationEngine) GetActiveKeys(ctx context.Context, wallet string) ([]*models.SessionKey, error) {
	keys, err := d.store.SessionKeys.ListActiveByUser(ctx, utils.NormalizeAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to list session keys: %w", err)
	}

	now := d.now()
	active := make([]*models.SessionKey, 0, len(keys))
	for _, key := range keys {
		if d.expired(key, now) {
			if err := d.expire(ctx, key, now); err != nil {
				return nil, err
			}
			continue
		}
		active = append(active, key)
	}
	return active, nil
}

// ValidateSessionKey returns the pair's key when it may still act.
func (d *DelegationEngine) ValidateSessionKey(ctx context.Context, wallet, sessionKey string) (*models.SessionKey, error) {
	wallet, sessionKey = utils.NormalizeAddress(wallet), utils.NormalizeAddress(sessionKey)

	key, err := d.store.SessionKeys.FindLatest(ctx, wallet, sessionKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperr.New(apperr.CodeSessionKeyInvalid, "Unknown session key: %s", sessionKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session key: %w", err)
	}

	switch key.Status {
	case models.SessionKeyStatusRevoked:
		return nil, apperr.New(apperr.CodeSessionKeyRevoked, "Session key has been revoked")
	case models.SessionKeyStatusExpired:
		return nil, apperr.New(apperr.CodeSessionKeyExpired, "Session key has expired")
	}

	now := d.now()
	if d.expired(key, now) {
		if err := d.expire(ctx, key, now); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.CodeSessionKeyExpired, "Session key has expired")
	}
	return key, nil
}

// ValidateScope rejects a key that lacks scope.
func (d *DelegationEngine) ValidateScope(key *models.SessionKey, scope string) error {
	for _, s := range key.Scopes() {
		if s == scope {
			return nil
		}
	}
	return apperr.New(apperr.CodeSessionKeyInvalid, "Session key lacks scope: %s", scope)
}

// CheckAllowance rejects amount above the key's cap for asset, or any
// asset with no cap at all.
func (d *DelegationEngine) CheckAllowance(key *models.SessionKey, asset string, amount models.Amount) error {
	for _, a := range key.Allowances {
		if !strings.EqualFold(a.Asset, asset) {
			continue
		}
		limit, err := models.ParseAmount(a.Amount)
		if err != nil {
			return apperr.New(apperr.CodeSessionKeyInvalid, "Malformed allowance for %s", asset)
		}
		if limit.Lt(amount) {
			return apperr.InsufficientFunds("Amount %s exceeds session key allowance %s for %s", amount, limit, asset)
		}
		return nil
	}
	return apperr.New(apperr.CodeSessionKeyInvalid, "Session key has no allowance for %s", asset)
}

func (d *DelegationEngine) expired(key *models.SessionKey, now time.Time) bool {
	return !key.ExpiresAt.After(now)
}

func (d *DelegationEngine) expire(ctx context.Context, key *models.SessionKey, now time.Time) error {
	if _, err := d.store.SessionKeys.Transition(ctx, key.ID, models.SessionKeyStatusActive, models.SessionKeyStatusExpired, now); err != nil {
		return fmt.Errorf("failed to expire session key: %w", err)
	}
	key.Status = models.SessionKeyStatusExpired
	d.log.WithFields(logrus.Fields{"sessionKeyId": key.ID, "user": key.UserAddress}).Info("⌛ Session key expired")
	return nil
}

func parseScopes(raw string) ([]string, error) {
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		allowed := false
		for _, a := range AllowedScopes {
			if s == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, apperr.Validation("Invalid permission scope: '%s'. Allowed: %s", s, strings.Join(AllowedScopes, ", "))
		}
		scopes = append(scopes, s)
	}
	if len(scopes) == 0 {
		return nil, apperr.Validation("scope is required")
	}
	return scopes, nil
}
