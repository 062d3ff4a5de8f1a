package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SessionStatus channel lifecycle
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "OPEN"
	SessionStatusClosed SessionStatus = "CLOSED"
)

// TransactionType ledger entry kind
type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "DEPOSIT"
	TransactionTypeStateUpdate TransactionType = "STATE_UPDATE"
	TransactionTypeClose       TransactionType = "CLOSE"
)

// SessionKeyStatus delegation lifecycle
type SessionKeyStatus string

const (
	SessionKeyStatusActive  SessionKeyStatus = "ACTIVE"
	SessionKeyStatusRevoked SessionKeyStatus = "REVOKED"
	SessionKeyStatusExpired SessionKeyStatus = "EXPIRED"
)

// WithdrawalStatus withdrawal state machine
type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "PENDING"
	WithdrawalStatusEvaluating WithdrawalStatus = "EVALUATING"
	WithdrawalStatusProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalStatusBridging   WithdrawalStatus = "BRIDGING"
	WithdrawalStatusCompleted  WithdrawalStatus = "COMPLETED"
	WithdrawalStatusFailed     WithdrawalStatus = "FAILED"
)

// IsTerminal reports whether no further transition is allowed.
func (s WithdrawalStatus) IsTerminal() bool {
	return s == WithdrawalStatusCompleted || s == WithdrawalStatusFailed
}

// DestinationReservingStatuses hold a claim on destination-chain inventory
// that has not been debited yet.
var DestinationReservingStatuses = []WithdrawalStatus{
	WithdrawalStatusPending,
	WithdrawalStatusEvaluating,
	WithdrawalStatusProcessing,
}

// SourceReservingStatuses hold a claim on the chosen source chain of a
// sponsored exit until it settles.
var SourceReservingStatuses = []WithdrawalStatus{
	WithdrawalStatusBridging,
}

// ExitType withdrawal route
type ExitType string

const (
	ExitTypeDirect    ExitType = "DIRECT"
	ExitTypeSponsored ExitType = "SPONSORED"
)

// IntentStatus solver decision lifecycle
type IntentStatus string

const (
	IntentStatusEvaluating IntentStatus = "EVALUATING"
	IntentStatusFulfilling IntentStatus = "FULFILLING"
	IntentStatusFulfilled  IntentStatus = "FULFILLED"
	IntentStatusSkipped    IntentStatus = "SKIPPED"
	IntentStatusFailed     IntentStatus = "FAILED"
)

// FulfillmentSource where solver liquidity comes from
type FulfillmentSource string

const (
	FulfillmentSourcePool   FulfillmentSource = "POOL"
	FulfillmentSourceBridge FulfillmentSource = "BRIDGE"
)

// Session two-party state channel with the ClearNode
type Session struct {
	ID              string        `json:"id" gorm:"primaryKey;size:36"`
	ChannelID       string        `json:"channelId" gorm:"size:128;uniqueIndex;not null"`
	ParticipantA    string        `json:"participantA" gorm:"size:42;index;not null"` // user
	ParticipantB    string        `json:"participantB" gorm:"size:42;not null"`       // service
	ChainID         int64         `json:"chainId" gorm:"not null"`
	Asset           string        `json:"asset" gorm:"size:64"`
	Status          SessionStatus `json:"status" gorm:"size:16;not null;default:'OPEN'"`
	SequenceNumber  uint64        `json:"sequenceNumber" gorm:"not null;default:0"`
	LatestStateData string        `json:"latestStateData,omitempty" gorm:"type:text"` // JSON
	LatestStateHash string        `json:"latestStateHash,omitempty" gorm:"size:66"`
	LatestStateSig  string        `json:"latestStateSig,omitempty" gorm:"size:132"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Transaction append-only ledger entry per session
type Transaction struct {
	ID             string          `json:"id" gorm:"primaryKey;size:36"`
	SessionID      string          `json:"sessionId" gorm:"size:36;not null;uniqueIndex:idx_tx_session_seq"`
	SequenceNumber uint64          `json:"sequenceNumber" gorm:"not null;uniqueIndex:idx_tx_session_seq"`
	Type           TransactionType `json:"type" gorm:"size:16;not null"`
	StateData      string          `json:"stateData" gorm:"type:text"` // JSON
	SignatureA     string          `json:"signatureA,omitempty" gorm:"size:132"`
	SignatureB     string          `json:"signatureB,omitempty" gorm:"size:132"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// UserBalance per-user claim. ChainID nil is the unified balance.
type UserBalance struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	UserAddress string    `json:"userAddress" gorm:"size:42;not null;index:idx_balance_user_asset"`
	Asset       string    `json:"asset" gorm:"size:64;not null;index:idx_balance_user_asset"`
	ChainID     *int64    `json:"chainId"`
	Balance     Amount    `json:"balance" gorm:"type:varchar(80);not null;default:'0'"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (b *UserBalance) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

// IsUnified reports whether the row is the aggregated balance.
func (b *UserBalance) IsUnified() bool { return b.ChainID == nil }

// VaultInventory vault-held liquidity for one chain and asset
type VaultInventory struct {
	ID           string    `json:"id" gorm:"primaryKey;size:36"`
	ChainID      int64     `json:"chainId" gorm:"not null;uniqueIndex:idx_inventory_chain_asset"`
	Asset        string    `json:"asset" gorm:"size:64;not null;uniqueIndex:idx_inventory_chain_asset"`
	VaultAddress string    `json:"vaultAddress" gorm:"size:42"`
	Balance      Amount    `json:"balance" gorm:"type:varchar(80);not null;default:'0'"`
	Version      uint64    `json:"version" gorm:"not null;default:0"` // compare-and-swap guard
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (v *VaultInventory) BeforeCreate(tx *gorm.DB) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

// Allowance per-asset spending cap of a session key
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// Allowances stored as a JSON column
type Allowances []Allowance

func (a Allowances) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (a *Allowances) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into Allowances", src)
	}
	return json.Unmarshal(data, a)
}

func (Allowances) GormDataType() string { return "text" }

// SessionKey delegated signing capability
type SessionKey struct {
	ID                string           `json:"id" gorm:"primaryKey;size:36"`
	UserAddress       string           `json:"userAddress" gorm:"size:42;not null;index:idx_session_key_pair"`
	SessionKeyAddress string           `json:"sessionKeyAddress" gorm:"size:42;not null;index:idx_session_key_pair"`
	Application       string           `json:"application" gorm:"size:128"`
	Scope             string           `json:"scope" gorm:"size:255;not null"` // comma-joined
	Allowances        Allowances       `json:"allowances"`
	Signature         string           `json:"-" gorm:"size:132"`
	Nonce             uint64           `json:"nonce"`
	Status            SessionKeyStatus `json:"status" gorm:"size:16;not null;default:'ACTIVE';index"`
	ExpiresAt         time.Time        `json:"expiresAt" gorm:"not null"`
	RevokedAt         *time.Time       `json:"revokedAt,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

func (k *SessionKey) BeforeCreate(tx *gorm.DB) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return nil
}

// Scopes returns the individual capability scopes.
func (k *SessionKey) Scopes() []string {
	if k.Scope == "" {
		return nil
	}
	parts := strings.Split(k.Scope, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WithdrawalRequest user exit request
type WithdrawalRequest struct {
	ID                 string           `json:"id" gorm:"primaryKey;size:36"`
	UserAddress        string           `json:"userAddress" gorm:"size:42;not null;index"`
	Asset              string           `json:"asset" gorm:"size:64;not null;index:idx_withdrawal_chain_asset"`
	Amount             Amount           `json:"amount" gorm:"type:varchar(80);not null"`
	DestinationChainID int64            `json:"destinationChainId" gorm:"not null;index:idx_withdrawal_chain_asset"`
	SourceChainID      *int64           `json:"sourceChainId,omitempty"`
	Status             WithdrawalStatus `json:"status" gorm:"size:16;not null;default:'PENDING';index"`
	ExitType           ExitType         `json:"exitType,omitempty" gorm:"size:16"`
	BridgeIntentID     string           `json:"bridgeIntentId,omitempty" gorm:"size:128"`
	TxHash             string           `json:"txHash,omitempty" gorm:"size:66"`
	ErrorMessage       string           `json:"errorMessage,omitempty" gorm:"type:text"`
	CreatedAt          time.Time        `json:"createdAt"`
	UpdatedAt          time.Time        `json:"updatedAt"`
}

func (w *WithdrawalRequest) BeforeCreate(tx *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}

// IntentLog solver evaluation record
type IntentLog struct {
	ID                 string            `json:"id" gorm:"primaryKey;size:36"`
	IntentID           string            `json:"intentId" gorm:"size:128;not null;index"`
	SourceChainID      int64             `json:"sourceChainId"`
	DestinationChainID int64             `json:"destinationChainId"`
	Asset              string            `json:"asset" gorm:"size:64;not null"`
	Amount             Amount            `json:"amount" gorm:"type:varchar(80);not null"`
	MinReceived        Amount            `json:"minReceived" gorm:"type:varchar(80);not null;default:'0'"`
	FulfillmentSource  FulfillmentSource `json:"fulfillmentSource" gorm:"size:16;not null;default:'POOL'"`
	Status             IntentStatus      `json:"status" gorm:"size:16;not null;index"`
	Spread             Amount            `json:"spread" gorm:"type:varchar(80);not null;default:'0'"`
	SpreadBps          int64             `json:"spreadBps"`
	SolverReward       Amount            `json:"solverReward" gorm:"type:varchar(80);not null;default:'0'"`
	UserReward         Amount            `json:"userReward" gorm:"type:varchar(80);not null;default:'0'"`
	TreasuryReward     Amount            `json:"treasuryReward" gorm:"type:varchar(80);not null;default:'0'"`
	Reason             string            `json:"reason,omitempty" gorm:"type:text"`
	ErrorMessage       string            `json:"errorMessage,omitempty" gorm:"type:text"`
	EncodedOrder       string            `json:"encodedOrder,omitempty" gorm:"type:text"`
	Metadata           string            `json:"metadata,omitempty" gorm:"type:text"` // JSON
	FulfilledAt        *time.Time        `json:"fulfilledAt,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

func (l *IntentLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}

// All returns every model for AutoMigrate.
func All() []any {
	return []any{
		&Session{},
		&Transaction{},
		&UserBalance{},
		&VaultInventory{},
		&SessionKey{},
		&WithdrawalRequest{},
		&IntentLog{},
	}
}
