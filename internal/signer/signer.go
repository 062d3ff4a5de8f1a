// Package signer provides the signing capability used by every component
// that needs an on-chain identity: a key per capability scope, producing
// 65-byte secp256k1 signatures with V in {27,28}.
package signer

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Capability scopes a key can be requested for.
const (
	ScopeStateUpdate       = "nitrolite_state_update"
	ScopeIntentFulfillment = "lifi_intent_fulfillment"
	ScopeDelegation        = "delegation"
	ScopeClearNode         = "clearnode"
)

var (
	ErrUnknownScope     = errors.New("unknown signer scope")
	ErrInvalidDigest    = errors.New("digest must be 32 bytes")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Signer produces signatures for one key.
type Signer interface {
	Address() common.Address

	// SignMessage signs msg with the EIP-191 personal-message prefix.
	SignMessage(ctx context.Context, msg []byte) ([]byte, error)

	// SignRaw signs a 32-byte digest as is.
	SignRaw(ctx context.Context, digest []byte) ([]byte, error)

	// SignTypedData signs the EIP-712 digest of td.
	SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error)
}

// digestSigner is the one primitive each backend has to supply; the rest of
// the Signer surface is derived from it.
type digestSigner interface {
	address() common.Address
	signDigest(ctx context.Context, digest []byte) ([]byte, error)
}

type derived struct {
	digestSigner
}

func (d derived) Address() common.Address { return d.address() }

func (d derived) SignMessage(ctx context.Context, msg []byte) ([]byte, error) {
	return d.signDigest(ctx, MessageHash(msg))
}

func (d derived) SignRaw(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}
	return d.signDigest(ctx, digest)
}

func (d derived) SignTypedData(ctx context.Context, td apitypes.TypedData) ([]byte, error) {
	digest, err := TypedDataHash(td)
	if err != nil {
		return nil, err
	}
	return d.signDigest(ctx, digest)
}
