package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	derived
}

type localKey struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func (k *localKey) address() common.Address { return k.addr }

func (k *localKey) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	sig, err := crypto.Sign(digest, k.key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// NewLocalSigner parses a hex private key, with or without 0x.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	material := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if material == "" {
		return nil, fmt.Errorf("private key not set")
	}
	key, err := crypto.HexToECDSA(material)
	if err != nil {
		return nil, fmt.Errorf("invalid private key material: %w", err)
	}
	return FromECDSA(key), nil
}

func FromECDSA(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{derived{&localKey{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}}}
}

// GenerateLocalSigner creates a signer with a fresh random key.
func GenerateLocalSigner() (*LocalSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return FromECDSA(key), nil
}
