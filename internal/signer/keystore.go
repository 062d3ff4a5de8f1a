package signer

import (
	"context"
	"fmt"

	"github.com/0xarcano/UXWallet/internal/config"
)

var knownScopes = []string{ScopeStateUpdate, ScopeIntentFulfillment, ScopeDelegation, ScopeClearNode}

// KeyStore hands out the signer for a capability scope.
type KeyStore struct {
	signers map[string]Signer
}

// NewKeyStore builds signers from the KMS config. The local provider uses
// one key for every scope; the remote provider resolves "<alias>-<scope>"
// per scope.
func NewKeyStore(ctx context.Context, cfg config.KMSConfig) (*KeyStore, error) {
	switch cfg.Provider {
	case "", "local":
		s, err := NewLocalSigner(cfg.LocalPrivateKey)
		if err != nil {
			return nil, err
		}
		return NewStaticKeyStore(s), nil
	case "remote":
		ks := &KeyStore{signers: make(map[string]Signer, len(knownScopes))}
		for _, scope := range knownScopes {
			alias := cfg.KeyAlias + "-" + scope
			s, err := NewRemoteSigner(ctx, cfg, alias)
			if err != nil {
				return nil, fmt.Errorf("scope %s: %w", scope, err)
			}
			ks.signers[scope] = s
		}
		return ks, nil
	default:
		return nil, fmt.Errorf("unsupported KMS provider %q", cfg.Provider)
	}
}

// NewStaticKeyStore serves s for every scope.
func NewStaticKeyStore(s Signer) *KeyStore {
	ks := &KeyStore{signers: make(map[string]Signer, len(knownScopes))}
	for _, scope := range knownScopes {
		ks.signers[scope] = s
	}
	return ks
}

func (ks *KeyStore) Signer(scope string) (Signer, error) {
	s, ok := ks.signers[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return s, nil
}
