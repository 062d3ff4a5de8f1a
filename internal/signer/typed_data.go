package signer

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/0xarcano/UXWallet/internal/models"
)

var allowanceType = []apitypes.Type{
	{Name: "asset", Type: "string"},
	{Name: "amount", Type: "string"},
}

// PolicyParams is the ClearNode auth challenge binding.
type PolicyParams struct {
	Application string
	Challenge   string
	Scope       string
	Wallet      common.Address
	SessionKey  common.Address
	ExpiresAt   uint64
	Allowances  []models.Allowance
}

// PolicyTypedData builds the EIP-712 Policy struct signed in auth_verify.
func PolicyTypedData(p PolicyParams) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {{Name: "name", Type: "string"}},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": allowanceType,
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: p.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   p.Challenge,
			"scope":       p.Scope,
			"wallet":      p.Wallet.Hex(),
			"session_key": p.SessionKey.Hex(),
			"expires_at":  strconv.FormatUint(p.ExpiresAt, 10),
			"allowances":  allowanceValues(p.Allowances),
		},
	}
}

// DelegationParams is the capability token a wallet signs to grant a
// session key.
type DelegationParams struct {
	DomainName  string
	ChainID     int64
	Wallet      common.Address
	SessionKey  common.Address
	Application string
	Scope       string
	Allowances  []models.Allowance
	ExpiresAt   uint64
	Nonce       uint64
}

func DelegationTypedData(p DelegationParams) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"Delegation": {
				{Name: "wallet", Type: "address"},
				{Name: "sessionKey", Type: "address"},
				{Name: "application", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "allowances", Type: "Allowance[]"},
				{Name: "expiresAt", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
			},
			"Allowance": allowanceType,
		},
		PrimaryType: "Delegation",
		Domain: apitypes.TypedDataDomain{
			Name:    p.DomainName,
			Version: "1",
			ChainId: math.NewHexOrDecimal256(p.ChainID),
		},
		Message: apitypes.TypedDataMessage{
			"wallet":      p.Wallet.Hex(),
			"sessionKey":  p.SessionKey.Hex(),
			"application": p.Application,
			"scope":       p.Scope,
			"allowances":  allowanceValues(p.Allowances),
			"expiresAt":   strconv.FormatUint(p.ExpiresAt, 10),
			"nonce":       strconv.FormatUint(p.Nonce, 10),
		},
	}
}

func allowanceValues(in []models.Allowance) []interface{} {
	out := make([]interface{}, 0, len(in))
	for _, a := range in {
		out = append(out, map[string]interface{}{"asset": a.Asset, "amount": a.Amount})
	}
	return out
}

// TypedDataHash returns the EIP-712 signing digest.
func TypedDataHash(td apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}
	return digest, nil
}

// MessageHash is the EIP-191 personal-message digest.
func MessageHash(msg []byte) []byte {
	return accounts.TextHash(msg)
}

// RecoverHash returns the address that produced sig over digest.
func RecoverHash(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, ErrInvalidDigest
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func RecoverMessage(msg, sig []byte) (common.Address, error) {
	return RecoverHash(MessageHash(msg), sig)
}

func RecoverTypedData(td apitypes.TypedData, sig []byte) (common.Address, error) {
	digest, err := TypedDataHash(td)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverHash(digest, sig)
}

// DecodeSignature parses a 0x-prefixed 65-byte signature.
func DecodeSignature(s string) ([]byte, error) {
	sig, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	return sig, nil
}

// StateHash is keccak256(channelID || uint64be(seq) || canonical JSON(state)).
// Object keys are sorted so the same state always hashes the same.
func StateHash(channelID string, seq uint64, state json.RawMessage) (common.Hash, error) {
	canonical, err := CanonicalJSON(state)
	if err != nil {
		return common.Hash{}, err
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return crypto.Keccak256Hash([]byte(channelID), seqBytes[:], canonical), nil
}

// CanonicalJSON re-encodes raw with sorted object keys and no whitespace.
func CanonicalJSON(raw json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("null"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid state data: %w", err)
	}
	return json.Marshal(v)
}
