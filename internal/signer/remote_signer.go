package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/0xarcano/UXWallet/internal/config"
)

// RemoteSigner delegates digest signing to the KMS service; key material
// never leaves it.
type RemoteSigner struct {
	derived
}

type kmsKey struct {
	baseURL    string
	authToken  string
	keyAlias   string
	addr       common.Address
	httpClient *http.Client
}

// kmsSignRequest KMS digest signature request
type kmsSignRequest struct {
	KeyAlias string `json:"key_alias"`
	Data     string `json:"data"` // 0x digest
}

type kmsSignResponse struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature,omitempty"`
	Error     string `json:"error,omitempty"`
}

type kmsKeyResponse struct {
	Success bool `json:"success"`
	Key     struct {
		KeyAlias      string `json:"key_alias"`
		PublicAddress string `json:"public_address"`
	} `json:"key"`
	Error string `json:"error,omitempty"`
}

// NewRemoteSigner resolves the key address for alias and returns a signer
// bound to it.
func NewRemoteSigner(ctx context.Context, cfg config.KMSConfig, alias string) (*RemoteSigner, error) {
	timeout := 30 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	k := &kmsKey{
		baseURL:    cfg.ServiceURL,
		authToken:  cfg.AuthToken,
		keyAlias:   alias,
		httpClient: &http.Client{Timeout: timeout},
	}

	body, err := k.makeRequest(ctx, http.MethodGet, "/api/v1/keys/"+url.PathEscape(alias), nil)
	if err != nil {
		return nil, fmt.Errorf("KMS key lookup failed: %w", err)
	}
	var keyResp kmsKeyResponse
	if err := json.Unmarshal(body, &keyResp); err != nil {
		return nil, fmt.Errorf("parse KMS key response: %w", err)
	}
	if !keyResp.Success {
		return nil, fmt.Errorf("KMS key lookup failed: %s", keyResp.Error)
	}
	if !common.IsHexAddress(keyResp.Key.PublicAddress) {
		return nil, fmt.Errorf("KMS returned invalid address %q", keyResp.Key.PublicAddress)
	}
	k.addr = common.HexToAddress(keyResp.Key.PublicAddress)

	return &RemoteSigner{derived{k}}, nil
}

func (k *kmsKey) address() common.Address { return k.addr }

func (k *kmsKey) signDigest(ctx context.Context, digest []byte) ([]byte, error) {
	body, err := k.makeRequest(ctx, http.MethodPost, "/api/v1/sign", kmsSignRequest{
		KeyAlias: k.keyAlias,
		Data:     hexutil.Encode(digest),
	})
	if err != nil {
		return nil, fmt.Errorf("KMS sign request failed: %w", err)
	}

	var signResp kmsSignResponse
	if err := json.Unmarshal(body, &signResp); err != nil {
		return nil, fmt.Errorf("parse KMS sign response: %w", err)
	}
	if !signResp.Success {
		return nil, fmt.Errorf("KMS sign failed: %s", signResp.Error)
	}

	sig, err := hexutil.Decode(signResp.Signature)
	if err != nil || len(sig) != 65 {
		return nil, fmt.Errorf("%w: KMS returned malformed signature", ErrInvalidSignature)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func (k *kmsKey) makeRequest(ctx context.Context, method, path string, data any) ([]byte, error) {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, k.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "uxwallet-backend/1.0")
	if k.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+k.authToken)
		req.Header.Set("X-Service-Name", "uxwallet-backend")
	}

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP request failed: status=%d, body=%s", resp.StatusCode, string(responseBody))
	}
	return responseBody, nil
}
