package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/config"
)

// LifRustClient talks to the lif-rust bridging microservice: LI.FI quotes,
// ERC-7683 intent orders and settler calldata.
type LifRustClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	baseDelay  time.Duration
	maxDelay   time.Duration
	log        logrus.FieldLogger
}

// NewLifRustClient creates a new lif-rust client
func NewLifRustClient(cfg config.LifRustConfig, log logrus.FieldLogger) *LifRustClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LifRustClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxRetries: uint64(max(cfg.MaxRetries, 0)),
		baseDelay:  time.Duration(cfg.BaseDelayMs) * time.Millisecond,
		maxDelay:   time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		log:        log,
	}
}

// QuoteRequest routing quote input
type QuoteRequest struct {
	SourceChainID      int64  `json:"sourceChainId"`
	DestinationChainID int64  `json:"destinationChainId"`
	Asset              string `json:"asset"`
	Amount             string `json:"amount"`
}

// QuoteResponse routing quote; costs are base-unit decimal strings
type QuoteResponse struct {
	Route            map[string]any `json:"route,omitempty"`
	EstimatedGasCost string         `json:"estimatedGasCost"`
	BridgeFee        string         `json:"bridgeFee"`
	EstimatedTime    int64          `json:"estimatedTime"` // seconds
}

// IntentBuildRequest intent order input
type IntentBuildRequest struct {
	IntentID           string `json:"intentId"`
	SourceChainID      int64  `json:"sourceChainId"`
	DestinationChainID int64  `json:"destinationChainId"`
	Asset              string `json:"asset"`
	Amount             string `json:"amount"`
}

// IntentBuildResponse built order
type IntentBuildResponse struct {
	OrderData    map[string]any `json:"orderData"`
	EncodedOrder string         `json:"encodedOrder"`
}

// IntentCalldataRequest settler calldata input
type IntentCalldataRequest struct {
	OrderData   map[string]any `json:"orderData"`
	UserAddress string         `json:"userAddress"`
}

// IntentCalldataResponse transaction to submit to the origin settler
type IntentCalldataResponse struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

// APIError non-2xx response from lif-rust
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("lif-rust %s failed (status %d): %s", e.Operation, e.StatusCode, e.Body)
}

// GetQuote gets a routing quote
func (c *LifRustClient) GetQuote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	var resp QuoteResponse
	if err := c.post(ctx, "/lifi/quote", "getQuote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// BuildIntentOrder builds an ERC-7683 intent order
func (c *LifRustClient) BuildIntentOrder(ctx context.Context, req IntentBuildRequest) (*IntentBuildResponse, error) {
	var resp IntentBuildResponse
	if err := c.post(ctx, "/intent/build", "buildIntentOrder", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetIntentCalldata gets the calldata for the origin settler contract call
func (c *LifRustClient) GetIntentCalldata(ctx context.Context, req IntentCalldataRequest) (*IntentCalldataResponse, error) {
	var resp IntentCalldataResponse
	if err := c.post(ctx, "/intent/calldata", "getIntentCalldata", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *LifRustClient) post(ctx context.Context, path, operation string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := c.send(ctx, path, operation, attempt, payload, out)
		var perm *backoff.PermanentError
		if err != nil && !errors.As(err, &perm) && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, c.newBackOff(ctx))
}

// newBackOff 指数退避，随机因子 0.5，重试次数由 maxRetries 限制
func (c *LifRustClient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay
	if c.maxDelay > 0 {
		b.MaxInterval = c.maxDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)
}

func (c *LifRustClient) send(ctx context.Context, path, operation string, attempt int, payload []byte, out any) error {
	c.log.WithFields(logrus.Fields{
		"operation": operation,
		"path":      path,
		"attempt":   attempt,
	}).Debug("🔄 lif-rust request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("lif-rust %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read lif-rust response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Operation: operation, StatusCode: resp.StatusCode, Body: string(respBody)}
		c.log.WithError(apiErr).WithField("attempt", attempt).Warn("⚠️ lif-rust returned an error")
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode lif-rust %s response: %w", operation, err))
	}
	return nil
}

// retryable reports whether a failed attempt may succeed on retry.
// Responses with 4xx other than 429 are final.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
