// Package clearnode is the ClearNode protocol client: one websocket
// connection, challenge-response authentication, request/response
// correlation by id and a bounded reconnect policy.
package clearnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/metrics"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/signer"
)

// State of the logical connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configure a Client.
type Options struct {
	URL                  string
	Application          string
	ConnectTimeout       time.Duration
	RequestTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int

	// ServiceSigner is the identity EnsureAuthenticated logs in with.
	ServiceSigner signer.Signer
	AuthScope     string
	AuthTTL       time.Duration

	PushQueueSize int
	Dialer        *websocket.Dialer
}

func OptionsFromConfig(cfg config.ClearNodeConfig, service signer.Signer) Options {
	return Options{
		URL:                  cfg.WSSURL,
		Application:          cfg.Application,
		ConnectTimeout:       cfg.ConnectTimeout(),
		RequestTimeout:       cfg.RequestTimeout(),
		ReconnectBase:        cfg.ReconnectBase(),
		ReconnectMax:         cfg.ReconnectMax(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ServiceSigner:        service,
		AuthScope:            cfg.AuthScope,
		AuthTTL:              time.Duration(cfg.AuthTTLSeconds) * time.Second,
	}
}

// AuthParams describe one auth_request / auth_verify exchange. Signer is
// the key that signs the Policy challenge.
type AuthParams struct {
	Wallet     common.Address
	SessionKey common.Address
	Signer     signer.Signer
	Scope      string
	Allowances []models.Allowance
	ExpiresAt  time.Time
}

// Handler receives server-push frames for one method.
type Handler func(ctx context.Context, resp Response)

type result struct {
	resp Response
	err  error
}

// Client holds one logical ClearNode connection.
type Client struct {
	opts Options
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectMu sync.Mutex
	authMu    sync.Mutex
	writeMu   sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	pending  map[uint64]chan result
	closing  bool
	attempts int
	lastAuth *AuthParams

	nextID  atomic.Uint64
	expired *ttlcache.Cache[uint64, struct{}]

	handlersMu sync.RWMutex
	handlers   map[string][]Handler
	push       chan Response
	pushOnce   sync.Once

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

func New(opts Options, log logrus.FieldLogger) *Client {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.PushQueueSize <= 0 {
		opts.PushQueueSize = 256
	}
	if opts.AuthTTL <= 0 {
		opts.AuthTTL = time.Hour
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		log:      log.WithField("component", "clearnode"),
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[uint64]chan result),
		expired:  ttlcache.New[uint64, struct{}](ttlcache.WithTTL[uint64, struct{}](10 * opts.RequestTimeout)),
		handlers: make(map[string][]Handler),
		push:     make(chan Response, opts.PushQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setStateLocked(s State) {
	c.state = s
	metrics.ClearNodeConnectionState.Set(float64(s))
}

// Done is closed once the client gives up reconnecting.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why Done was closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// On subscribes h to server-push frames with the given method.
func (c *Client) On(method string, h Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[method] = append(c.handlers[method], h)
}

// Connect opens the transport. It is a no-op when already connected.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return apperr.ConnectionFailed(nil, "ClearNode client is closed")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.pushOnce.Do(func() {
		c.wg.Add(1)
		go c.dispatchLoop()
	})

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, nil)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return apperr.ConnectionFailed(err, "ClearNode connection timed out after %s", c.opts.ConnectTimeout)
		}
		return apperr.ConnectionFailed(err, "ClearNode connection failed")
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return apperr.ConnectionFailed(nil, "ClearNode client is closed")
	}
	c.conn = conn
	c.attempts = 0
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	c.log.WithField("url", c.opts.URL).Info("✅ Connected to ClearNode")
	return nil
}

// Authenticate runs the auth_request / auth_verify handshake.
func (c *Client) Authenticate(ctx context.Context, p AuthParams) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticate(ctx, p)
}

func (c *Client) authenticate(ctx context.Context, p AuthParams) error {
	if p.Signer == nil {
		return apperr.AuthFailed("no signer for authentication")
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return apperr.ConnectionFailed(nil, "ClearNode not connected")
	}
	c.setStateLocked(StateAuthenticating)
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		if c.conn != nil {
			c.setStateLocked(StateConnected)
		}
		c.mu.Unlock()
		return err
	}

	expiresAt := uint64(p.ExpiresAt.Unix())
	allowances := make([]allowanceWire, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowances = append(allowances, allowanceWire{Asset: a.Asset, Amount: a.Amount})
	}

	res, err := c.SendRequest(ctx, MethodAuthRequest, []any{authRequestParams{
		Wallet:      p.Wallet.Hex(),
		SessionKey:  p.SessionKey.Hex(),
		Application: c.opts.Application,
		Scope:       p.Scope,
		Allowances:  allowances,
		ExpiresAt:   expiresAt,
	}}, nil)
	if err != nil {
		return fail(authError(err, "auth_request rejected"))
	}

	var challenge authChallenge
	if err := decodeResult(res, &challenge); err != nil || challenge.value() == "" {
		return fail(apperr.AuthFailed("ClearNode returned no challenge"))
	}

	sig, err := p.Signer.SignTypedData(ctx, signer.PolicyTypedData(signer.PolicyParams{
		Application: c.opts.Application,
		Challenge:   challenge.value(),
		Scope:       p.Scope,
		Wallet:      p.Wallet,
		SessionKey:  p.SessionKey,
		ExpiresAt:   expiresAt,
		Allowances:  p.Allowances,
	}))
	if err != nil {
		return fail(apperr.Wrap(apperr.CodeAuthFailed, err, "sign auth challenge"))
	}

	res, err = c.SendRequest(ctx, MethodAuthVerify, []any{authVerifyParams{Signature: hexutil.Encode(sig)}}, nil)
	if err != nil {
		return fail(authError(err, "auth_verify rejected"))
	}
	var verified authVerifyResult
	if err := decodeResult(res, &verified); err == nil && verified.Success != nil && !*verified.Success {
		return fail(apperr.AuthFailed("ClearNode rejected the challenge signature"))
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return apperr.ConnectionFailed(nil, "ClearNode connection lost during authentication")
	}
	saved := p
	c.lastAuth = &saved
	c.setStateLocked(StateAuthenticated)
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"wallet": p.Wallet.Hex(), "scope": p.Scope}).Info("🔐 Authenticated with ClearNode")
	return nil
}

func authError(err error, msg string) error {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return apperr.Wrap(apperr.CodeAuthFailed, err, "%s: %s", msg, rpcErr.Message)
	}
	return err
}

// EnsureAuthenticated connects and logs in with the service identity if
// the client is not already authenticated.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	if c.State() == StateAuthenticated {
		return nil
	}
	if err := c.Connect(ctx); err != nil {
		return err
	}

	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.State() == StateAuthenticated {
		return nil
	}
	if c.opts.ServiceSigner == nil {
		return apperr.AuthFailed("no service signer configured")
	}
	addr := c.opts.ServiceSigner.Address()
	return c.authenticate(ctx, AuthParams{
		Wallet:     addr,
		SessionKey: addr,
		Signer:     c.opts.ServiceSigner,
		Scope:      c.opts.AuthScope,
		ExpiresAt:  time.Now().Add(c.opts.AuthTTL),
	})
}

// SendRequest signs and sends one RPC and waits for the response with the
// same id. s may be nil for unsigned requests.
func (c *Client) SendRequest(ctx context.Context, method string, params any, s signer.Signer) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	payload, err := encodeRequestPayload(id, method, params, time.Now().UnixMilli())
	if err != nil {
		return nil, apperr.Validation("encode %s params: %v", method, err)
	}

	sigs := []string{}
	if s != nil {
		sig, err := s.SignRaw(ctx, crypto.Keccak256(payload))
		if err != nil {
			return nil, fmt.Errorf("sign %s request: %w", method, err)
		}
		sigs = append(sigs, hexutil.Encode(sig))
	}
	frame, err := json.Marshal(requestEnvelope{Req: payload, Sig: sigs})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", method, err)
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		metrics.ClearNodeRequestErrors.WithLabelValues(method, string(apperr.CodeConnectionFailed)).Inc()
		return nil, apperr.ConnectionFailed(nil, "ClearNode not connected")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	start := time.Now()
	if err := c.write(conn, frame); err != nil {
		c.dropPending(id)
		metrics.ClearNodeRequestErrors.WithLabelValues(method, string(apperr.CodeConnectionFailed)).Inc()
		return nil, apperr.ConnectionFailed(err, "send %s", method)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		metrics.ClearNodeRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if r.err != nil {
			metrics.ClearNodeRequestErrors.WithLabelValues(method, errorCode(r.err)).Inc()
			return nil, r.err
		}
		return r.resp.Result, nil
	case <-timer.C:
		c.expire(id)
		metrics.ClearNodeRequestErrors.WithLabelValues(method, string(apperr.CodeTimeout)).Inc()
		return nil, apperr.Timeout("ClearNode %s request %d timed out after %s", method, id, c.opts.RequestTimeout)
	case <-ctx.Done():
		c.expire(id)
		err := contextError(ctx, method, id)
		metrics.ClearNodeRequestErrors.WithLabelValues(method, string(apperr.CodeOf(err))).Inc()
		return nil, err
	}
}

// contextError maps a finished caller context onto the request error codes.
func contextError(ctx context.Context, method string, id uint64) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeTimeout, ctx.Err(), "ClearNode %s request %d deadline exceeded", method, id)
	}
	return apperr.ConnectionFailed(ctx.Err(), "ClearNode %s request %d cancelled", method, id)
}

func errorCode(err error) string {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return "RPC_ERROR"
	}
	return string(apperr.CodeOf(err))
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.RequestTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dropPending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// expire forgets a pending id and remembers it so a late response is
// dropped instead of being taken for a server push.
func (c *Client) expire(id uint64) {
	c.dropPending(id)
	c.expired.DeleteExpired()
	c.expired.Set(id, struct{}{}, ttlcache.DefaultTTL)
}

// resolve delivers r to the waiter for id. It reports false when nobody
// is waiting.
func (c *Client) resolve(id uint64, r result) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- r
	}
	return ok
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}

		switch f := decodeFrame(data).(type) {
		case Response:
			if f.ID != 0 && c.resolve(f.ID, result{resp: f}) {
				continue
			}
			if f.ID != 0 && c.expired.Get(f.ID) != nil {
				c.expired.Delete(f.ID)
				c.log.WithFields(logrus.Fields{"id": f.ID, "method": f.Method}).Debug("Dropping late ClearNode response")
				continue
			}
			select {
			case c.push <- f:
			default:
				c.log.WithField("method", f.Method).Warn("⚠️ ClearNode push queue full, dropping message")
			}
		case *RPCError:
			if c.resolve(f.ID, result{err: f}) {
				continue
			}
			c.log.WithFields(logrus.Fields{"id": f.ID, "code": f.Code}).Warnf("ClearNode error frame: %s", f.Message)
		case Unrecognized:
			c.log.WithField("reason", f.Reason).Warnf("Unrecognized ClearNode frame: %.256s", string(f.Raw))
		}
	}
}

func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case resp := <-c.push:
			metrics.ClearNodePushMessages.WithLabelValues(resp.Method).Inc()
			c.handlersMu.RLock()
			hs := append([]Handler(nil), c.handlers[resp.Method]...)
			c.handlersMu.RUnlock()
			if len(hs) == 0 {
				c.log.WithField("method", resp.Method).Debug("No handler for ClearNode push")
			}
			for _, h := range hs {
				c.callHandler(h, resp)
			}
		}
	}
}

func (c *Client) callHandler(h Handler, resp Response) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("method", resp.Method).Errorf("❌ ClearNode push handler panic: %v", r)
		}
	}()
	h(c.ctx, resp)
}

// failPendingLocked rejects every waiter. c.mu must be held.
func (c *Client) failPendingLocked(err error) {
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- result{err: err}
	}
}

func (c *Client) handleClose(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.failPendingLocked(apperr.ConnectionFailed(cause, "ClearNode connection closed"))
	closing := c.closing
	c.mu.Unlock()
	_ = conn.Close()

	if closing || websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		c.log.Info("ClearNode connection closed")
		return
	}
	c.log.WithError(cause).Warn("⚠️ ClearNode connection lost")
	c.scheduleReconnect(cause)
}

func (c *Client) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.opts.MaxReconnectAttempts {
		c.mu.Unlock()
		c.giveUp(cause)
		return
	}
	c.mu.Unlock()

	delay := backoffDelay(c.opts.ReconnectBase, c.opts.ReconnectMax, attempt-1)
	metrics.ClearNodeReconnects.Inc()
	c.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay.String()}).Info("🔄 Scheduling ClearNode reconnect")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C:
		}

		if err := c.Connect(c.ctx); err != nil {
			c.log.WithError(err).Warn("ClearNode reconnect failed")
			c.scheduleReconnect(err)
			return
		}

		c.mu.Lock()
		auth := c.lastAuth
		c.mu.Unlock()
		if auth == nil {
			return
		}
		renewed := *auth
		if time.Until(renewed.ExpiresAt) < time.Minute {
			renewed.ExpiresAt = time.Now().Add(c.opts.AuthTTL)
		}
		if err := c.Authenticate(c.ctx, renewed); err != nil {
			c.log.WithError(err).Warn("ClearNode re-authentication failed")
		}
	}()
}

func (c *Client) giveUp(cause error) {
	c.mu.Lock()
	c.err = apperr.ConnectionFailed(cause, "ClearNode reconnect attempts exhausted")
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.log.WithError(cause).Error("❌ Giving up on ClearNode connection")
}

// Disconnect rejects all pending requests, closes the transport with a
// normal closure and stops background goroutines. The client cannot be
// reconnected afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	c.failPendingLocked(apperr.ConnectionFailed(nil, "ClearNode client disconnected"))
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}

	c.cancel()
	c.wg.Wait()
}
