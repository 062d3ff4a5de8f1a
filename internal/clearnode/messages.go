package clearnode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RPC methods spoken by this client.
const (
	MethodAuthRequest      = "auth_request"
	MethodAuthChallenge    = "auth_challenge"
	MethodAuthVerify       = "auth_verify"
	MethodCreateAppSession = "create_app_session"
	MethodSubmitAppState   = "submit_app_state"
	MethodCloseAppSession  = "close_app_session"
	MethodGetLedgerBalance = "get_ledger_balances"
	MethodPing             = "ping"

	// server push
	MethodBalanceUpdate    = "bu"
	MethodAppSessionUpdate = "asu"
	MethodError            = "error"
)

// requestEnvelope is {"req":[id,method,params,ts],"sig":[...]}. Req holds
// the exact bytes that were signed.
type requestEnvelope struct {
	Req json.RawMessage `json:"req"`
	Sig []string        `json:"sig"`
}

func encodeRequestPayload(id uint64, method string, params any, ts int64) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	return json.Marshal([]any{id, method, params, ts})
}

// Frame is one decoded inbound message.
type Frame interface {
	frame()
}

// Response is a {"res":[id,method,result]} frame.
type Response struct {
	ID     uint64
	Method string
	Result json.RawMessage
}

// RPCError is an {"err":[id,code,message]} frame, or a res frame whose
// method is "error".
type RPCError struct {
	ID      uint64
	Code    string
	Message string
}

// Unrecognized is anything else the server sends.
type Unrecognized struct {
	Raw    []byte
	Reason string
}

func (Response) frame()     {}
func (*RPCError) frame()    {}
func (Unrecognized) frame() {}

func (e *RPCError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("clearnode rpc error: %s", e.Message)
	}
	return fmt.Sprintf("clearnode rpc error %s: %s", e.Code, e.Message)
}

type inboundFrame struct {
	Res []json.RawMessage `json:"res"`
	Err []json.RawMessage `json:"err"`
}

func decodeFrame(data []byte) Frame {
	var in inboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return Unrecognized{Raw: data, Reason: err.Error()}
	}

	switch {
	case len(in.Res) >= 2:
		id, err := decodeID(in.Res[0])
		if err != nil {
			return Unrecognized{Raw: data, Reason: err.Error()}
		}
		var method string
		if err := json.Unmarshal(in.Res[1], &method); err != nil {
			return Unrecognized{Raw: data, Reason: "method is not a string"}
		}
		var result json.RawMessage
		if len(in.Res) > 2 {
			result = in.Res[2]
		}
		if method == MethodError {
			return &RPCError{ID: id, Message: errorMessage(result)}
		}
		return Response{ID: id, Method: method, Result: result}

	case len(in.Err) >= 2:
		id, err := decodeID(in.Err[0])
		if err != nil {
			return Unrecognized{Raw: data, Reason: err.Error()}
		}
		rpcErr := &RPCError{ID: id, Code: scalarString(in.Err[1])}
		if len(in.Err) > 2 {
			rpcErr.Message = scalarString(in.Err[2])
		} else {
			rpcErr.Message = rpcErr.Code
			rpcErr.Code = ""
		}
		return rpcErr
	}

	return Unrecognized{Raw: data, Reason: "neither res nor err"}
}

func decodeID(raw json.RawMessage) (uint64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, fmt.Errorf("request id is not a number")
	}
	id, err := strconv.ParseUint(n.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("request id %s: %w", n, err)
	}
	return id, nil
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

func errorMessage(result json.RawMessage) string {
	var obj struct {
		Error string `json:"error"`
	}
	if err := decodeResult(result, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	return scalarString(result)
}

// decodeResult unmarshals result into v. Results wrapped in a one-element
// array are unwrapped first.
func decodeResult(result json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(result)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			return fmt.Errorf("empty result")
		}
		trimmed = items[0]
	}
	return json.Unmarshal(trimmed, v)
}

// DecodeResult is decodeResult for callers outside the package.
func DecodeResult(result json.RawMessage, v any) error {
	return decodeResult(result, v)
}

// authRequestParams is the auth_request payload.
type authRequestParams struct {
	Wallet      string          `json:"wallet"`
	SessionKey  string          `json:"session_key"`
	Application string          `json:"application"`
	Scope       string          `json:"scope"`
	Allowances  []allowanceWire `json:"allowances"`
	ExpiresAt   uint64          `json:"expires_at"`
}

type allowanceWire struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

type authChallenge struct {
	ChallengeMessage string `json:"challenge_message"`
	Challenge        string `json:"challenge"`
}

func (c authChallenge) value() string {
	if c.ChallengeMessage != "" {
		return c.ChallengeMessage
	}
	return c.Challenge
}

type authVerifyParams struct {
	Signature string `json:"signature"`
}

type authVerifyResult struct {
	Success    *bool  `json:"success"`
	Address    string `json:"address"`
	SessionKey string `json:"session_key"`
}
