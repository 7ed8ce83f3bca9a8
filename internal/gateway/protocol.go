package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame types on the wire.
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

const (
	EventChallenge = "connect.challenge"
	MethodConnect  = "connect"
	MethodAgent    = "agent"

	statusAccepted = "accepted"
)

var (
	ErrNotConnected = errors.New("gateway: not connected")
	ErrDisconnected = errors.New("gateway: disconnected")
	ErrCircuitOpen  = errors.New("gateway: circuit open")
	ErrCallTimeout  = errors.New("gateway: call timed out")
	ErrClosed       = errors.New("gateway: client closed")
)

type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// frame is any inbound message: a response or an event.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

type Auth struct {
	Token string `json:"token"`
}

type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Auth        *Auth      `json:"auth,omitempty"`
}

// AgentParams asks the remote agent to process a message.
type AgentParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
	Deliver        bool   `json:"deliver"`
}

// Response is a terminal ok frame. Accepted holds the payload of the
// intermediate "accepted" frame of a two-frame call, if one arrived.
type Response struct {
	Payload  json.RawMessage
	Accepted json.RawMessage
}

// RPCError is an ok:false response.
type RPCError struct {
	Method  string
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s (%s)", e.Method, e.Message, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s", e.Method, e.Message)
}

func parseRPCError(method string, raw json.RawMessage) *RPCError {
	e := &RPCError{Method: method}
	if len(raw) == 0 {
		e.Message = "request failed"
		return e
	}
	if err := json.Unmarshal(raw, e); err == nil && (e.Message != "" || e.Code != "") {
		return e
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		e.Message = s
		return e
	}
	e.Message = string(raw)
	return e
}
