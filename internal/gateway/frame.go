package gateway

import (
	"encoding/json"
	"strings"
)

// Protocol is the gateway protocol version this client speaks.
const Protocol = 3

// Frame types.
const (
	frameReq   = "req"
	frameRes   = "res"
	frameEvent = "event"
)

// Gateway event names and agent stream names.
const (
	eventChallenge = "connect.challenge"
	eventAgent     = "agent"

	streamAssistant = "assistant"
	streamLifecycle = "lifecycle"

	phaseEnd   = "end"
	phaseError = "error"

	statusAccepted = "accepted"
)

// frame is the envelope of every gateway message.
type frame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *frameError     `json:"error,omitempty"`   // response error
}

// ok reports whether a res frame succeeded.
func (f frame) ok() bool {
	return f.OK != nil && *f.OK && f.Error == nil
}

// errorMessage returns the error text of a failed res frame.
func (f frame) errorMessage() string {
	if f.Error != nil && f.Error.Message != "" {
		if f.Error.Code != "" {
			return f.Error.Code + ": " + f.Error.Message
		}
		return f.Error.Message
	}
	return "request failed"
}

type frameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// connectParams is sent as the "connect" request.
type connectParams struct {
	MinProtocol int           `json:"minProtocol"`
	MaxProtocol int           `json:"maxProtocol"`
	Client      connectClient `json:"client"`
	Auth        *connectAuth  `json:"auth,omitempty"`
	Role        string        `json:"role"`
	Scopes      []string      `json:"scopes"`
	Caps        []string      `json:"caps"`
}

type connectClient struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type connectAuth struct {
	Token string `json:"token,omitempty"`
}

// agentParams is the "agent" request params.
type agentParams struct {
	Message        string `json:"message"`
	SessionKey     string `json:"sessionKey"`
	AgentID        string `json:"agentId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey"`
	Timeout        int    `json:"timeout,omitempty"`
}

// agentResult is the payload of both the acknowledgement and the final "agent" response.
type agentResult struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	SessionKey string `json:"sessionKey,omitempty"`
	Summary    string `json:"summary,omitempty"`
	Result     struct {
		Payloads []struct {
			Text string `json:"text"`
		} `json:"payloads"`
	} `json:"result"`
}

// text joins the non-empty payload texts with a blank line.
func (r agentResult) text() string {
	var parts []string
	for _, p := range r.Result.Payloads {
		if p.Text != "" {
			parts = append(parts, p.Text)
		}
	}
	if len(parts) == 0 {
		return r.Summary
	}
	return strings.Join(parts, "\n\n")
}

// agentEvent is the payload of an "agent" event.
type agentEvent struct {
	RunID  string `json:"runId"`
	Seq    int    `json:"seq,omitempty"`
	Stream string `json:"stream"`
	Data   struct {
		Delta string `json:"delta,omitempty"`
		Text  string `json:"text,omitempty"`
		Phase string `json:"phase,omitempty"`
		Error string `json:"error,omitempty"`
	} `json:"data"`
}
