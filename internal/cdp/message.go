package cdp

import (
	"encoding/json"
	"fmt"
	"time"
)

// Request represents a CDP command request.
type Request struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Response represents a CDP command response.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event represents a CDP event notification.
type Event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Error represents a CDP protocol error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// PendingCommand is the command a Client is currently awaiting a response for.
type PendingCommand struct {
	ID     int64
	Method string
	Issued time.Time
}

// message is used internally to determine message type during parsing.
// ID is a pointer so a missing id can be told apart from id 0.
type message struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// parseMessage parses a raw CDP message and returns either a Response or Event.
// Returns (response, nil, nil) for command responses.
// Returns (nil, event, nil) for events (a method and no id).
// Returns (nil, nil, error) for anything else.
func parseMessage(data []byte) (*Response, *Event, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse CDP message: %w", err)
	}

	if msg.ID != nil {
		return &Response{
			ID:     *msg.ID,
			Result: msg.Result,
			Error:  msg.Error,
		}, nil, nil
	}

	if msg.Method != "" {
		return nil, &Event{
			Method: msg.Method,
			Params: msg.Params,
		}, nil
	}

	return nil, nil, fmt.Errorf("unknown CDP message format: %.200s", data)
}
