package gateway

import "time"

// StreamEvent is one step of a streamed exchange: Delta, Complete, Error or Idle.
// Exactly one Complete or Error ends a stream.
type StreamEvent interface {
	streamEvent()
}

// Delta carries the next piece of reply text.
type Delta struct {
	Text string
}

// Complete ends a successful stream. Response holds the full reply and the
// continuity key for the next call.
type Complete struct {
	Response Response
}

// Error ends a failed stream.
type Error struct {
	Message string
}

// Idle reports that no event arrived within one read interval. Elapsed is measured
// from the start of the exchange.
type Idle struct {
	Elapsed time.Duration
}

func (Delta) streamEvent()    {}
func (Complete) streamEvent() {}
func (Error) streamEvent()    {}
func (Idle) streamEvent()     {}
