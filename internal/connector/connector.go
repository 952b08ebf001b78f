// Package connector implements the source and destination connectors of
// the engine: TCP/MLLP, HTTP, file, database and the in-process (VM)
// channel-to-channel pair. Shared behavior (filter/transform invocation,
// statistics, persistence) lives in the channel runtime, not here; a
// connector only talks to its wire protocol.
package connector

import (
	"context"

	"conduit/internal/api"
	"conduit/internal/message"
	"conduit/internal/script"
)

// DispatchFunc is the upcall a source connector makes for each complete
// inbound message. It blocks until the channel has processed the message
// (or handed it to queues) and returns the response selected for the
// source.
type DispatchFunc func(ctx context.Context, raw string, sourceMap message.SourceMap) (*message.Response, error)

// Source accepts inbound messages and forwards them to the channel through
// the dispatch upcall.
type Source interface {
	// Name is the connector's display name, persisted on connector rows.
	Name() string

	// SetDispatch wires the channel's upcall. Called once before Start.
	SetDispatch(dispatch DispatchFunc)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Pause stops accepting new messages without releasing the listener;
	// Resume reverses it.
	Pause()
	Resume()

	// ListenerInfo returns the bound endpoint, or nil when the source has
	// no network listener.
	ListenerInfo() *api.ListenerInfo
}

// SendResult is the outcome of one destination send attempt.
type SendResult struct {
	Status          message.Status
	ResponseContent string
	ResponseStatus  string
	Error           string
}

// Destination writes a processed message to its wire protocol. Queueing and
// retry policy are owned by the channel runtime; Send performs exactly one
// attempt.
type Destination interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, view *script.View) SendResult
}

// DispatchResult is what the engine's dispatch adapter returns for an
// in-process routed message.
type DispatchResult struct {
	MessageID        int64
	SelectedResponse *message.Response
}

// VMRouter routes a message from one channel's destination into another
// channel's source. Implemented by the engine.
type VMRouter interface {
	DispatchRawMessage(ctx context.Context, targetChannelID, raw string, sourceMap message.SourceMap) (*DispatchResult, error)
}

// errorResult shapes a failed send.
func errorResult(err error) SendResult {
	return SendResult{Status: message.StatusError, Error: err.Error()}
}
