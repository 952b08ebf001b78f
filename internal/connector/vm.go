package connector

import (
	"context"
	"strings"
	"sync"

	"conduit/internal/api"
	"conduit/internal/message"
	"conduit/internal/script"
)

// ChannelReader is the no-network source of a channel that only receives
// from the in-process router. The engine delivers routed messages straight
// into the dispatch upcall via Deliver.
type ChannelReader struct {
	name     string
	dispatch DispatchFunc

	mu      sync.RWMutex
	started bool

	pause *pauseGate
}

// NewChannelReader builds the VM source.
func NewChannelReader(name string) *ChannelReader {
	if name == "" {
		name = "Channel Reader"
	}
	return &ChannelReader{name: name, pause: newPauseGate()}
}

func (r *ChannelReader) Name() string { return r.name }

func (r *ChannelReader) SetDispatch(dispatch DispatchFunc) { r.dispatch = dispatch }

func (r *ChannelReader) ListenerInfo() *api.ListenerInfo { return nil }

func (r *ChannelReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *ChannelReader) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = false
	return nil
}

func (r *ChannelReader) Pause()  { r.pause.Pause() }
func (r *ChannelReader) Resume() { r.pause.Resume() }

// Deliver injects a routed message. A paused reader blocks the sender until
// resumed or the sender's context ends; a stopped reader rejects the
// message.
func (r *ChannelReader) Deliver(ctx context.Context, raw string, sourceMap message.SourceMap) (*message.Response, error) {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return nil, api.NewTransportError("vm deliver", context.Canceled)
	}

	if err := r.pause.Wait(ctx); err != nil {
		return nil, api.NewTransportError("vm deliver", err)
	}
	return r.dispatch(ctx, raw, sourceMap)
}

// ChannelWriter is the in-process (VM) destination. On send it renders the
// payload template, extends the source-map provenance chain with the
// current hop, and dispatches into the target channel through the engine's
// router.
type ChannelWriter struct {
	name            string
	targetChannelID string
	template        string
	router          VMRouter
}

// NewChannelWriter builds the VM destination.
func NewChannelWriter(name, targetChannelID, template string, router VMRouter) *ChannelWriter {
	if name == "" {
		name = "Channel Writer"
	}
	return &ChannelWriter{
		name:            name,
		targetChannelID: targetChannelID,
		template:        template,
		router:          router,
	}
}

func (w *ChannelWriter) Name() string { return w.name }

func (w *ChannelWriter) TargetChannelID() string { return w.targetChannelID }

func (w *ChannelWriter) Start(ctx context.Context) error { return nil }
func (w *ChannelWriter) Stop(ctx context.Context) error  { return nil }

// Send routes the rendered payload into the target channel. A missing,
// undeployed or stopped target maps to ERROR, never a panic.
func (w *ChannelWriter) Send(ctx context.Context, view *script.View) SendResult {
	payload := view.Encoded
	if payload == "" {
		payload = view.Transformed
	}
	if w.template != "" {
		payload = strings.ReplaceAll(w.template, "${message}", payload)
	}

	sourceMap := view.SourceMap.Extend(view.ChannelID, view.MessageID)

	result, err := w.router.DispatchRawMessage(ctx, w.targetChannelID, payload, sourceMap)
	if err != nil {
		return errorResult(err)
	}

	out := SendResult{Status: message.StatusSent}
	if result.SelectedResponse != nil {
		out.ResponseContent = result.SelectedResponse.Content
		out.ResponseStatus = string(result.SelectedResponse.Status)
	}
	return out
}
