// Package script defines the contract between the engine and the scripting
// host that runs filter rules and transformer steps. The engine treats the
// executor as opaque: it may be per-channel or pooled, and must be safe to
// invoke from any worker goroutine.
package script

import (
	"fmt"

	"conduit/internal/message"
)

// View is the mutable message view a filter or transformer operates on.
// Transformers mutate Transformed, ChannelMap and SourceMap in place;
// response transformers mutate ResponseTransformed and ResponseMap.
type View struct {
	// ChannelID and MessageID identify the message this view belongs to.
	ChannelID string
	MessageID int64

	Raw                 string
	Transformed         string
	Encoded             string
	Sent                string
	Response            string
	ResponseTransformed string

	ChannelMap   map[string]interface{}
	ConnectorMap map[string]interface{}
	SourceMap    message.SourceMap
	ResponseMap  map[string]interface{}

	// MetadataColumns carries values destined for the channel's custom
	// metadata columns.
	MetadataColumns map[string]interface{}
}

// NewView builds a view seeded with the raw payload and source map.
func NewView(raw string, sourceMap message.SourceMap) *View {
	if sourceMap == nil {
		sourceMap = message.SourceMap{}
	}
	return &View{
		Raw:             raw,
		Transformed:     raw,
		ChannelMap:      map[string]interface{}{},
		ConnectorMap:    map[string]interface{}{},
		SourceMap:       sourceMap,
		ResponseMap:     map[string]interface{}{},
		MetadataColumns: map[string]interface{}{},
	}
}

// FilterResult is the outcome of running a connector's filter rules.
type FilterResult struct {
	// Accept must be true for processing to proceed; false marks the
	// connector message FILTERED.
	Accept bool
	// Error is non-empty when a rule failed. Control never unwinds out of
	// the executor; a panic inside a rule becomes an Error here.
	Error string
}

// TransformResult is the outcome of running transformer steps.
type TransformResult struct {
	Error string
}

// Executor runs user-supplied filter rules and transformer steps over a
// message view.
type Executor interface {
	RunFilter(channelID string, metadataID int, view *View) FilterResult
	RunTransformer(channelID string, metadataID int, view *View) TransformResult
	RunResponseTransformer(channelID string, metadataID int, view *View) TransformResult
}

// FilterFunc is one filter rule of the built-in executor.
type FilterFunc func(view *View) (bool, error)

// TransformFunc is one transformer step of the built-in executor.
type TransformFunc func(view *View) error

// ChainExecutor is the built-in Executor: ordered Go functions registered
// per (channel, metadata id). Channels deploy against it when no external
// scripting engine is wired in, and tests use it as a scripted double.
// A nil-registered slot accepts everything and transforms nothing.
type ChainExecutor struct {
	filters              map[string][]FilterFunc
	transformers         map[string][]TransformFunc
	responseTransformers map[string][]TransformFunc
}

// NewChainExecutor returns an empty chain executor.
func NewChainExecutor() *ChainExecutor {
	return &ChainExecutor{
		filters:              map[string][]FilterFunc{},
		transformers:         map[string][]TransformFunc{},
		responseTransformers: map[string][]TransformFunc{},
	}
}

func slot(channelID string, metadataID int) string {
	return fmt.Sprintf("%s/%d", channelID, metadataID)
}

// AddFilter appends a filter rule for the given connector.
func (e *ChainExecutor) AddFilter(channelID string, metadataID int, f FilterFunc) {
	key := slot(channelID, metadataID)
	e.filters[key] = append(e.filters[key], f)
}

// AddTransformer appends a transformer step for the given connector.
func (e *ChainExecutor) AddTransformer(channelID string, metadataID int, f TransformFunc) {
	key := slot(channelID, metadataID)
	e.transformers[key] = append(e.transformers[key], f)
}

// AddResponseTransformer appends a response transformer step for the given
// connector.
func (e *ChainExecutor) AddResponseTransformer(channelID string, metadataID int, f TransformFunc) {
	key := slot(channelID, metadataID)
	e.responseTransformers[key] = append(e.responseTransformers[key], f)
}

// RunFilter evaluates the connector's rules in order. Every rule must
// accept; the first rejection or error stops the chain.
func (e *ChainExecutor) RunFilter(channelID string, metadataID int, view *View) (result FilterResult) {
	defer recoverInto(&result.Error)
	result.Accept = true
	for _, rule := range e.filters[slot(channelID, metadataID)] {
		accept, err := rule(view)
		if err != nil {
			return FilterResult{Error: err.Error()}
		}
		if !accept {
			return FilterResult{Accept: false}
		}
	}
	return result
}

// RunTransformer applies the connector's transformer steps in order.
func (e *ChainExecutor) RunTransformer(channelID string, metadataID int, view *View) (result TransformResult) {
	defer recoverInto(&result.Error)
	for _, step := range e.transformers[slot(channelID, metadataID)] {
		if err := step(view); err != nil {
			return TransformResult{Error: err.Error()}
		}
	}
	return result
}

// RunResponseTransformer applies the connector's response transformer steps
// in order.
func (e *ChainExecutor) RunResponseTransformer(channelID string, metadataID int, view *View) (result TransformResult) {
	defer recoverInto(&result.Error)
	for _, step := range e.responseTransformers[slot(channelID, metadataID)] {
		if err := step(view); err != nil {
			return TransformResult{Error: err.Error()}
		}
	}
	return result
}

// HasResponseTransformer reports whether any response transformer steps are
// registered for the connector.
func (e *ChainExecutor) HasResponseTransformer(channelID string, metadataID int) bool {
	return len(e.responseTransformers[slot(channelID, metadataID)]) > 0
}

// recoverInto converts a panic in a script step into a populated error
// field so control never unwinds past the executor call.
func recoverInto(dest *string) {
	if r := recover(); r != nil {
		*dest = fmt.Sprintf("script panic: %v", r)
	}
}
