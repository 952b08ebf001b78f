package engine

import (
	"context"
	"fmt"

	"conduit/internal/api"
	"conduit/internal/connector"
	"conduit/internal/message"
)

// DispatchRawMessage routes a message into the named channel, implementing
// the router contract VM destinations hold. A missing, undeploying or
// stopped target is an error the caller maps to ERROR on its own connector
// row; a paused target blocks until resumed or the context ends.
func (e *Engine) DispatchRawMessage(ctx context.Context, targetChannelID, raw string, sourceMap message.SourceMap) (*connector.DispatchResult, error) {
	if depth := len(sourceMap.ChannelChain()); depth >= e.cfg.MaxVMDepth {
		return nil, fmt.Errorf("message exceeded the maximum routing depth of %d hops", e.cfg.MaxVMDepth)
	}

	ch, err := e.Channel(targetChannelID)
	if err != nil {
		return nil, err
	}
	switch ch.State() {
	case api.ChannelStarted, api.ChannelPaused, api.ChannelPausing, api.ChannelStarting:
	default:
		return nil, api.NewTransportError("vm dispatch",
			fmt.Errorf("target channel %s is %s", targetChannelID, ch.State()))
	}

	var resp *message.Response
	if reader, ok := ch.Source().(*connector.ChannelReader); ok {
		// The reader gates paused channels: delivery blocks until resume.
		resp, err = reader.Deliver(ctx, raw, sourceMap)
	} else {
		resp, err = ch.ProcessRawMessage(ctx, raw, sourceMap)
	}
	if err != nil {
		return nil, err
	}

	result := &connector.DispatchResult{SelectedResponse: resp}
	if resp != nil {
		result.MessageID = resp.MessageID
	}
	return result, nil
}
