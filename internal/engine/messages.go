package engine

import (
	"context"

	"conduit/internal/api"
	"conduit/internal/donkey"
	"conduit/internal/message"
)

// MessageBundle is a full message read model: header, connector rows and
// content snapshots.
type MessageBundle struct {
	Message    *message.Message           `json:"message"`
	Connectors []message.ConnectorMessage `json:"connectors"`
	Content    []message.Snapshot         `json:"content,omitempty"`
}

// BrowseMessages pages through a channel's stored messages, newest first.
func (e *Engine) BrowseMessages(channelID string, filter donkey.QueryFilter, offset, limit int) ([]message.Message, error) {
	if _, ok := e.lookup(channelID); !ok {
		return nil, api.NewChannelNotFoundError(channelID)
	}
	return e.store.Query(channelID, filter, offset, limit)
}

// GetMessageBundle loads one message with its connector rows and content,
// truncating each content body to maxContentLength bytes (<= 0: no bound).
func (e *Engine) GetMessageBundle(channelID string, messageID int64, maxContentLength int) (*MessageBundle, error) {
	if _, ok := e.lookup(channelID); !ok {
		return nil, api.NewChannelNotFoundError(channelID)
	}
	msg, err := e.store.GetMessage(channelID, messageID)
	if err != nil {
		return nil, err
	}
	connectors, err := e.store.ConnectorMessages(channelID, messageID)
	if err != nil {
		return nil, err
	}
	contents, err := e.store.MessageContent(channelID, messageID)
	if err != nil {
		return nil, err
	}

	bundle := &MessageBundle{Message: msg, Connectors: connectors}
	for _, content := range contents {
		bundle.Content = append(bundle.Content, content.Truncate(maxContentLength))
	}
	return bundle, nil
}

// SendMessage submits a raw message to a channel as if its source had
// received it. sourceMap entries ride along; a non-nil destinations slice
// limits the chain to those metadata ids.
func (e *Engine) SendMessage(ctx context.Context, channelID, raw string, sourceMap message.SourceMap, destinations []int) (*message.Response, int64, error) {
	ch, err := e.Channel(channelID)
	if err != nil {
		return nil, 0, err
	}
	return ch.Dispatch(ctx, raw, sourceMap, destinations)
}

// ReprocessMessage runs a stored message through its channel again; the new
// message records the old id as its original.
func (e *Engine) ReprocessMessage(channelID string, messageID int64) (*message.Response, int64, error) {
	ch, err := e.Channel(channelID)
	if err != nil {
		return nil, 0, err
	}
	return ch.Reprocess(messageID)
}

// RemoveMessage deletes one message and everything hanging off it.
func (e *Engine) RemoveMessage(channelID string, messageID int64) error {
	if _, ok := e.lookup(channelID); !ok {
		return api.NewChannelNotFoundError(channelID)
	}
	return e.store.RemoveMessage(channelID, messageID)
}

// RemoveAllMessages clears a channel's message tables in one transaction.
func (e *Engine) RemoveAllMessages(channelID string) error {
	if _, ok := e.lookup(channelID); !ok {
		return api.NewChannelNotFoundError(channelID)
	}
	return e.store.RemoveAllMessages(channelID)
}

// Statistics returns the channel's counter snapshot.
func (e *Engine) Statistics(channelID string) (api.StatisticsView, error) {
	if _, ok := e.lookup(channelID); !ok {
		return api.StatisticsView{}, api.NewChannelNotFoundError(channelID)
	}
	return e.store.GetStatistics(channelID)
}

// ResetStatistics zeroes every counter of the channel.
func (e *Engine) ResetStatistics(channelID string) error {
	if _, ok := e.lookup(channelID); !ok {
		return api.NewChannelNotFoundError(channelID)
	}
	return e.store.ResetStatistics(channelID)
}

// ClearStatistics zeroes the counters of one connector.
func (e *Engine) ClearStatistics(channelID string, metadataID int) error {
	if _, ok := e.lookup(channelID); !ok {
		return api.NewChannelNotFoundError(channelID)
	}
	return e.store.ClearStatistics(channelID, metadataID)
}

// StoreAttachment saves a binary attachment against a stored message.
func (e *Engine) StoreAttachment(channelID string, messageID int64, attachmentID string, data []byte) error {
	if _, ok := e.lookup(channelID); !ok {
		return api.NewChannelNotFoundError(channelID)
	}
	if _, err := e.store.GetMessage(channelID, messageID); err != nil {
		return err
	}
	return e.store.PutAttachment(channelID, &donkey.Attachment{
		ID:        attachmentID,
		MessageID: messageID,
		Data:      data,
	})
}

// GetAttachment loads an attachment, rejoined from its stored segments.
func (e *Engine) GetAttachment(channelID, attachmentID string) (*donkey.Attachment, error) {
	if _, ok := e.lookup(channelID); !ok {
		return nil, api.NewChannelNotFoundError(channelID)
	}
	return e.store.GetAttachment(channelID, attachmentID)
}
