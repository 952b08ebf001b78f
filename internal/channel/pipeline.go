package channel

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/connector"
	"conduit/internal/message"
	"conduit/internal/script"
	"conduit/pkg/logging"
)

// destResult is the outcome of one destination's work on one message.
type destResult struct {
	MetadataID int
	Status     message.Status
	Response   message.Response
}

// ProcessRawMessage drives one inbound raw message through the pipeline:
// persist, source filter/transform, destination chain, response selection.
// It is the dispatch upcall wired into the source connector and the entry
// point for the engine's dispatch adapter.
func (c *Channel) ProcessRawMessage(ctx context.Context, raw string, sourceMap message.SourceMap) (*message.Response, error) {
	resp, _, err := c.Dispatch(ctx, raw, sourceMap, nil)
	return resp, err
}

// Dispatch is ProcessRawMessage with a destination filter and an explicit
// message id return. A non-nil destinations slice restricts the chain to
// those metadata ids; everything else is marked FILTERED.
func (c *Channel) Dispatch(ctx context.Context, raw string, sourceMap message.SourceMap, destinations []int) (*message.Response, int64, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer c.slots.Release(1)
	c.inflight.Add(1)
	defer c.inflight.Done()

	var id int64
	resp, err := c.process(raw, sourceMap, nil, &id, destFilter(destinations))
	return resp, id, err
}

// destFilter turns the metadata-id list into a membership set; nil means
// no restriction.
func destFilter(destinations []int) map[int]bool {
	if destinations == nil {
		return nil
	}
	filter := make(map[int]bool, len(destinations))
	for _, id := range destinations {
		filter[id] = true
	}
	return filter
}

// Reprocess re-dispatches a stored message. The new message records the old
// one as its original.
func (c *Channel) Reprocess(originalID int64) (*message.Response, int64, error) {
	rawContent, err := c.store.GetContent(c.id, originalID, 0, message.ContentRaw)
	if err != nil {
		return nil, 0, err
	}
	if rawContent == nil {
		return nil, 0, api.NewMessageNotFoundError(c.id, originalID)
	}
	sourceMap := message.SourceMap{}
	if smContent, err := c.store.GetContent(c.id, originalID, 0, message.ContentSourceMap); err == nil && smContent != nil {
		if m, err := message.ParseSourceMap(smContent.Content); err == nil {
			sourceMap = m
		}
	}

	c.inflight.Add(1)
	defer c.inflight.Done()
	var newID int64
	resp, err := c.process(rawContent.Content, sourceMap, &originalID, &newID, nil)
	return resp, newID, err
}

// ImportMessage stores a message without processing it; importID is its id
// in the source system. Content rows are stored verbatim, keeping the data
// type labels they carried in the source system. Imported messages do not
// count as RECEIVED.
func (c *Channel) ImportMessage(contents []message.Content, importID int64) (int64, error) {
	id, err := c.store.NextMessageID(c.id)
	if err != nil {
		return 0, err
	}
	msg := &message.Message{
		ChannelID:    c.id,
		ID:           id,
		ServerID:     c.store.ServerID(),
		ReceivedDate: time.Now().UTC(),
		Processed:    true,
		ImportID:     &importID,
	}
	if err := c.store.InsertMessage(c.id, msg); err != nil {
		return 0, err
	}
	for _, content := range contents {
		content.MessageID = id
		if err := c.store.UpsertContent(c.id, &content); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (c *Channel) dataType() string {
	if c.cfg.Source.DataType != "" {
		return c.cfg.Source.DataType
	}
	return "RAW"
}

func (c *Channel) storageMode() string {
	if c.cfg.MessageStorageMode == "" {
		return config.StorageDevelopment
	}
	return c.cfg.MessageStorageMode
}

// persistContent writes a content row unless the storage mode excludes it.
// Failures are logged, never fatal to the message.
func (c *Channel) persistContent(messageID int64, metadataID int, kind message.ContentType, content, dataType string) {
	mode := c.storageMode()
	if mode == config.StorageMetadata {
		return
	}
	if mode == config.StorageProduction && kind.IsMap() {
		return
	}
	err := c.store.UpsertContent(c.id, &message.Content{
		MessageID:   messageID,
		MetadataID:  metadataID,
		ContentType: kind,
		Content:     content,
		DataType:    dataType,
	})
	if err != nil {
		logging.Error("Channel", err, "%s: persisting content %d for message %d", c.name, kind, messageID)
	}
}

func (c *Channel) bumpStats(metadataID int, status message.Status) {
	if err := c.store.IncrementStats(c.id, metadataID, status, 1); err != nil {
		logging.Error("Channel", err, "%s: statistics update failed", c.name)
	}
}

// process runs the pipeline for one raw message. originalID is set on
// reprocess; newID receives the assigned message id when non-nil; a non-nil
// filter restricts the destination chain.
func (c *Channel) process(raw string, sourceMap message.SourceMap, originalID, newID *int64, filter map[int]bool) (*message.Response, error) {
	id, err := c.store.NextMessageID(c.id)
	if err != nil {
		return nil, err
	}
	if newID != nil {
		*newID = id
	}
	now := time.Now().UTC()

	msg := &message.Message{
		ChannelID:    c.id,
		ID:           id,
		ServerID:     c.store.ServerID(),
		ReceivedDate: now,
		OriginalID:   originalID,
	}
	if err := c.store.InsertMessage(c.id, msg); err != nil {
		return nil, err
	}
	sourceCM := &message.ConnectorMessage{
		MessageID:     id,
		MetadataID:    0,
		ConnectorName: c.source.Name(),
		ReceivedDate:  now,
		Status:        message.StatusReceived,
	}
	if err := c.store.InsertConnectorMessage(c.id, sourceCM); err != nil {
		return nil, err
	}
	c.bumpStats(0, message.StatusReceived)

	if sourceMap == nil {
		sourceMap = message.SourceMap{}
	}
	c.persistContent(id, 0, message.ContentRaw, raw, c.dataType())
	if encoded, err := sourceMap.Encode(); err == nil {
		c.persistContent(id, 0, message.ContentSourceMap, encoded, "JSON")
	}

	view := script.NewView(raw, sourceMap)
	view.ChannelID = c.id
	view.MessageID = id

	finish := func(resp *message.Response) *message.Response {
		if resp != nil {
			resp.MessageID = id
			if resp.Content != "" {
				c.persistContent(id, 0, message.ContentResponse, resp.Content, c.dataType())
			}
		}
		if err := c.store.MarkProcessed(c.id, id); err != nil {
			logging.Error("Channel", err, "%s: marking message %d processed", c.name, id)
		}
		c.events.Publish(api.Event{
			Type:      api.EventMessageComplete,
			ChannelID: c.id,
			MessageID: id,
			Timestamp: time.Now(),
		})
		return resp
	}

	// Source filter.
	filterResult := c.executor.RunFilter(c.id, 0, view)
	if filterResult.Error != "" {
		c.connectorError(sourceCM, filterResult.Error)
		return finish(&message.Response{Status: message.StatusError, Error: filterResult.Error}), nil
	}
	if !filterResult.Accept {
		c.updateStatus(sourceCM, message.StatusFiltered)
		c.bumpStats(0, message.StatusFiltered)
		return finish(&message.Response{Status: message.StatusFiltered}), nil
	}

	// Source transformer.
	transformResult := c.executor.RunTransformer(c.id, 0, view)
	if transformResult.Error != "" {
		c.connectorError(sourceCM, transformResult.Error)
		return finish(&message.Response{Status: message.StatusError, Error: transformResult.Error}), nil
	}
	view.Encoded = view.Transformed
	c.updateStatus(sourceCM, message.StatusTransformed)
	c.persistContent(id, 0, message.ContentTransformed, view.Transformed, c.dataType())
	if encoded, err := view.SourceMap.Encode(); err == nil {
		c.persistContent(id, 0, message.ContentSourceMap, encoded, "JSON")
	}
	if channelMap, err := message.EncodeMap(view.ChannelMap); err == nil {
		c.persistContent(id, 0, message.ContentChannelMap, channelMap, "JSON")
	}

	// Destination chain.
	haltCtx := c.currentHaltCtx()
	results := c.executeChain(haltCtx, view, filter)

	// Response selection and source response transformer.
	resp := c.selectResponse(view, results)
	if resp != nil {
		view.Response = resp.Content
		rtResult := c.executor.RunResponseTransformer(c.id, 0, view)
		if rtResult.Error != "" {
			logging.Warn("Channel", "%s: source response transformer: %s", c.name, rtResult.Error)
			c.persistContent(id, 0, message.ContentResponseError, rtResult.Error, "")
		} else if view.ResponseTransformed != "" {
			resp.Content = view.ResponseTransformed
			c.persistContent(id, 0, message.ContentResponseTransformed, view.ResponseTransformed, c.dataType())
		}
	}

	return finish(resp), nil
}

func (c *Channel) currentHaltCtx() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.haltCtx != nil {
		return c.haltCtx
	}
	return context.Background()
}

// updateStatus persists a connector status transition.
func (c *Channel) updateStatus(cm *message.ConnectorMessage, status message.Status) {
	cm.Status = status
	if err := c.store.UpdateConnectorStatus(c.id, cm); err != nil {
		logging.Error("Channel", err, "%s: persisting status %s for %d/%d",
			c.name, status, cm.MessageID, cm.MetadataID)
	}
}

// connectorError records a processing error on a connector row.
func (c *Channel) connectorError(cm *message.ConnectorMessage, detail string) {
	c.persistError(cm.MessageID, cm.MetadataID, detail)
	c.updateStatus(cm, message.StatusError)
	c.bumpStats(cm.MetadataID, message.StatusError)
}

// persistError always stores PROCESSING_ERROR content, regardless of the
// storage mode: an error trail must survive even metadata-only channels.
func (c *Channel) persistError(messageID int64, metadataID int, detail string) {
	err := c.store.UpsertContent(c.id, &message.Content{
		MessageID:   messageID,
		MetadataID:  metadataID,
		ContentType: message.ContentProcessingError,
		Content:     detail,
	})
	if err != nil {
		logging.Error("Channel", err, "%s: persisting error content for message %d", c.name, messageID)
	}
}

// executeChain runs the destination waves. Destinations within a wave run
// in parallel; the next wave starts only after every destination in the
// previous wave reached a terminal status or was handed to its queue.
func (c *Channel) executeChain(ctx context.Context, view *script.View, filter map[int]bool) []destResult {
	var results []destResult
	upstreamError := false

	for _, wave := range c.waves {
		waveResults := make([]destResult, len(wave))
		group, groupCtx := errgroup.WithContext(ctx)
		for i, dest := range wave {
			i, dest := i, dest
			group.Go(func() error {
				skip := upstreamError && dest.Config.SkipOnUpstreamError
				if filter != nil && !filter[dest.MetadataID] {
					skip = true
				}
				waveResults[i] = c.runDestination(groupCtx, view, dest, skip)
				return nil
			})
		}
		group.Wait()

		for _, r := range waveResults {
			results = append(results, r)
			if r.Status == message.StatusError {
				upstreamError = true
			}
		}
	}
	return results
}

// destView builds the destination's own mutable view over the source's
// encoded output. Maps are copied so parallel destinations never share
// mutable state.
func destView(source *script.View) *script.View {
	v := script.NewView(source.Raw, source.SourceMap.Clone())
	v.ChannelID = source.ChannelID
	v.MessageID = source.MessageID
	v.Transformed = source.Encoded
	for k, val := range source.ChannelMap {
		v.ChannelMap[k] = val
	}
	return v
}

// runDestination drives one destination: filter, transform, send or
// enqueue, response transform. Every transition is persisted. skip marks
// the destination FILTERED without running it.
func (c *Channel) runDestination(ctx context.Context, source *script.View, dest *Destination, skip bool) destResult {
	now := time.Now().UTC()
	cm := &message.ConnectorMessage{
		MessageID:     source.MessageID,
		MetadataID:    dest.MetadataID,
		ConnectorName: dest.Connector.Name(),
		ReceivedDate:  now,
		Status:        message.StatusReceived,
	}
	if err := c.store.InsertConnectorMessage(c.id, cm); err != nil {
		logging.Error("Channel", err, "%s: destination %s row not created", c.name, dest.Connector.Name())
		return destResult{MetadataID: dest.MetadataID, Status: message.StatusError}
	}

	if !dest.Config.IsEnabled() || skip {
		c.updateStatus(cm, message.StatusFiltered)
		c.bumpStats(dest.MetadataID, message.StatusFiltered)
		return destResult{MetadataID: dest.MetadataID, Status: message.StatusFiltered}
	}

	view := destView(source)

	filterResult := c.executor.RunFilter(c.id, dest.MetadataID, view)
	if filterResult.Error != "" {
		c.connectorError(cm, filterResult.Error)
		return destResult{MetadataID: dest.MetadataID, Status: message.StatusError,
			Response: message.Response{Status: message.StatusError, Error: filterResult.Error}}
	}
	if !filterResult.Accept {
		c.updateStatus(cm, message.StatusFiltered)
		c.bumpStats(dest.MetadataID, message.StatusFiltered)
		return destResult{MetadataID: dest.MetadataID, Status: message.StatusFiltered}
	}

	transformResult := c.executor.RunTransformer(c.id, dest.MetadataID, view)
	if transformResult.Error != "" {
		c.connectorError(cm, transformResult.Error)
		return destResult{MetadataID: dest.MetadataID, Status: message.StatusError,
			Response: message.Response{Status: message.StatusError, Error: transformResult.Error}}
	}
	view.Encoded = view.Transformed
	c.updateStatus(cm, message.StatusTransformed)
	c.persistContent(cm.MessageID, dest.MetadataID, message.ContentEncoded, view.Encoded, c.dataType())

	// First send attempt, synchronous.
	result := dest.Connector.Send(ctx, view)
	cm.SendAttempts = 1
	sendDate := time.Now().UTC()
	cm.SendDate = &sendDate

	if result.Status == message.StatusSent {
		return c.completeSend(cm, dest, view, result)
	}

	if dest.Config.QueueEnabled {
		c.updateStatus(cm, message.StatusQueued)
		c.bumpStats(dest.MetadataID, message.StatusQueued)
		c.persistContent(cm.MessageID, dest.MetadataID, message.ContentSent, view.Encoded, c.dataType())
		if dest.queue != nil {
			dest.queue.wake()
		}
		return destResult{MetadataID: dest.MetadataID, Status: message.StatusQueued}
	}

	c.persistError(cm.MessageID, dest.MetadataID, result.Error)
	c.updateStatus(cm, message.StatusError)
	c.bumpStats(dest.MetadataID, message.StatusError)
	return destResult{MetadataID: dest.MetadataID, Status: message.StatusError,
		Response: message.Response{Status: message.StatusError, Error: result.Error}}
}

// completeSend persists a successful send: SENT and RESPONSE content, the
// response transformer pass, the S transition and statistics.
func (c *Channel) completeSend(cm *message.ConnectorMessage, dest *Destination, view *script.View, result connector.SendResult) destResult {
	responseDate := time.Now().UTC()
	cm.ResponseDate = &responseDate

	c.persistContent(cm.MessageID, dest.MetadataID, message.ContentSent, view.Encoded, c.dataType())
	if result.ResponseContent != "" {
		c.persistContent(cm.MessageID, dest.MetadataID, message.ContentResponse, result.ResponseContent, c.dataType())
	}

	view.Sent = view.Encoded
	view.Response = result.ResponseContent
	rtResult := c.executor.RunResponseTransformer(c.id, dest.MetadataID, view)
	if rtResult.Error != "" {
		logging.Warn("Channel", "%s: destination %s response transformer: %s",
			c.name, dest.Connector.Name(), rtResult.Error)
		c.persistError(cm.MessageID, dest.MetadataID, rtResult.Error)
	} else if view.ResponseTransformed != "" {
		c.persistContent(cm.MessageID, dest.MetadataID, message.ContentResponseTransformed,
			view.ResponseTransformed, c.dataType())
	}

	c.updateStatus(cm, message.StatusSent)
	c.bumpStats(dest.MetadataID, message.StatusSent)

	responseContent := result.ResponseContent
	if view.ResponseTransformed != "" {
		responseContent = view.ResponseTransformed
	}
	return destResult{
		MetadataID: dest.MetadataID,
		Status:     message.StatusSent,
		Response: message.Response{
			Status:        message.StatusSent,
			Content:       responseContent,
			StatusMessage: result.ResponseStatus,
		},
	}
}
