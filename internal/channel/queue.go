package channel

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"conduit/internal/message"
	"conduit/internal/script"
	"conduit/pkg/logging"
)

const (
	defaultRetryInterval = 10 * time.Second
	defaultQueueWindow   = 1000
)

// destinationQueue retries failed destination sends. The durable state is
// the QUEUED connector rows in the channel's store; the queue itself only
// holds a wake signal, so queued messages survive restarts and never grow
// unbounded in memory. Messages drain oldest-first and a failing head
// blocks the rest, preserving delivery order.
type destinationQueue struct {
	channel  *Channel
	dest     *Destination
	interval time.Duration
	window   int

	wakeCh chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newDestinationQueue(c *Channel, dest *Destination) *destinationQueue {
	interval := defaultRetryInterval
	if dest.Config.RetryIntervalMS > 0 {
		interval = time.Duration(dest.Config.RetryIntervalMS) * time.Millisecond
	}
	window := defaultQueueWindow
	if dest.Config.QueueBufferSize > 0 {
		window = dest.Config.QueueBufferSize
	}
	return &destinationQueue{
		channel:  c,
		dest:     dest,
		interval: interval,
		window:   window,
		wakeCh:   make(chan struct{}, 1),
	}
}

// start launches the drain worker. The worker immediately reloads any
// QUEUED rows left over from a previous run.
func (q *destinationQueue) start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.run(ctx)
}

// stop halts the worker and waits for it to exit. Undelivered rows stay
// QUEUED in the store.
func (q *destinationQueue) stop() {
	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// wake nudges the worker without blocking the pipeline.
func (q *destinationQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}

func (q *destinationQueue) run(ctx context.Context) {
	defer close(q.done)

	wait := backoff.NewConstantBackOff(q.interval)

	// Drain once at startup for rows left over from before.
	q.drain(ctx)

	for {
		timer := time.NewTimer(wait.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
		q.drain(ctx)
	}
}

// drain attempts delivery for up to one window of QUEUED rows. It stops at
// the first failure so a dead endpoint does not reorder the queue.
func (q *destinationQueue) drain(ctx context.Context) {
	c := q.channel
	rows, err := c.store.QueuedConnectorMessages(c.id, q.dest.MetadataID, q.window)
	if err != nil {
		logging.Error("Queue", err, "%s: loading queued rows for %s", c.name, q.dest.Connector.Name())
		return
	}

	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		cm := &rows[i]

		view, err := q.rebuildView(cm.MessageID)
		if err != nil {
			logging.Error("Queue", err, "%s: rebuilding message %d for %s",
				c.name, cm.MessageID, q.dest.Connector.Name())
			c.persistError(cm.MessageID, q.dest.MetadataID, err.Error())
			c.updateStatus(cm, message.StatusError)
			c.bumpStats(q.dest.MetadataID, message.StatusError)
			continue
		}

		result := q.dest.Connector.Send(ctx, view)
		cm.SendAttempts++
		sendDate := time.Now().UTC()
		cm.SendDate = &sendDate

		if result.Status != message.StatusSent {
			// Persist the attempt count, keep the row QUEUED.
			c.updateStatus(cm, message.StatusQueued)
			return
		}

		c.completeSend(cm, q.dest, view, result)
	}
}

// rebuildView reconstitutes the destination's view from stored content: the
// encoded payload plus the source-side maps captured at processing time.
func (q *destinationQueue) rebuildView(messageID int64) (*script.View, error) {
	c := q.channel

	sourceMap := message.SourceMap{}
	if content, err := c.store.GetContent(c.id, messageID, 0, message.ContentSourceMap); err != nil {
		return nil, err
	} else if content != nil {
		if m, err := message.ParseSourceMap(content.Content); err == nil {
			sourceMap = m
		}
	}

	var raw string
	if content, err := c.store.GetContent(c.id, messageID, 0, message.ContentRaw); err != nil {
		return nil, err
	} else if content != nil {
		raw = content.Content
	}

	view := script.NewView(raw, sourceMap)
	view.ChannelID = c.id
	view.MessageID = messageID

	if content, err := c.store.GetContent(c.id, messageID, 0, message.ContentChannelMap); err != nil {
		return nil, err
	} else if content != nil {
		if m, err := message.ParseMap(content.Content); err == nil {
			view.ChannelMap = m
		}
	}

	// The payload queued for this destination is its SENT content; before
	// the first successful delivery it holds the encoded output.
	if content, err := c.store.GetContent(c.id, messageID, q.dest.MetadataID, message.ContentSent); err != nil {
		return nil, err
	} else if content != nil {
		view.Transformed = content.Content
		view.Encoded = content.Content
	} else if content, err := c.store.GetContent(c.id, messageID, q.dest.MetadataID, message.ContentEncoded); err != nil {
		return nil, err
	} else if content != nil {
		view.Transformed = content.Content
		view.Encoded = content.Content
	}

	return view, nil
}
