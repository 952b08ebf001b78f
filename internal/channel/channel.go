// Package channel implements the channel runtime: the lifecycle state
// machine, the per-message processing pipeline, destination chain
// execution, response selection, destination queues and start-time
// recovery. A Channel is the single source of truth for its own state;
// transitions are initiated only by its methods.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/connector"
	"conduit/internal/donkey"
	"conduit/internal/script"
	"conduit/pkg/logging"
)

// Destination pairs a destination connector with its runtime policy and
// queue.
type Destination struct {
	MetadataID int
	Config     config.Destination
	Connector  connector.Destination

	queue *destinationQueue
}

// Channel is one deployed channel.
type Channel struct {
	id       string
	name     string
	revision int
	cfg      *config.Channel

	store    *donkey.Donkey
	executor script.Executor
	events   api.EventSink

	source       connector.Source
	destinations []*Destination
	waves        [][]*Destination

	responder connector.AutoResponder

	// Concurrency limit for inbound messages.
	slots *semaphore.Weighted

	stopGrace time.Duration

	mu        sync.RWMutex
	state     api.ChannelState
	lastError error

	// haltCtx is tripped by Halt; in-flight destination sends observe it.
	haltCtx    context.Context
	haltCancel context.CancelFunc

	inflight sync.WaitGroup
}

// Options carries the collaborators a channel is built with.
type Options struct {
	Store     *donkey.Donkey
	Executor  script.Executor
	Events    api.EventSink
	StopGrace time.Duration
}

// New assembles a runtime channel from validated configuration and built
// connectors. The channel starts in DEPLOYING; the engine transitions it to
// STOPPED once deploy completes.
func New(cfg *config.Channel, source connector.Source, destinations []*Destination, opts Options) *Channel {
	threads := cfg.MaxProcessingThreads
	if threads <= 0 {
		threads = 1
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = 30 * time.Second
	}
	c := &Channel{
		id:           cfg.ID,
		name:         cfg.Name,
		revision:     cfg.Revision,
		cfg:          cfg,
		store:        opts.Store,
		executor:     opts.Executor,
		events:       opts.Events,
		source:       source,
		destinations: destinations,
		waves:        computeWaves(destinations),
		responder:    connector.HL7AutoResponder{},
		slots:        semaphore.NewWeighted(int64(threads)),
		stopGrace:    stopGrace,
		state:        api.ChannelDeploying,
	}
	for _, dest := range destinations {
		if dest.Config.QueueEnabled {
			dest.queue = newDestinationQueue(c, dest)
		}
	}
	source.SetDispatch(c.ProcessRawMessage)
	return c
}

// ID returns the channel id.
func (c *Channel) ID() string { return c.id }

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Config returns the validated configuration the channel was built from.
func (c *Channel) Config() *config.Channel { return c.cfg }

// State returns the current lifecycle state.
func (c *Channel) State() api.ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the most recent lifecycle error.
func (c *Channel) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastError
}

// ListenerInfo exposes the source's bound endpoint, if any.
func (c *Channel) ListenerInfo() *api.ListenerInfo {
	return c.source.ListenerInfo()
}

// Destinations returns the runtime destinations in metadata-id order.
func (c *Channel) Destinations() []*Destination { return c.destinations }

// Source returns the source connector. The engine's dispatch adapter uses
// it to deliver routed messages through the channel reader.
func (c *Channel) Source() connector.Source { return c.source }

// setState publishes the transition outside the lock.
func (c *Channel) setState(state api.ChannelState) {
	c.mu.Lock()
	old := c.state
	c.state = state
	c.mu.Unlock()
	if old != state {
		logging.Debug("Channel", "%s: %s -> %s", c.name, old, state)
		c.events.Publish(api.Event{
			Type:      api.EventChannelState,
			ChannelID: c.id,
			State:     state,
			Timestamp: time.Now(),
		})
	}
}

func (c *Channel) setError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

// MarkDeployed completes the DEPLOYING -> STOPPED transition. Called by the
// engine once tables exist and listeners are wired.
func (c *Channel) MarkDeployed() {
	c.setState(api.ChannelStopped)
}

// Start transitions STOPPED -> STARTING -> STARTED. Recovery runs first;
// connectors start destinations-first so the source never dispatches into a
// half-started pipeline. A start failure rolls back to STOPPED and is
// returned.
func (c *Channel) Start(ctx context.Context) error {
	if state := c.State(); state != api.ChannelStopped {
		return fmt.Errorf("cannot start channel %s in state %s", c.name, state)
	}
	c.setState(api.ChannelStarting)

	if err := c.recover(); err != nil {
		logging.Error("Recovery", err, "channel %s: recovery incomplete", c.name)
	}

	haltCtx, haltCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.haltCtx = haltCtx
	c.haltCancel = haltCancel
	c.mu.Unlock()

	started := make([]*Destination, 0, len(c.destinations))
	fail := func(err error) error {
		c.setError(err)
		c.setState(api.ChannelStopping)
		for _, dest := range started {
			dest.Connector.Stop(ctx)
		}
		haltCancel()
		c.setState(api.ChannelStopped)
		return err
	}

	for _, dest := range c.destinations {
		if !dest.Config.IsEnabled() {
			continue
		}
		if err := dest.Connector.Start(ctx); err != nil {
			return fail(fmt.Errorf("starting destination %s: %w", dest.Connector.Name(), err))
		}
		started = append(started, dest)
		c.publishConnectorState(dest.MetadataID, api.ConnectorStarted)
	}
	for _, dest := range c.destinations {
		if dest.queue != nil {
			dest.queue.start(haltCtx)
		}
	}
	if err := c.source.Start(ctx); err != nil {
		for _, dest := range c.destinations {
			if dest.queue != nil {
				dest.queue.stop()
			}
		}
		return fail(fmt.Errorf("starting source %s: %w", c.source.Name(), err))
	}
	c.publishConnectorState(0, api.ConnectorStarted)

	c.setError(nil)
	c.setState(api.ChannelStarted)
	logging.Info("Channel", "%s started", c.name)
	return nil
}

// Pause transitions STARTED -> PAUSING -> PAUSED. The source stops
// accepting new messages; in-flight work continues.
func (c *Channel) Pause() error {
	if state := c.State(); state != api.ChannelStarted {
		return fmt.Errorf("cannot pause channel %s in state %s", c.name, state)
	}
	c.setState(api.ChannelPausing)
	c.source.Pause()
	c.publishConnectorState(0, api.ConnectorPaused)
	c.setState(api.ChannelPaused)
	return nil
}

// Resume transitions PAUSED -> STARTING -> STARTED.
func (c *Channel) Resume() error {
	if state := c.State(); state != api.ChannelPaused {
		return fmt.Errorf("cannot resume channel %s in state %s", c.name, state)
	}
	c.setState(api.ChannelStarting)
	c.source.Resume()
	c.publishConnectorState(0, api.ConnectorStarted)
	c.setState(api.ChannelStarted)
	return nil
}

// Stop transitions STARTED or PAUSED -> STOPPING -> STOPPED. It waits for
// in-flight messages up to the grace period, then escalates to halt
// semantics for whatever remains.
func (c *Channel) Stop(ctx context.Context) error {
	state := c.State()
	if state == api.ChannelPaused {
		c.source.Resume()
	} else if state != api.ChannelStarted {
		return fmt.Errorf("cannot stop channel %s in state %s", c.name, state)
	}
	c.setState(api.ChannelStopping)

	if err := c.source.Stop(ctx); err != nil {
		logging.Warn("Channel", "%s: source stop: %v", c.name, err)
	}
	c.publishConnectorState(0, api.ConnectorStopped)

	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.stopGrace):
		logging.Warn("Channel", "%s: stop grace period elapsed, aborting in-flight work", c.name)
		c.cancelHalt()
		<-done
	case <-ctx.Done():
		c.cancelHalt()
		<-done
	}

	c.teardown(ctx)
	c.setState(api.ChannelStopped)
	logging.Info("Channel", "%s stopped", c.name)
	return nil
}

// Halt force-stops the channel from any non-terminal state: the shared
// cancellation token is tripped, in-flight sends abandon their sockets and
// record ERROR, and queued destinations are abandoned in place (their
// durable rows resume on next start).
func (c *Channel) Halt(ctx context.Context) error {
	switch c.State() {
	case api.ChannelStopped, api.ChannelStopping:
		return nil
	}
	c.setState(api.ChannelStopping)
	c.cancelHalt()

	// Release a pause so the source does not stay gated across the next
	// start. Resume is idempotent on every source.
	c.source.Resume()
	if err := c.source.Stop(ctx); err != nil {
		logging.Warn("Channel", "%s: source stop during halt: %v", c.name, err)
	}
	c.publishConnectorState(0, api.ConnectorStopped)
	c.inflight.Wait()

	c.teardown(ctx)
	c.setState(api.ChannelStopped)
	logging.Info("Channel", "%s halted", c.name)
	return nil
}

func (c *Channel) cancelHalt() {
	c.mu.RLock()
	cancel := c.haltCancel
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// teardown stops queues and destination connectors.
func (c *Channel) teardown(ctx context.Context) {
	for _, dest := range c.destinations {
		if dest.queue != nil {
			dest.queue.stop()
		}
	}
	for _, dest := range c.destinations {
		if err := dest.Connector.Stop(ctx); err != nil {
			logging.Warn("Channel", "%s: stopping destination %s: %v", c.name, dest.Connector.Name(), err)
		}
		c.publishConnectorState(dest.MetadataID, api.ConnectorStopped)
	}
	c.cancelHalt()
}

func (c *Channel) publishConnectorState(metadataID int, state api.ConnectorState) {
	id := metadataID
	c.events.Publish(api.Event{
		Type:           api.EventConnectorState,
		ChannelID:      c.id,
		MetadataID:     &id,
		ConnectorState: state,
		Timestamp:      time.Now(),
	})
}

// recover force-resolves unfinished messages owned by this server. One
// failing message does not stop the rest.
func (c *Channel) recover() error {
	unfinished, err := c.store.UnfinishedMessages(c.id, c.store.ServerID())
	if err != nil {
		return err
	}
	var firstErr error
	for _, msg := range unfinished {
		flipped, err := c.store.ResolveUnfinished(c.id, msg.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			logging.Error("Recovery", err, "channel %s: message %d not resolved", c.name, msg.ID)
			continue
		}
		if flipped > 0 {
			logging.Info("Recovery", "channel %s: message %d resolved, %d connector(s) errored",
				c.name, msg.ID, flipped)
		}
	}
	if len(unfinished) > 0 {
		logging.Info("Recovery", "channel %s: %d unfinished message(s) reconciled", c.name, len(unfinished))
	}
	return firstErr
}

// computeWaves splits the destination list into serial segments: a
// destination with waitForPrevious begins a new wave; within a wave
// destinations run in parallel.
func computeWaves(destinations []*Destination) [][]*Destination {
	var waves [][]*Destination
	var current []*Destination
	for _, dest := range destinations {
		if dest.Config.WaitForPrevious && len(current) > 0 {
			waves = append(waves, current)
			current = nil
		}
		current = append(current, dest)
	}
	if len(current) > 0 {
		waves = append(waves, current)
	}
	return waves
}
