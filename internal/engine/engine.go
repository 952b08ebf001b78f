// Package engine owns the registry of deployed channels. It orchestrates
// deploy, undeploy and lifecycle commands, builds connectors from channel
// configuration, adapts in-process (VM) routing onto the registry, and
// maintains the channel dependency graph the trace service walks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"conduit/internal/api"
	"conduit/internal/channel"
	"conduit/internal/config"
	"conduit/internal/donkey"
	"conduit/internal/script"
	"conduit/pkg/logging"
)

// deployed is one registry entry.
type deployed struct {
	channel    *channel.Channel
	cfg        *config.Channel
	deployedAt time.Time
}

// Engine is the channel registry and orchestrator. All registry mutation
// happens through it.
type Engine struct {
	cfg      *config.EngineConfig
	store    *donkey.Donkey
	executor script.Executor
	hub      *Hub

	mu       sync.RWMutex
	channels map[string]*deployed

	watcher *watcher
}

// New builds an engine over an open store. A nil executor gets the built-in
// chain executor. Zero-valued limits of a hand-built config get the same
// defaults the environment loader applies.
func New(cfg *config.EngineConfig, store *donkey.Donkey, executor script.Executor) *Engine {
	if executor == nil {
		executor = script.NewChainExecutor()
	}
	if cfg.MaxVMDepth <= 0 {
		cfg.MaxVMDepth = config.DefaultMaxVMDepth
	}
	if cfg.StopGraceSeconds <= 0 {
		cfg.StopGraceSeconds = config.DefaultStopGraceSeconds
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		executor: executor,
		hub:      NewHub(),
		channels: make(map[string]*deployed),
	}
}

// Hub returns the engine's event hub for subscribers.
func (e *Engine) Hub() *Hub { return e.hub }

// Store exposes the message store for read-model collaborators (trace,
// REST message browsing).
func (e *Engine) Store() *donkey.Donkey { return e.store }

// Deploy makes a channel live: tables ensured, connectors built, registry
// updated, DEPLOYING -> STOPPED, then started if the config asks for it.
// A channel already deployed under the same id is undeployed first.
func (e *Engine) Deploy(ctx context.Context, cfg *config.Channel) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if !cfg.IsEnabled() {
		logging.Info("Engine", "channel %s (%s) is disabled, skipping deploy", cfg.Name, cfg.ID)
		return nil
	}

	if _, ok := e.lookup(cfg.ID); ok {
		if err := e.Undeploy(ctx, cfg.ID); err != nil {
			logging.Warn("Engine", "redeploy of %s: undeploy reported: %v", cfg.ID, err)
		}
	}

	if err := e.store.CreateChannelTables(cfg.ID, cfg.MetaDataColumns); err != nil {
		return fmt.Errorf("ensuring tables for channel %s: %w", cfg.ID, err)
	}

	source, err := e.buildSource(cfg)
	if err != nil {
		return err
	}
	destinations, err := e.buildDestinations(cfg)
	if err != nil {
		return err
	}

	ch := channel.New(cfg, source, destinations, channel.Options{
		Store:     e.store,
		Executor:  e.executor,
		Events:    e.hub,
		StopGrace: time.Duration(e.cfg.StopGraceSeconds) * time.Second,
	})

	e.mu.Lock()
	e.channels[cfg.ID] = &deployed{channel: ch, cfg: cfg, deployedAt: time.Now()}
	e.mu.Unlock()

	ch.MarkDeployed()
	e.hub.Publish(api.Event{
		Type:      api.EventChannelDeployed,
		ChannelID: cfg.ID,
		Timestamp: time.Now(),
	})
	logging.Info("Engine", "channel %s (%s) deployed", cfg.Name, cfg.ID)

	if cfg.InitialState == string(api.ChannelStarted) {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("starting channel %s after deploy: %w", cfg.ID, err)
		}
	}
	return nil
}

// DeployAll deploys a set of configs, typically the channels directory at
// boot. One failing channel never blocks the rest; the combined error
// reports every failure.
func (e *Engine) DeployAll(ctx context.Context, cfgs []*config.Channel) error {
	var result *multierror.Error
	for _, cfg := range cfgs {
		if err := e.Deploy(ctx, cfg); err != nil {
			logging.Error("Engine", err, "deploying channel %s", cfg.ID)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Undeploy stops a channel and removes it from the registry. Stop failures
// are collected, not fatal: the channel always leaves the registry.
// Statistics rows stay in the store.
func (e *Engine) Undeploy(ctx context.Context, channelID string) error {
	entry, ok := e.lookup(channelID)
	if !ok {
		return api.NewChannelNotFoundError(channelID)
	}

	var result *multierror.Error
	ch := entry.channel
	switch ch.State() {
	case api.ChannelStopped:
	default:
		if err := ch.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
			if err := ch.Halt(ctx); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	e.mu.Lock()
	delete(e.channels, channelID)
	e.mu.Unlock()
	e.store.ForgetChannel(channelID)

	e.hub.Publish(api.Event{
		Type:      api.EventChannelUndeployed,
		ChannelID: channelID,
		Timestamp: time.Now(),
	})
	logging.Info("Engine", "channel %s undeployed", channelID)
	return result.ErrorOrNil()
}

// Shutdown undeploys every channel and stops the config watcher.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.StopWatching()

	e.mu.RLock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := e.Undeploy(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	e.hub.Close()
	return result.ErrorOrNil()
}

func (e *Engine) lookup(channelID string) (*deployed, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.channels[channelID]
	return entry, ok
}

// Channel returns the deployed runtime channel.
func (e *Engine) Channel(channelID string) (*channel.Channel, error) {
	entry, ok := e.lookup(channelID)
	if !ok {
		return nil, api.NewChannelNotFoundError(channelID)
	}
	return entry.channel, nil
}

// ChannelIDs lists the deployed channel ids.
func (e *Engine) ChannelIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	return ids
}

// StartChannel drives STOPPED -> STARTED.
func (e *Engine) StartChannel(ctx context.Context, channelID string) error {
	ch, err := e.Channel(channelID)
	if err != nil {
		return err
	}
	return ch.Start(ctx)
}

// StopChannel drives a running channel to STOPPED, waiting for in-flight
// work.
func (e *Engine) StopChannel(ctx context.Context, channelID string) error {
	ch, err := e.Channel(channelID)
	if err != nil {
		return err
	}
	return ch.Stop(ctx)
}

// PauseChannel suspends the source without dropping connections.
func (e *Engine) PauseChannel(channelID string) error {
	ch, err := e.Channel(channelID)
	if err != nil {
		return err
	}
	return ch.Pause()
}

// ResumeChannel reverses PauseChannel.
func (e *Engine) ResumeChannel(channelID string) error {
	ch, err := e.Channel(channelID)
	if err != nil {
		return err
	}
	return ch.Resume()
}

// HaltChannel force-stops the channel, abandoning in-flight sends.
func (e *Engine) HaltChannel(ctx context.Context, channelID string) error {
	ch, err := e.Channel(channelID)
	if err != nil {
		return err
	}
	return ch.Halt(ctx)
}

// Status builds the dashboard read model for one channel.
func (e *Engine) Status(channelID string) (*api.ChannelStatus, error) {
	entry, ok := e.lookup(channelID)
	if !ok {
		return nil, api.NewChannelNotFoundError(channelID)
	}
	ch := entry.channel

	stats, err := e.store.GetStatistics(channelID)
	if err != nil {
		logging.Error("Engine", err, "statistics for channel %s", channelID)
	}

	status := &api.ChannelStatus{
		ChannelID:  channelID,
		Name:       ch.Name(),
		State:      ch.State(),
		DeployedAt: entry.deployedAt,
		Statistics: stats,
	}
	if err := ch.LastError(); err != nil {
		status.LastError = err.Error()
	}

	sourceState := connectorStateFor(ch.State())
	status.Connectors = append(status.Connectors, api.ConnectorInfo{
		MetadataID: 0,
		Name:       entry.cfg.Source.Name,
		State:      sourceState,
	})
	for _, dest := range ch.Destinations() {
		state := sourceState
		if !dest.Config.IsEnabled() {
			state = api.ConnectorStopped
		}
		status.Connectors = append(status.Connectors, api.ConnectorInfo{
			MetadataID: dest.MetadataID,
			Name:       dest.Connector.Name(),
			State:      state,
		})
	}
	return status, nil
}

// Statuses builds read models for every deployed channel.
func (e *Engine) Statuses() []*api.ChannelStatus {
	var out []*api.ChannelStatus
	for _, id := range e.ChannelIDs() {
		if status, err := e.Status(id); err == nil {
			out = append(out, status)
		}
	}
	return out
}

func connectorStateFor(state api.ChannelState) api.ConnectorState {
	switch state {
	case api.ChannelStarted:
		return api.ConnectorStarted
	case api.ChannelPaused, api.ChannelPausing:
		return api.ConnectorPaused
	default:
		return api.ConnectorStopped
	}
}

// DependencyGraph maps target channel id -> upstream channel ids whose VM
// destinations point at it. The trace service walks this forward.
func (e *Engine) DependencyGraph() map[string][]string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	graph := make(map[string][]string)
	for id, entry := range e.channels {
		for _, dest := range entry.cfg.Destinations {
			if dest.Type == config.TypeVM && dest.VM != nil {
				graph[dest.VM.TargetChannelID] = append(graph[dest.VM.TargetChannelID], id)
			}
		}
	}
	return graph
}

// ChannelName resolves a deployed channel's display name; the id itself
// when unknown.
func (e *Engine) ChannelName(channelID string) string {
	if entry, ok := e.lookup(channelID); ok {
		return entry.cfg.Name
	}
	return channelID
}

// DestinationNameFor returns the name of the upstream channel's VM
// destination pointing at target, for trace child labeling.
func (e *Engine) DestinationNameFor(upstreamID, targetID string) string {
	entry, ok := e.lookup(upstreamID)
	if !ok {
		return ""
	}
	for _, dest := range entry.cfg.Destinations {
		if dest.Type == config.TypeVM && dest.VM != nil && dest.VM.TargetChannelID == targetID {
			return dest.Name
		}
	}
	return ""
}
