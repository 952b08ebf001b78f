// Package trace reconstructs the cross-channel journey of a message: its
// ancestors via the stored source-map provenance chain and its descendants
// via the channel dependency graph. The walk is bounded, cycle-safe, and a
// broken downstream channel degrades to an error node instead of failing
// the whole trace.
package trace

import (
	"fmt"
	"sort"
	"time"

	"conduit/internal/donkey"
	"conduit/internal/message"
	"conduit/pkg/logging"
)

// Registry is the engine surface the trace service needs: who routes into
// whom, and display names.
type Registry interface {
	// DependencyGraph maps target channel id -> upstream channel ids.
	DependencyGraph() map[string][]string
	ChannelName(channelID string) string
	DestinationNameFor(upstreamID, targetID string) string
}

// Options bounds a trace walk.
type Options struct {
	// MaxDepth bounds hops in each direction from the requested node.
	// Zero yields the single requested node; negative means
	// DefaultMaxDepth. Callers translating absent query parameters apply
	// the default themselves.
	MaxDepth int
	// MaxFanOut caps children attached per node.
	MaxFanOut int
	// IncludeContent attaches content snapshots to each node.
	IncludeContent bool
	// MaxContentLength truncates each snapshot (<= 0: no bound).
	MaxContentLength int
}

// Default walk bounds.
const (
	DefaultMaxDepth  = 8
	DefaultMaxFanOut = 25
)

func (o Options) withDefaults() Options {
	if o.MaxDepth < 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.MaxFanOut <= 0 {
		o.MaxFanOut = DefaultMaxFanOut
	}
	return o
}

// Node is one message in the trace tree.
type Node struct {
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName"`
	MessageID   int64  `json:"messageId"`

	ReceivedDate  time.Time `json:"receivedDate"`
	Status        string    `json:"status"`
	ConnectorName string    `json:"connectorName,omitempty"`

	// ParentDestination names the upstream destination that routed the
	// message here; empty on the root.
	ParentDestination string `json:"parentDestination,omitempty"`

	// Depth counts hops from the root; LatencyMS is the received-date
	// delta to the root.
	Depth     int   `json:"depth"`
	LatencyMS int64 `json:"latencyMs"`

	// Error marks a node that could not be fully resolved.
	Error string `json:"error,omitempty"`

	Content  []message.Snapshot `json:"content,omitempty"`
	Children []*Node            `json:"children,omitempty"`
}

// Service walks traces over the store and the deployed-channel graph.
type Service struct {
	store    *donkey.Donkey
	registry Registry
}

// New builds a trace service.
func New(store *donkey.Donkey, registry Registry) *Service {
	return &Service{store: store, registry: registry}
}

type nodeKey struct {
	channelID string
	messageID int64
}

// Trace reconstructs the tree around (channelID, messageID): it first walks
// backward to the provenance root, then expands descendants forward from
// there.
func (s *Service) Trace(channelID string, messageID int64, opts Options) (*Node, error) {
	opts = opts.withDefaults()

	// The requested node must exist; everything else degrades gracefully.
	if _, err := s.store.GetMessage(channelID, messageID); err != nil {
		return nil, err
	}

	rootChannel, rootMessage := s.findRoot(channelID, messageID, opts.MaxDepth)

	downstream := invert(s.registry.DependencyGraph())
	walk := &walker{
		service:    s,
		opts:       opts,
		downstream: downstream,
		visited:    map[nodeKey]bool{},
	}
	root := walk.build(rootChannel, rootMessage, "", 0, time.Time{})
	return root, nil
}

// findRoot follows the provenance chain upward until a root, a cycle, a
// missing parent or the depth bound.
func (s *Service) findRoot(channelID string, messageID int64, maxDepth int) (string, int64) {
	seen := map[nodeKey]bool{{channelID, messageID}: true}
	for depth := 0; depth < maxDepth; depth++ {
		content, err := s.store.GetContent(channelID, messageID, 0, message.ContentSourceMap)
		if err != nil || content == nil {
			break
		}
		sourceMap, err := message.ParseSourceMap(content.Content)
		if err != nil {
			break
		}
		parentChannel, parentMessage, ok := sourceMap.Parent()
		if !ok {
			break
		}
		key := nodeKey{parentChannel, parentMessage}
		if seen[key] {
			break
		}
		// A parent whose tables are gone stays out of the tree; the walk
		// roots at the last resolvable ancestor.
		if _, err := s.store.GetMessage(parentChannel, parentMessage); err != nil {
			logging.Debug("Trace", "ancestor %s/%d unresolvable: %v", parentChannel, parentMessage, err)
			break
		}
		seen[key] = true
		channelID, messageID = parentChannel, parentMessage
	}
	return channelID, messageID
}

// invert flips target->upstreams into upstream->targets.
func invert(graph map[string][]string) map[string][]string {
	out := make(map[string][]string, len(graph))
	for target, upstreams := range graph {
		for _, upstream := range upstreams {
			out[upstream] = append(out[upstream], target)
		}
	}
	for _, targets := range out {
		sort.Strings(targets)
	}
	return out
}

type walker struct {
	service    *Service
	opts       Options
	downstream map[string][]string
	visited    map[nodeKey]bool
}

// build assembles the node for (channelID, messageID) and recurses into its
// descendants.
func (w *walker) build(channelID string, messageID int64, parentDestination string, depth int, rootReceived time.Time) *Node {
	s := w.service
	w.visited[nodeKey{channelID, messageID}] = true

	node := &Node{
		ChannelID:         channelID,
		ChannelName:       s.registry.ChannelName(channelID),
		MessageID:         messageID,
		ParentDestination: parentDestination,
		Depth:             depth,
	}

	msg, err := s.store.GetMessage(channelID, messageID)
	if err != nil {
		node.Error = err.Error()
		return node
	}
	node.ReceivedDate = msg.ReceivedDate
	if rootReceived.IsZero() {
		rootReceived = msg.ReceivedDate
	}
	node.LatencyMS = msg.ReceivedDate.Sub(rootReceived).Milliseconds()

	if rows, err := s.store.ConnectorMessages(channelID, messageID); err == nil && len(rows) > 0 {
		node.Status = rows[0].Status.Human()
		node.ConnectorName = rows[0].ConnectorName
	}

	if w.opts.IncludeContent {
		node.Content = s.contentSnapshots(channelID, messageID, w.opts.MaxContentLength)
	}

	if depth >= w.opts.MaxDepth {
		return node
	}
	for _, targetID := range w.downstream[channelID] {
		node.Children = append(node.Children, w.children(node, targetID, rootReceived)...)
	}
	return node
}

// children finds the target channel's messages directly descended from the
// parent node, capped by the fan-out bound.
func (w *walker) children(parent *Node, targetID string, rootReceived time.Time) []*Node {
	s := w.service

	sourceMaps, err := s.store.SourceMaps(targetID)
	if err != nil {
		// The downstream channel is broken (tables dropped, DB error);
		// record it and keep going.
		return []*Node{{
			ChannelID:   targetID,
			ChannelName: s.registry.ChannelName(targetID),
			Depth:       parent.Depth + 1,
			Error:       fmt.Sprintf("downstream channel unavailable: %v", err),
		}}
	}

	ids := make([]int64, 0, len(sourceMaps))
	for id := range sourceMaps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	destination := s.registry.DestinationNameFor(parent.ChannelID, targetID)

	var out []*Node
	for _, id := range ids {
		if len(out) >= w.opts.MaxFanOut {
			break
		}
		if w.visited[nodeKey{targetID, id}] {
			continue
		}
		sourceMap, err := message.ParseSourceMap(sourceMaps[id])
		if err != nil {
			continue
		}
		parentChannel, parentMessage, ok := sourceMap.Parent()
		if !ok || parentChannel != parent.ChannelID || parentMessage != parent.MessageID {
			continue
		}
		out = append(out, w.build(targetID, id, destination, parent.Depth+1, rootReceived))
	}
	return out
}

// contentSnapshots picks the trace-relevant content kinds for a node.
func (s *Service) contentSnapshots(channelID string, messageID int64, maxLen int) []message.Snapshot {
	contents, err := s.store.MessageContent(channelID, messageID)
	if err != nil {
		return nil
	}
	var out []message.Snapshot
	for _, content := range contents {
		switch content.ContentType {
		case message.ContentRaw, message.ContentTransformed, message.ContentEncoded,
			message.ContentSent, message.ContentResponse, message.ContentProcessingError:
			out = append(out, content.Truncate(maxLen))
		}
	}
	return out
}
