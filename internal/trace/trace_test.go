package trace

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conduit/internal/api"
	"conduit/internal/config"
	"conduit/internal/donkey"
	"conduit/internal/engine"
)

const (
	upstreamID   = "f2a94c07-1d6e-48b3-9c52-8e0a7b3d615f"
	midstreamID  = "6c1e80d5-7f24-4b9a-a3e6-2d48f9c0b731"
	downstreamID = "b7d30f92-8a15-4c6e-95f0-4e1c62a8d049"
)

// chainFixture deploys upstream -> midstream -> downstream over VM hops and
// pushes one message through the whole chain.
func chainFixture(t *testing.T) (*engine.Engine, *Service) {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store := donkey.New(db, donkey.Config{ServerID: "trace-test"})
	e := engine.New(&config.EngineConfig{MaxVMDepth: 8, StopGraceSeconds: 2}, store, nil)
	t.Cleanup(func() { e.Shutdown(context.Background()) })

	terminal := func(id, name string) *config.Channel {
		return &config.Channel{
			ID: id, Name: name, InitialState: string(api.ChannelStarted),
			Source: config.Source{Type: config.TypeVM, Name: "Channel Reader"},
			Destinations: []config.Destination{{
				Name: "sink", Type: config.TypeFile,
				File: &config.FileWriter{Directory: t.TempDir(), FileName: "${messageId}.txt"},
			}},
		}
	}
	forwarding := func(id, name, targetID string) *config.Channel {
		cfg := terminal(id, name)
		cfg.MaxProcessingThreads = 4
		cfg.Destinations = []config.Destination{{
			Name: "route-" + name, Type: config.TypeVM,
			VM: &config.VMWriter{TargetChannelID: targetID},
		}}
		return cfg
	}

	ctx := context.Background()
	require.NoError(t, e.Deploy(ctx, terminal(downstreamID, "downstream")))
	require.NoError(t, e.Deploy(ctx, forwarding(midstreamID, "midstream", downstreamID)))
	require.NoError(t, e.Deploy(ctx, forwarding(upstreamID, "upstream", midstreamID)))

	_, _, err = e.SendMessage(ctx, upstreamID, "traced payload", nil, nil)
	require.NoError(t, err)

	return e, New(store, e)
}

func TestTraceFromMiddleFindsWholeChain(t *testing.T) {
	_, svc := chainFixture(t)

	// Asking from the middle hop must still yield the tree rooted at the
	// original ingest.
	root, err := svc.Trace(midstreamID, 1, Options{MaxDepth: DefaultMaxDepth})
	require.NoError(t, err)

	assert.Equal(t, upstreamID, root.ChannelID)
	assert.Equal(t, "upstream", root.ChannelName)
	assert.Equal(t, int64(1), root.MessageID)
	assert.Equal(t, 0, root.Depth)
	assert.Empty(t, root.ParentDestination)

	require.Len(t, root.Children, 1)
	mid := root.Children[0]
	assert.Equal(t, midstreamID, mid.ChannelID)
	assert.Equal(t, 1, mid.Depth)
	assert.Equal(t, "route-upstream", mid.ParentDestination)
	assert.GreaterOrEqual(t, mid.LatencyMS, int64(0))

	require.Len(t, mid.Children, 1)
	leaf := mid.Children[0]
	assert.Equal(t, downstreamID, leaf.ChannelID)
	assert.Equal(t, 2, leaf.Depth)
	assert.Equal(t, "TRANSFORMED", leaf.Status)
}

func TestTraceIncludesContentSnapshots(t *testing.T) {
	_, svc := chainFixture(t)

	root, err := svc.Trace(upstreamID, 1, Options{IncludeContent: true, MaxContentLength: 6})
	require.NoError(t, err)
	require.NotEmpty(t, root.Content)

	var sawRaw bool
	for _, snapshot := range root.Content {
		if snapshot.ContentType == 1 {
			sawRaw = true
			assert.Equal(t, "traced", snapshot.Content)
			assert.True(t, snapshot.Truncated)
			assert.Equal(t, len("traced payload"), snapshot.FullLength)
		}
	}
	assert.True(t, sawRaw)
}

func TestTraceDepthBound(t *testing.T) {
	_, svc := chainFixture(t)

	root, err := svc.Trace(upstreamID, 1, Options{MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	assert.Empty(t, root.Children[0].Children, "walk stops at the depth bound")
}

func TestTraceZeroDepthYieldsSingleNode(t *testing.T) {
	_, svc := chainFixture(t)

	// Asking from the middle with depth zero: no backward walk to the
	// ingest, no children.
	root, err := svc.Trace(midstreamID, 1, Options{MaxDepth: 0})
	require.NoError(t, err)
	assert.Equal(t, midstreamID, root.ChannelID)
	assert.Equal(t, int64(1), root.MessageID)
	assert.Empty(t, root.Children)
}

func TestTraceUnknownMessage(t *testing.T) {
	_, svc := chainFixture(t)

	_, err := svc.Trace(upstreamID, 9999, Options{})
	require.Error(t, err)
	assert.True(t, api.IsNotFound(err))
}

func TestTraceBrokenDownstreamYieldsErrorNode(t *testing.T) {
	e, svc := chainFixture(t)

	// Drop the leaf channel's tables out from under the graph.
	require.NoError(t, e.Store().DropChannelTables(downstreamID))

	root, err := svc.Trace(upstreamID, 1, Options{MaxDepth: DefaultMaxDepth})
	require.NoError(t, err)
	require.Len(t, root.Children, 1)
	mid := root.Children[0]
	require.Len(t, mid.Children, 1)
	assert.NotEmpty(t, mid.Children[0].Error)
	assert.Equal(t, downstreamID, mid.Children[0].ChannelID)
}
