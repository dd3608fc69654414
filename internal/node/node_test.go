package node

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebridge/wsgateway/internal/kvps"
)

func setupManagerTest(t *testing.T) (*Manager, *kvps.Store, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	store := kvps.New(kvps.Config{Host: mr.Host(), Port: mr.Port()})
	mgr := New(store, "8080", 30*time.Second, 90*time.Second)

	cleanup := func() {
		store.Close()
		mr.Close()
	}
	return mgr, store, cleanup
}

func TestRegisterAddsNodeToActiveSet(t *testing.T) {
	mgr, store, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()

	mgr.Register(ctx)
	assert.False(t, mgr.Standalone())

	members, err := store.SMembers(ctx, keyNodes)
	require.NoError(t, err)
	assert.Contains(t, members, mgr.NodeID())
}

func TestRegisterFallsBackToStandaloneWhenUnreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store := kvps.New(kvps.Config{Host: mr.Host(), Port: mr.Port()})
	mgr := New(store, "8080", 30*time.Second, 90*time.Second)
	mr.Close() // make the store unreachable before registering
	store.Close()

	mgr.Register(context.Background())
	assert.True(t, mgr.Standalone())
	assert.Equal(t, []string{mgr.NodeID()}, mgr.GetNodesForChannel(context.Background(), "any"))
}

func TestChannelNodeEdgeAddedOnFirstLocalSubscriberOnly(t *testing.T) {
	mgr, store, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	mgr.Register(ctx)

	first := mgr.SubscribeClientToChannel(ctx, "c1", "general")
	assert.True(t, first)

	second := mgr.SubscribeClientToChannel(ctx, "c2", "general")
	assert.False(t, second)

	nodes, err := store.SMembers(ctx, channelNodesKey("general"))
	require.NoError(t, err)
	assert.Equal(t, []string{mgr.NodeID()}, nodes)
}

func TestChannelNodeEdgeRemovedOnLastLocalSubscriberOnly(t *testing.T) {
	mgr, store, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	mgr.Register(ctx)

	mgr.SubscribeClientToChannel(ctx, "c1", "general")
	mgr.SubscribeClientToChannel(ctx, "c2", "general")

	last := mgr.UnsubscribeClientFromChannel(ctx, "c1", "general")
	assert.False(t, last)
	card, err := store.SCard(ctx, channelNodesKey("general"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), card)

	last = mgr.UnsubscribeClientFromChannel(ctx, "c2", "general")
	assert.True(t, last)
	card, err = store.SCard(ctx, channelNodesKey("general"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), card)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	mgr, _, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	mgr.Register(ctx)

	first := mgr.SubscribeClientToChannel(ctx, "c1", "general")
	assert.True(t, first)
	again := mgr.SubscribeClientToChannel(ctx, "c1", "general")
	assert.False(t, again)
}

func TestUnregisterClientRemovesAllDirectoryTraces(t *testing.T) {
	mgr, store, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	mgr.Register(ctx)

	mgr.RegisterClient(ctx, "c1", nil)
	mgr.SubscribeClientToChannel(ctx, "c1", "general")
	mgr.UnregisterClient(ctx, "c1")

	nodeID, err := store.GetString(ctx, clientNodeKey("c1"))
	require.NoError(t, err)
	assert.Empty(t, nodeID)

	nodes, err := store.SMembers(ctx, channelNodesKey("general"))
	require.NoError(t, err)
	assert.NotContains(t, nodes, mgr.NodeID())
}

func TestShutdownLeavesNoResidualKeys(t *testing.T) {
	mgr, store, cleanup := setupManagerTest(t)
	defer cleanup()
	ctx := context.Background()
	mgr.Register(ctx)

	mgr.RegisterClient(ctx, "c1", nil)
	mgr.SubscribeClientToChannel(ctx, "c1", "general")

	mgr.Shutdown(ctx)

	members, err := store.SMembers(ctx, keyNodes)
	require.NoError(t, err)
	assert.NotContains(t, members, mgr.NodeID())

	nodes, err := store.SMembers(ctx, channelNodesKey("general"))
	require.NoError(t, err)
	assert.NotContains(t, nodes, mgr.NodeID())
}

func TestGetClusterInfoStandalone(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store := kvps.New(kvps.Config{Host: mr.Host(), Port: mr.Port()})
	mgr := New(store, "8080", 30*time.Second, 90*time.Second)
	mr.Close()
	store.Close()

	mgr.Register(context.Background())
	info := mgr.GetClusterInfo(context.Background())
	assert.True(t, info.Standalone)
	assert.Len(t, info.Nodes, 1)
}
