package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodebridge/wsgateway/internal/kvps"
	"github.com/nodebridge/wsgateway/internal/node"
	"github.com/nodebridge/wsgateway/internal/registry"
)

type capturingEgress struct {
	mu       sync.Mutex
	messages [][]byte
	fail     bool
}

func (e *capturingEgress) WriteMessage(payload []byte) error {
	if e.fail {
		return errors.New("write failed")
	}
	e.mu.Lock()
	e.messages = append(e.messages, payload)
	e.mu.Unlock()
	return nil
}

func (e *capturingEgress) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.messages)
}

func newTestNode(t *testing.T, addr string) (*Router, *node.Manager, *registry.Registry) {
	t.Helper()
	store := kvps.New(kvps.Config{Host: "127.0.0.1", Port: addr})
	mgr := node.New(store, "0", 30*time.Second, 90*time.Second)
	mgr.Register(context.Background())
	require.False(t, mgr.Standalone())

	conns := registry.New()
	rtr := New(store, mgr, conns)
	rtr.Start()
	return rtr, mgr, conns
}

func TestTwoNodeChannelFanOut(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rtrA, _, _ := newTestNode(t, mr.Port())
	rtrB, _, _ := newTestNode(t, mr.Port())

	egAlpha := &capturingEgress{}
	egBeta := &capturingEgress{}
	ctx := context.Background()

	rtrA.RegisterLocalClient(ctx, "alpha", egAlpha, nil)
	rtrA.SubscribeToChannel(ctx, "alpha", "g")

	rtrB.RegisterLocalClient(ctx, "beta", egBeta, nil)
	rtrB.SubscribeToChannel(ctx, "beta", "g")

	time.Sleep(100 * time.Millisecond) // let route-channel subscriptions land

	rtrA.SendToChannel(ctx, "g", map[string]string{"message": "hi"}, "")

	require.Eventually(t, func() bool { return egBeta.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, egAlpha.count()) // sender is also a local subscriber, receives its own publish locally
}

func TestTargetedOnlyRouting(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rtrA, mgrA, _ := newTestNode(t, mr.Port())
	rtrB, mgrB, _ := newTestNode(t, mr.Port())
	_, mgrC, _ := newTestNode(t, mr.Port())

	egBeta := &capturingEgress{}
	ctx := context.Background()
	rtrB.RegisterLocalClient(ctx, "beta", egBeta, nil)
	rtrB.SubscribeToChannel(ctx, "beta", "q")
	time.Sleep(100 * time.Millisecond)

	nodesForQ := mgrA.GetNodesForChannel(ctx, "q")
	assert.Equal(t, []string{mgrB.NodeID()}, nodesForQ)
	assert.NotContains(t, nodesForQ, mgrC.NodeID())

	rtrA.SendToChannel(ctx, "q", map[string]string{"message": "hi"}, "")
	require.Eventually(t, func() bool { return egBeta.count() == 1 }, 2*time.Second, 20*time.Millisecond)
}
