package cursor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu   sync.Mutex
	sent []map[string]interface{}
}

func (f *fakeRouter) SendToChannel(ctx context.Context, channel string, payload interface{}, excludeClientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, map[string]interface{}{"channel": channel, "payload": payload})
}

func (f *fakeRouter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeTracker struct{}

func (fakeTracker) SubscribeToChannel(ctx context.Context, clientID, channel string)     {}
func (fakeTracker) UnsubscribeFromChannel(ctx context.Context, clientID, channel string) {}

func marshal(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestUpdateThrottlesExcessBroadcasts(t *testing.T) {
	router := &fakeRouter{}
	svc := New(router, fakeTracker{}, 30*time.Second, 10*time.Second, 100*time.Millisecond)
	defer svc.Close()

	req := marshal(t, updateRequest{Channel: "g", Position: json.RawMessage(`{"x":1,"y":2}`)})
	for i := 0; i < 10; i++ {
		_, err := svc.HandleAction("c1", "update", req)
		require.NoError(t, err)
	}

	assert.Equal(t, 1, router.count())
}

func TestUpdateAllowsAnotherBroadcastAfterThrottleWindow(t *testing.T) {
	router := &fakeRouter{}
	svc := New(router, fakeTracker{}, 30*time.Second, 10*time.Second, 50*time.Millisecond)
	defer svc.Close()

	req := marshal(t, updateRequest{Channel: "g", Position: json.RawMessage(`{"x":1,"y":2}`)})
	_, err := svc.HandleAction("c1", "update", req)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	_, err = svc.HandleAction("c1", "update", req)
	require.NoError(t, err)

	assert.Equal(t, 2, router.count())
}

func TestCursorExpiresWithinOneCleanupPeriod(t *testing.T) {
	router := &fakeRouter{}
	svc := New(router, fakeTracker{}, 50*time.Millisecond, 30*time.Millisecond, 10*time.Millisecond)
	defer svc.Close()

	req := marshal(t, updateRequest{Channel: "g", Position: json.RawMessage(`{"x":1,"y":2}`)})
	_, err := svc.HandleAction("c1", "update", req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap := svc.snapshot("g")
		return len(snap) == 0
	}, 2*time.Second, 10*time.Millisecond)

	removeSeen := false
	for _, s := range router.snapshot() {
		payload := s["payload"].(map[string]interface{})
		if payload["action"] == "remove" {
			removeSeen = true
		}
	}
	assert.True(t, removeSeen)
}

func (f *fakeRouter) snapshot() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestSubscribeReturnsCurrentCursorSet(t *testing.T) {
	router := &fakeRouter{}
	svc := New(router, fakeTracker{}, 30*time.Second, 10*time.Second, 100*time.Millisecond)
	defer svc.Close()

	req := marshal(t, updateRequest{Channel: "g", Position: json.RawMessage(`{"x":1,"y":2}`)})
	_, err := svc.HandleAction("c1", "update", req)
	require.NoError(t, err)

	result, err := svc.HandleAction("c2", "subscribe", marshal(t, subscribeRequest{Channel: "g"}))
	require.NoError(t, err)
	out := result.(map[string]interface{})
	cursors := out["cursors"].(map[string]interface{})
	assert.Contains(t, cursors, "c1")
}
