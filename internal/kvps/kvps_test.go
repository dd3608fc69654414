package kvps

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStoreTest(t *testing.T) (*Store, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	store := New(Config{Host: mr.Host(), Port: mr.Port()})
	cleanup := func() {
		store.Close()
		mr.Close()
	}
	return store, mr, cleanup
}

func TestStorePing(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()

	err := store.Ping(context.Background())
	assert.NoError(t, err)
}

func TestStoreStringRoundTrip(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SetString(ctx, "k", "v", 0))
	v, err := store.GetString(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	require.NoError(t, store.Delete(ctx, "k"))
	v, err = store.GetString(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestStoreSetOperations(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, store.SAdd(ctx, "s", "a", "b"))
	members, err := store.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	card, err := store.SCard(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(2), card)

	require.NoError(t, store.SRem(ctx, "s", "a"))
	members, err = store.SMembers(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}

func TestStorePublishSubscribe(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, store.Subscribe("chan1", func(channel, payload string) {
		received <- payload
	}))

	// miniredis delivers pub/sub asynchronously; give the dispatch
	// goroutine a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.Publish(ctx, "chan1", "hello"))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription message")
	}
}

func TestStoreUnsubscribeStopsDelivery(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	received := make(chan string, 4)
	require.NoError(t, store.Subscribe("chan2", func(channel, payload string) {
		received <- payload
	}))
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.Unsubscribe("chan2"))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, store.Publish(ctx, "chan2", "should-not-arrive"))

	select {
	case msg := <-received:
		t.Fatalf("expected no delivery after unsubscribe, got %q", msg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestStoreHashJSON(t *testing.T) {
	store, _, cleanup := setupStoreTest(t)
	defer cleanup()
	ctx := context.Background()

	type payload struct {
		Name string `json:"name"`
	}
	require.NoError(t, store.HSetJSON(ctx, "h", "field", payload{Name: "node-a"}))
	all, err := store.HGetAll(ctx, "h")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"node-a"}`, all["field"])
}
