// Package kvps is a thin abstraction over the shared key-value store with
// publish/subscribe the rest of the gateway calls KVPS: string/hash/set
// operations, key expiration, and a pub/sub primitive with per-subscription
// callbacks. It keeps two independent logical connections, one for
// publishing and one for subscribing, since a subscriber connection to most
// pub/sub transports cannot itself publish.
package kvps

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nodebridge/wsgateway/internal/logger"
)

// Config configures the adapter's connection to the backing store.
type Config struct {
	Host     string
	Port     string
	URL      string
	Password string
	DB       int
}

// Handler is invoked for every message received on a subscribed channel.
type Handler func(channel, payload string)

// Store is the KVPS adapter. Publishing and subscribing go through
// separate *redis.Client instances so a subscribe-in-progress connection
// is never asked to publish.
type Store struct {
	pubClient *redis.Client
	subClient *redis.Client

	mu      sync.Mutex
	pubsub  *redis.PubSub
	subbed  map[string]Handler
	cancel  context.CancelFunc
	running bool
}

// New dials the store. It does not verify reachability; callers that need
// standalone-mode fallback should call Ping themselves.
func New(cfg Config) *Store {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     25,
		MinIdleConns: 5,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	}
	if cfg.URL != "" {
		if parsed, err := redis.ParseURL(cfg.URL); err == nil {
			opts = parsed
		}
	}

	return &Store{
		pubClient: redis.NewClient(opts),
		subClient: redis.NewClient(opts),
		subbed:    make(map[string]Handler),
	}
}

// Ping verifies the store is reachable within a bounded timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pubClient.Ping(ctx).Err()
}

// Close releases both logical connections.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	err1 := s.pubClient.Close()
	err2 := s.subClient.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// --- strings ---

func (s *Store) GetString(ctx context.Context, key string) (string, error) {
	v, err := s.pubClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.pubClient.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.pubClient.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.pubClient.Expire(ctx, key, ttl).Err()
}

// --- hashes ---

func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return s.pubClient.HSet(ctx, key, values).Err()
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.pubClient.HGetAll(ctx, key).Result()
}

// HSetJSON stores value JSON-encoded under a single hash field, matching
// the "complex values are JSON-encoded" rule for the directory keyspace.
func (s *Store) HSetJSON(ctx context.Context, key, field string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal hash field %s: %w", field, err)
	}
	return s.pubClient.HSet(ctx, key, field, string(data)).Err()
}

// --- sets ---

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.pubClient.SAdd(ctx, key, args...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.pubClient.SRem(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.pubClient.SMembers(ctx, key).Result()
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.pubClient.SCard(ctx, key).Result()
}

// --- pub/sub ---

// Publish sends payload on channel using the publisher connection.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.pubClient.Publish(ctx, channel, payload).Err()
}

// Subscribe adds channel to the subscriber connection's channel set and
// registers handler for messages delivered on it. Safe to call repeatedly;
// the underlying subscription is established lazily on first use and
// extended with a further SUBSCRIBE on the same PubSub on subsequent calls.
func (s *Store) Subscribe(channel string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subbed[channel]; ok {
		s.subbed[channel] = handler
		return nil
	}
	s.subbed[channel] = handler

	if s.pubsub == nil {
		s.pubsub = s.subClient.Subscribe(context.Background(), channel)
		s.startDispatch()
		return nil
	}
	return s.pubsub.Subscribe(context.Background(), channel)
}

// Unsubscribe removes channel from the subscriber connection.
func (s *Store) Unsubscribe(channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subbed, channel)
	if s.pubsub == nil {
		return nil
	}
	return s.pubsub.Unsubscribe(context.Background(), channel)
}

// startDispatch runs the subscriber's receive loop on its own goroutine.
// Must be called with s.mu held.
func (s *Store) startDispatch() {
	if s.running {
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	ch := s.pubsub.Channel()

	go func() {
		log := logger.KVPS()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				s.mu.Lock()
				handler, found := s.subbed[msg.Channel]
				s.mu.Unlock()
				if !found {
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							log.Error().Interface("panic", r).Str("channel", msg.Channel).Msg("subscription handler panicked")
						}
					}()
					handler(msg.Channel, msg.Payload)
				}()
			}
		}
	}()
}
