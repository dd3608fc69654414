// Package cursor implements the cursor fan-out service: per-client cursor
// positions, throttled updates, and a TTL sweeper that removes stale
// entries and broadcasts their removal.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nodebridge/wsgateway/internal/logger"
	"github.com/nodebridge/wsgateway/internal/wserr"
)

// Sender is the subset of the router the service needs.
type Sender interface {
	SendToChannel(ctx context.Context, channel string, payload interface{}, excludeClientID string)
}

// SubscriptionTracker lets the service subscribe a client to a channel.
type SubscriptionTracker interface {
	SubscribeToChannel(ctx context.Context, clientID, channel string)
	UnsubscribeFromChannel(ctx context.Context, clientID, channel string)
}

func cursorChannel(channel string) string { return fmt.Sprintf("cursor:%s", channel) }

// entry is one (channel, client) cursor record.
type entry struct {
	Position    json.RawMessage
	Metadata    map[string]interface{}
	UpdatedAt   time.Time
	lastUpdateAttempt time.Time
}

type channelState struct {
	cursors map[string]*entry // clientId -> entry
}

// Service is the cursor fan-out service.
type Service struct {
	router  Sender
	tracker SubscriptionTracker
	ttl     time.Duration
	cleanup time.Duration
	throttle time.Duration

	mu       sync.Mutex
	channels map[string]*channelState

	stop chan struct{}
}

// New constructs a cursor service and starts its TTL sweeper.
func New(router Sender, tracker SubscriptionTracker, ttl, cleanup, throttle time.Duration) *Service {
	s := &Service{
		router:   router,
		tracker:  tracker,
		ttl:      ttl,
		cleanup:  cleanup,
		throttle: throttle,
		channels: make(map[string]*channelState),
		stop:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the sweeper goroutine.
func (s *Service) Close() { close(s.stop) }

func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.cleanup)
	defer ticker.Stop()
	log := logger.Service("cursor")

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("cursor sweeper panicked")
					}
				}()
				s.sweepExpired()
			}()
		}
	}
}

func (s *Service) sweepExpired() {
	now := time.Now()
	type expired struct {
		channel  string
		clientID string
	}
	var removed []expired

	s.mu.Lock()
	for ch, state := range s.channels {
		for clientID, e := range state.cursors {
			if now.Sub(e.UpdatedAt) > s.ttl {
				delete(state.cursors, clientID)
				removed = append(removed, expired{ch, clientID})
			}
		}
		if len(state.cursors) == 0 {
			delete(s.channels, ch)
		}
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, e := range removed {
		s.router.SendToChannel(ctx, cursorChannel(e.channel), map[string]interface{}{
			"type":      "cursor",
			"action":    "remove",
			"timestamp": now,
			"data": map[string]interface{}{
				"channel":  e.channel,
				"clientId": e.clientID,
			},
		}, "")
	}
}

type updateRequest struct {
	Channel  string                 `json:"channel"`
	Position json.RawMessage        `json:"position"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type subscribeRequest struct {
	Channel string `json:"channel"`
}

type getRequest struct {
	Channel string `json:"channel"`
}

// HandleAction implements ingress.Service.
func (s *Service) HandleAction(clientID, action string, data json.RawMessage) (interface{}, error) {
	ctx := context.Background()
	switch action {
	case "update":
		var req updateRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" || len(req.Position) == 0 {
			return nil, wserr.Input("channel and position are required")
		}
		return s.update(clientID, req)
	case "subscribe":
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		s.tracker.SubscribeToChannel(ctx, clientID, cursorChannel(req.Channel))
		return map[string]interface{}{"channel": req.Channel, "cursors": s.snapshot(req.Channel)}, nil
	case "unsubscribe":
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		s.tracker.UnsubscribeFromChannel(ctx, clientID, cursorChannel(req.Channel))
		return map[string]string{"channel": req.Channel}, nil
	case "get":
		var req getRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		return s.snapshot(req.Channel), nil
	default:
		return nil, wserr.Input("unknown action: %s", action)
	}
}

// update is rate-limited to one broadcast per throttle interval per
// client; excess updates within the window are silently dropped (not an
// error).
func (s *Service) update(clientID string, req updateRequest) (interface{}, error) {
	now := time.Now()

	s.mu.Lock()
	state, ok := s.channels[req.Channel]
	if !ok {
		state = &channelState{cursors: make(map[string]*entry)}
		s.channels[req.Channel] = state
	}
	for _, st := range s.channels {
		if prev, found := st.cursors[clientID]; found && now.Sub(prev.lastUpdateAttempt) < s.throttle {
			s.mu.Unlock()
			return map[string]interface{}{"throttled": true}, nil
		}
	}
	e, ok := state.cursors[clientID]
	if !ok {
		e = &entry{}
		state.cursors[clientID] = e
	}
	e.Position = req.Position
	e.Metadata = req.Metadata
	e.UpdatedAt = now
	e.lastUpdateAttempt = now
	s.mu.Unlock()

	ctx := context.Background()
	s.router.SendToChannel(ctx, cursorChannel(req.Channel), map[string]interface{}{
		"type":      "cursor",
		"action":    "update",
		"timestamp": now,
		"data": map[string]interface{}{
			"channel":  req.Channel,
			"clientId": clientID,
			"position": req.Position,
			"metadata": req.Metadata,
		},
	}, "")

	return map[string]interface{}{"throttled": false}, nil
}

func (s *Service) snapshot(channel string) map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{})
	state, ok := s.channels[channel]
	if !ok {
		return out
	}
	for clientID, e := range state.cursors {
		out[clientID] = map[string]interface{}{
			"position": e.Position,
			"metadata": e.Metadata,
		}
	}
	return out
}

// OnClientDisconnect implements ingress.Service.
func (s *Service) OnClientDisconnect(clientID string) {
	s.mu.Lock()
	for _, state := range s.channels {
		delete(state.cursors, clientID)
	}
	s.mu.Unlock()
}

// Stats implements ingress.Service.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{"channels": len(s.channels)}
}
