// Package reaction implements the reaction fan-out service: ephemeral
// emoji reactions validated against a fixed catalog and recorded into a
// bounded per-channel ring.
package reaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodebridge/wsgateway/internal/wserr"
)

const maxRing = 50

// catalog maps emoji to the visual effect name the client should play.
var catalog = map[string]string{
	"👍": "thumbs-up",
	"❤️": "heart-burst",
	"🎉": "confetti",
	"😂": "laugh-bounce",
	"😮": "surprise-pop",
	"👏": "applause",
	"🔥": "flame-rise",
}

// Sender is the subset of the router the service needs.
type Sender interface {
	SendToChannel(ctx context.Context, channel string, payload interface{}, excludeClientID string)
	SendToClient(ctx context.Context, clientID string, payload interface{})
}

// SubscriptionTracker lets the service subscribe a client to a channel.
type SubscriptionTracker interface {
	SubscribeToChannel(ctx context.Context, clientID, channel string)
	UnsubscribeFromChannel(ctx context.Context, clientID, channel string)
}

func reactionChannel(channel string) string { return fmt.Sprintf("reactions:%s", channel) }

// Reaction is one recorded reaction event.
type Reaction struct {
	ID        string                 `json:"id"`
	ClientID  string                 `json:"clientId"`
	Channel   string                 `json:"channel"`
	Emoji     string                 `json:"emoji"`
	Effect    string                 `json:"effect"`
	Position  json.RawMessage        `json:"position,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Service is the reaction fan-out service.
type Service struct {
	router  Sender
	tracker SubscriptionTracker

	mu   sync.Mutex
	ring map[string][]Reaction // channel -> ring, newest last
}

// New constructs a reaction service.
func New(router Sender, tracker SubscriptionTracker) *Service {
	return &Service{
		router:  router,
		tracker: tracker,
		ring:    make(map[string][]Reaction),
	}
}

type subscribeRequest struct {
	Channel string `json:"channel"`
}

type sendRequest struct {
	Channel  string                 `json:"channel"`
	Emoji    string                 `json:"emoji"`
	Position json.RawMessage        `json:"position,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// HandleAction implements ingress.Service.
func (s *Service) HandleAction(clientID, action string, data json.RawMessage) (interface{}, error) {
	ctx := context.Background()
	switch action {
	case "subscribe":
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		s.tracker.SubscribeToChannel(ctx, clientID, reactionChannel(req.Channel))
		return map[string]string{"channel": req.Channel}, nil
	case "unsubscribe":
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		s.tracker.UnsubscribeFromChannel(ctx, clientID, reactionChannel(req.Channel))
		return map[string]string{"channel": req.Channel}, nil
	case "send":
		var req sendRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		return s.send(clientID, req)
	case "getAvailable":
		return catalog, nil
	default:
		return nil, wserr.Input("unknown action: %s", action)
	}
}

func (s *Service) send(clientID string, req sendRequest) (interface{}, error) {
	effect, ok := catalog[req.Emoji]
	if !ok {
		return nil, wserr.Input("unknown emoji: %s", req.Emoji)
	}

	r := Reaction{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Channel:   req.Channel,
		Emoji:     req.Emoji,
		Effect:    effect,
		Position:  req.Position,
		Metadata:  req.Metadata,
		Timestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	ring := append(s.ring[req.Channel], r)
	if len(ring) > maxRing {
		ring = ring[len(ring)-maxRing:]
	}
	s.ring[req.Channel] = ring
	s.mu.Unlock()

	ctx := context.Background()
	s.router.SendToChannel(ctx, reactionChannel(req.Channel), map[string]interface{}{
		"type":      "reaction",
		"action":    "reaction",
		"timestamp": r.Timestamp,
		"data":      r,
	}, "")
	s.router.SendToClient(ctx, clientID, map[string]interface{}{
		"type":      "reaction",
		"action":    "reaction_sent",
		"success":   true,
		"data":      r,
		"timestamp": r.Timestamp,
	})

	return map[string]interface{}{"reaction": r}, nil
}

// OnClientDisconnect implements ingress.Service. Reactions carry no
// per-client subscription state beyond the router's own channel set, so
// there is nothing to clean up here.
func (s *Service) OnClientDisconnect(clientID string) {}

// Stats implements ingress.Service.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{"channels": len(s.ring)}
}
