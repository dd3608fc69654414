// Package chat implements the chat fan-out service: join/leave/send/history
// actions over channels with a bounded in-memory history tail.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/nodebridge/wsgateway/internal/wserr"
)

const maxHistory = 100
const replayCount = 20

// Sender is the subset of the router a service needs to fan out events.
type Sender interface {
	SendToChannel(ctx context.Context, channel string, payload interface{}, excludeClientID string)
	SendToClient(ctx context.Context, clientID string, payload interface{})
}

// SubscriptionTracker lets the service ask the router to join/leave a
// channel on the client's behalf.
type SubscriptionTracker interface {
	SubscribeToChannel(ctx context.Context, clientID, channel string)
	UnsubscribeFromChannel(ctx context.Context, clientID, channel string)
}

// Message is one stamped chat message.
type Message struct {
	ID        string                 `json:"id"`
	ClientID  string                 `json:"clientId"`
	Channel   string                 `json:"channel"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Service is the chat fan-out service.
type Service struct {
	router    Sender
	tracker   SubscriptionTracker
	sanitizer *bluemonday.Policy

	mu         sync.Mutex
	history    map[string][]Message // channel -> ring, newest last
	joined     map[string]map[string]bool // clientId -> channel set
}

// New constructs a chat service bound to the router.
func New(router Sender, tracker SubscriptionTracker) *Service {
	return &Service{
		router:    router,
		tracker:   tracker,
		sanitizer: bluemonday.StrictPolicy(),
		history:   make(map[string][]Message),
		joined:    make(map[string]map[string]bool),
	}
}

type joinRequest struct {
	Channel string `json:"channel"`
}

type sendRequest struct {
	Channel  string                 `json:"channel"`
	Message  string                 `json:"message"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type historyRequest struct {
	Channel string `json:"channel"`
}

// HandleAction implements ingress.Service.
func (s *Service) HandleAction(clientID, action string, data json.RawMessage) (interface{}, error) {
	ctx := context.Background()
	switch action {
	case "join":
		var req joinRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		return s.join(ctx, clientID, req.Channel)
	case "leave":
		var req joinRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		s.leave(ctx, clientID, req.Channel)
		return map[string]string{"channel": req.Channel}, nil
	case "send":
		var req sendRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		return s.send(ctx, clientID, req)
	case "history":
		var req historyRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		return s.getHistory(req.Channel), nil
	default:
		return nil, wserr.Input("unknown action: %s", action)
	}
}

func (s *Service) join(ctx context.Context, clientID, channel string) (interface{}, error) {
	s.mu.Lock()
	set, ok := s.joined[clientID]
	if !ok {
		set = make(map[string]bool)
		s.joined[clientID] = set
	}
	set[channel] = true
	s.mu.Unlock()

	s.tracker.SubscribeToChannel(ctx, clientID, channel)

	return map[string]interface{}{
		"channel": channel,
		"history": s.getHistory(channel),
	}, nil
}

func (s *Service) leave(ctx context.Context, clientID, channel string) {
	s.mu.Lock()
	if set, ok := s.joined[clientID]; ok {
		delete(set, channel)
	}
	s.mu.Unlock()
	s.tracker.UnsubscribeFromChannel(ctx, clientID, channel)
}

func (s *Service) send(ctx context.Context, clientID string, req sendRequest) (interface{}, error) {
	if !s.isJoined(clientID, req.Channel) {
		return nil, wserr.Authorization("must join %s before sending", req.Channel)
	}
	if n := utf8.RuneCountInString(req.Message); n == 0 || n > 1000 {
		return nil, wserr.Input("message must be 1..1000 characters")
	}

	msg := Message{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Channel:   req.Channel,
		Message:   s.sanitizer.Sanitize(req.Message),
		Metadata:  req.Metadata,
		Timestamp: time.Now().UTC(),
	}

	s.appendHistory(req.Channel, msg)

	s.router.SendToChannel(ctx, req.Channel, map[string]interface{}{
		"type":      "chat",
		"action":    "message",
		"channel":   req.Channel,
		"message":   msg,
		"timestamp": msg.Timestamp,
	}, "")

	return map[string]interface{}{"message": msg}, nil
}

func (s *Service) getHistory(channel string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.history[channel]
	if len(all) <= replayCount {
		out := make([]Message, len(all))
		copy(out, all)
		return out
	}
	out := make([]Message, replayCount)
	copy(out, all[len(all)-replayCount:])
	return out
}

func (s *Service) appendHistory(channel string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.history[channel], msg)
	if len(hist) > maxHistory {
		hist = hist[len(hist)-maxHistory:]
	}
	s.history[channel] = hist
}

func (s *Service) isJoined(clientID, channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.joined[clientID]
	return ok && set[channel]
}

// OnClientDisconnect implements ingress.Service.
func (s *Service) OnClientDisconnect(clientID string) {
	s.mu.Lock()
	delete(s.joined, clientID)
	s.mu.Unlock()
}

// Stats implements ingress.Service.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"channels": len(s.history),
	}
}
