// Package presence implements the presence fan-out service: status
// tracking per client with a background sweeper that marks clients
// offline after a period of missed heartbeats.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nodebridge/wsgateway/internal/logger"
	"github.com/nodebridge/wsgateway/internal/wserr"
)

// Status is a presence state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func validStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Sender is the subset of the router the service needs.
type Sender interface {
	SendToChannel(ctx context.Context, channel string, payload interface{}, excludeClientID string)
}

// SubscriptionTracker lets the service subscribe a client to a channel.
type SubscriptionTracker interface {
	SubscribeToChannel(ctx context.Context, clientID, channel string)
	UnsubscribeFromChannel(ctx context.Context, clientID, channel string)
}

type record struct {
	Status   Status
	Channels map[string]bool
	LastSeen time.Time
}

func presenceChannel(channel string) string { return fmt.Sprintf("presence:%s", channel) }

// Service is the presence fan-out service.
type Service struct {
	router  Sender
	tracker SubscriptionTracker
	timeout time.Duration

	mu      sync.Mutex
	records map[string]*record

	stop chan struct{}
}

// New constructs a presence service with a sweeper that runs every
// timeout/2 (bounded to at least 1s) checking for stale clients.
func New(router Sender, tracker SubscriptionTracker, timeout time.Duration) *Service {
	s := &Service{
		router:  router,
		tracker: tracker,
		timeout: timeout,
		records: make(map[string]*record),
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the sweeper goroutine.
func (s *Service) Close() { close(s.stop) }

func (s *Service) sweepLoop() {
	interval := s.timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log := logger.Service("presence")

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error().Interface("panic", r).Msg("presence sweeper panicked")
					}
				}()
				s.sweepExpired()
			}()
		}
	}
}

func (s *Service) sweepExpired() {
	now := time.Now()
	var toOffline []struct {
		clientID string
		channels []string
	}

	s.mu.Lock()
	for clientID, rec := range s.records {
		if rec.Status != StatusOffline && now.Sub(rec.LastSeen) > s.timeout {
			rec.Status = StatusOffline
			chans := make([]string, 0, len(rec.Channels))
			for ch := range rec.Channels {
				chans = append(chans, ch)
			}
			toOffline = append(toOffline, struct {
				clientID string
				channels []string
			}{clientID, chans})
		}
	}
	s.mu.Unlock()

	for _, t := range toOffline {
		s.broadcast(t.clientID, StatusOffline, t.channels)
	}
}

type setRequest struct {
	Status   Status   `json:"status"`
	Channels []string `json:"channels"`
}

type subscribeRequest struct {
	Channel string `json:"channel"`
}

type getRequest struct {
	ClientID string `json:"clientId"`
}

// HandleAction implements ingress.Service.
func (s *Service) HandleAction(clientID, action string, data json.RawMessage) (interface{}, error) {
	ctx := context.Background()
	switch action {
	case "set":
		var req setRequest
		if err := json.Unmarshal(data, &req); err != nil || !validStatus(req.Status) {
			return nil, wserr.Input("status must be one of online|away|busy|offline")
		}
		return s.set(clientID, req)
	case "get":
		var req getRequest
		if err := json.Unmarshal(data, &req); err != nil || req.ClientID == "" {
			return nil, wserr.Input("clientId is required")
		}
		return s.get(req.ClientID), nil
	case "subscribe":
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		s.tracker.SubscribeToChannel(ctx, clientID, presenceChannel(req.Channel))
		return map[string]string{"channel": req.Channel}, nil
	case "unsubscribe":
		var req subscribeRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Channel == "" {
			return nil, wserr.Input("channel is required")
		}
		s.tracker.UnsubscribeFromChannel(ctx, clientID, presenceChannel(req.Channel))
		return map[string]string{"channel": req.Channel}, nil
	case "heartbeat":
		s.heartbeat(clientID)
		return map[string]string{"status": "ok"}, nil
	default:
		return nil, wserr.Input("unknown action: %s", action)
	}
}

func (s *Service) set(clientID string, req setRequest) (interface{}, error) {
	s.mu.Lock()
	rec, ok := s.records[clientID]
	if !ok {
		rec = &record{Channels: make(map[string]bool)}
		s.records[clientID] = rec
	}
	rec.Status = req.Status
	rec.LastSeen = time.Now()
	for _, ch := range req.Channels {
		rec.Channels[ch] = true
	}
	channels := make([]string, 0, len(rec.Channels))
	for ch := range rec.Channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	s.broadcast(clientID, req.Status, channels)
	return map[string]interface{}{"status": req.Status}, nil
}

func (s *Service) get(clientID string) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[clientID]
	if !ok {
		return map[string]interface{}{"clientId": clientID, "status": StatusOffline}
	}
	return map[string]interface{}{"clientId": clientID, "status": rec.Status, "lastSeen": rec.LastSeen}
}

func (s *Service) heartbeat(clientID string) {
	s.mu.Lock()
	rec, ok := s.records[clientID]
	if !ok {
		rec = &record{Status: StatusOnline, Channels: make(map[string]bool)}
		s.records[clientID] = rec
	}
	rec.LastSeen = time.Now()
	if rec.Status == StatusOffline {
		rec.Status = StatusOnline
	}
	s.mu.Unlock()
}

func (s *Service) broadcast(clientID string, status Status, channels []string) {
	ctx := context.Background()
	for _, ch := range channels {
		s.router.SendToChannel(ctx, presenceChannel(ch), map[string]interface{}{
			"type":      "presence",
			"action":    "update",
			"timestamp": time.Now().UTC(),
			"data": map[string]interface{}{
				"clientId": clientID,
				"channel":  ch,
				"status":   status,
			},
		}, "")
	}
}

// OnClientDisconnect implements ingress.Service.
func (s *Service) OnClientDisconnect(clientID string) {
	s.mu.Lock()
	delete(s.records, clientID)
	s.mu.Unlock()
}

// Stats implements ingress.Service.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{"tracked": len(s.records)}
}
