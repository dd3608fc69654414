// Package ingress parses the client envelope {service, action, ...} and
// routes it to the matching fan-out service, returning validation errors
// in a uniform shape. The handler table is closed at startup: services are
// registered once during wiring and never added or removed at runtime.
package ingress

import (
	"encoding/json"
	"time"

	"github.com/nodebridge/wsgateway/internal/logger"
	"github.com/nodebridge/wsgateway/internal/wserr"
)

// Service is the common capability every fan-out service implements.
// onClientDisconnect and getStats are optional; a service that has
// nothing to do there simply implements them as no-ops.
type Service interface {
	HandleAction(clientID, action string, data json.RawMessage) (interface{}, error)
	OnClientDisconnect(clientID string)
	Stats() map[string]interface{}
}

// request is the client->server envelope.
type request struct {
	Service string          `json:"service"`
	Action  string          `json:"action"`
	Data    json.RawMessage `json:"-"`
}

// response is the server->client envelope, uniform across services and
// errors.
type response struct {
	Type      string      `json:"type"`
	Action    string      `json:"action,omitempty"`
	Success   *bool       `json:"success,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Dispatcher routes parsed client frames to registered services.
type Dispatcher struct {
	services map[string]Service
}

// New constructs a Dispatcher over a closed set of named services.
func New(services map[string]Service) *Dispatcher {
	return &Dispatcher{services: services}
}

// Dispatch parses raw as a request envelope and invokes the matching
// service. It always returns a non-nil response envelope ready to send
// back to the client (even on error).
func (d *Dispatcher) Dispatch(clientID string, raw []byte) response {
	now := time.Now().UTC().Format(time.RFC3339)

	var envelope struct {
		Service string `json:"service"`
		Action  string `json:"action"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return errorResponse("", now, "malformed request envelope")
	}

	if envelope.Service == "" || envelope.Action == "" {
		return errorResponse(envelope.Action, now, "service and action are required")
	}

	svc, ok := d.services[envelope.Service]
	if !ok {
		return errorResponse(envelope.Action, now, "unknown service: "+envelope.Service)
	}

	data := json.RawMessage(raw)
	result, err := svc.HandleAction(clientID, envelope.Action, data)
	if err != nil {
		if werr, ok := err.(*wserr.Error); ok {
			logger.Ingress().Debug().Str("clientId", clientID).Str("service", envelope.Service).
				Str("action", envelope.Action).Str("code", string(werr.Code)).Msg("service returned error")
			return errorResponse(envelope.Action, now, werr.Message)
		}
		logger.Ingress().Warn().Err(err).Str("clientId", clientID).Msg("unexpected service error")
		return errorResponse(envelope.Action, now, "internal error")
	}

	success := true
	return response{
		Type:      envelope.Service,
		Action:    envelope.Action,
		Success:   &success,
		Data:      result,
		Timestamp: now,
	}
}

// OnClientDisconnect fans out the disconnect hook to every registered
// service, in the order they were registered is not guaranteed.
func (d *Dispatcher) OnClientDisconnect(clientID string) {
	for _, svc := range d.services {
		svc.OnClientDisconnect(clientID)
	}
}

func errorResponse(action, timestamp, message string) response {
	return response{
		Type:      "error",
		Action:    action,
		Error:     message,
		Timestamp: timestamp,
	}
}
