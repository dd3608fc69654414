// Package router is the Message Router: it translates logical sends
// (to-channel, to-client, to-all) into the minimum set of inter-node KVPS
// deliveries and local dispatches, and delivers inbound cross-node
// envelopes to local recipients.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nodebridge/wsgateway/internal/kvps"
	"github.com/nodebridge/wsgateway/internal/logger"
	"github.com/nodebridge/wsgateway/internal/node"
	"github.com/nodebridge/wsgateway/internal/registry"
)

const broadcastAllChannel = "websocket:broadcast:all"

func directChannel(nodeID string) string { return fmt.Sprintf("websocket:direct:%s", nodeID) }
func routeChannel(channel string) string { return fmt.Sprintf("websocket:route:%s", channel) }

// envelopeType is one of the three kinds of cross-node message carried
// over the KVPS pub/sub wire shape.
type envelopeType string

const (
	typeDirect  envelopeType = "direct_message"
	typeBroad   envelopeType = "broadcast"
	typeChannel envelopeType = "channel_message"
)

// envelope is the JSON shape carried over KVPS pub/sub between nodes.
type envelope struct {
	Type            envelopeType    `json:"type"`
	Channel         string          `json:"channel,omitempty"`
	ClientID        string          `json:"clientId,omitempty"`
	Message         json.RawMessage `json:"message"`
	ExcludeClientID string          `json:"excludeClientId,omitempty"`
	FromNode        string          `json:"fromNode"`
	TargetNodes     []string        `json:"targetNodes,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Router is the message router. It holds the node manager (directory +
// topology) and the connection registry (local egress) it coordinates
// between.
type Router struct {
	store    *kvps.Store
	nodes    *node.Manager
	conns    *registry.Registry

	mu              sync.Mutex
	routedChannels  map[string]bool // channels this node is KVPS-subscribed to
	broadcastJoined bool
}

// New constructs a Router bound to a KVPS store, node manager, and
// connection registry.
func New(store *kvps.Store, nodes *node.Manager, conns *registry.Registry) *Router {
	return &Router{
		store:          store,
		nodes:          nodes,
		conns:          conns,
		routedChannels: make(map[string]bool),
	}
}

// Start subscribes to this node's direct channel and the global broadcast
// channel. Call once during startup, after the node manager registers.
func (r *Router) Start() {
	if r.nodes.Standalone() {
		return
	}
	nodeID := r.nodes.NodeID()
	if err := r.store.Subscribe(directChannel(nodeID), r.handleDirect); err != nil {
		logger.Router().Warn().Err(err).Msg("failed to subscribe to direct channel")
	}
	if err := r.store.Subscribe(broadcastAllChannel, r.handleBroadcast); err != nil {
		logger.Router().Warn().Err(err).Msg("failed to subscribe to broadcast channel")
	}
	r.broadcastJoined = true
}

// RegisterLocalClient stores the egress handle and metadata, and informs
// the node manager.
func (r *Router) RegisterLocalClient(ctx context.Context, clientID string, egress registry.Egress, metadata map[string]string) {
	r.conns.Add(clientID, egress, metadata)
	r.nodes.RegisterClient(ctx, clientID, metadata)
}

// UnregisterLocalClient unsubscribes clientId from every channel it
// belongs to (triggering KVPS unsubscribe when this was the last local
// subscriber of a channel), then removes it from the registry and the
// directory. Idempotent and safe against an already-closed connection.
func (r *Router) UnregisterLocalClient(ctx context.Context, clientID string) {
	for _, ch := range r.conns.Channels(clientID) {
		r.UnsubscribeFromChannel(ctx, clientID, ch)
	}
	r.conns.Remove(clientID)
	r.nodes.UnregisterClient(ctx, clientID)
}

// SubscribeToChannel adds clientId to channel locally and, if this
// process is not yet subscribed to the route channel for it, subscribes
// exactly once regardless of how many local clients eventually join.
func (r *Router) SubscribeToChannel(ctx context.Context, clientID, channel string) {
	r.conns.AddChannel(clientID, channel)
	firstLocal := r.nodes.SubscribeClientToChannel(ctx, clientID, channel)
	if !firstLocal {
		return
	}

	r.mu.Lock()
	already := r.routedChannels[channel]
	r.routedChannels[channel] = true
	r.mu.Unlock()

	if already || r.nodes.Standalone() {
		return
	}
	if err := r.store.Subscribe(routeChannel(channel), r.handleChannelMessage); err != nil {
		logger.Router().Warn().Err(err).Str("channel", channel).Msg("failed to subscribe to route channel")
	}
}

// UnsubscribeFromChannel removes clientId from channel locally and
// unsubscribes this process from the route channel iff no local client
// still needs it.
func (r *Router) UnsubscribeFromChannel(ctx context.Context, clientID, channel string) {
	r.conns.RemoveChannel(clientID, channel)
	lastLocal := r.nodes.UnsubscribeClientFromChannel(ctx, clientID, channel)
	if !lastLocal {
		return
	}

	r.mu.Lock()
	delete(r.routedChannels, channel)
	r.mu.Unlock()

	if r.nodes.Standalone() {
		return
	}
	if err := r.store.Unsubscribe(routeChannel(channel)); err != nil {
		logger.Router().Warn().Err(err).Str("channel", channel).Msg("failed to unsubscribe from route channel")
	}
}

// SendToChannel delivers payload to every client subscribed to channel,
// locally and on every other node that hosts a subscriber. excludeClientId,
// when non-empty, is skipped during local fan-out only — it never
// excludes the originating node at the KVPS layer.
func (r *Router) SendToChannel(ctx context.Context, channel string, payload interface{}, excludeClientID string) {
	r.fanOutLocal(channel, payload, excludeClientID)

	if r.nodes.Standalone() {
		return
	}

	targetNodes := r.nodes.GetNodesForChannel(ctx, channel)
	if len(targetNodes) == 0 {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Router().Error().Err(err).Msg("failed to marshal channel payload")
		return
	}
	env := envelope{
		Type:            typeChannel,
		Channel:         channel,
		Message:         data,
		ExcludeClientID: excludeClientID,
		FromNode:        r.nodes.NodeID(),
		TargetNodes:     targetNodes,
		Timestamp:       time.Now().UTC(),
	}
	r.publish(ctx, routeChannel(channel), env)
}

// SendToClient delivers payload directly to a single client, locally if
// hosted here, or via the addressed node's direct channel otherwise. If
// the client's node is unknown, the message is dropped with a warning;
// there is no retry.
func (r *Router) SendToClient(ctx context.Context, clientID string, payload interface{}) {
	if r.conns.SendToLocalClient(clientID, payload) {
		return
	}
	if _, ok := r.conns.Get(clientID); ok {
		// Known locally but the write failed: peer error, clean up.
		r.UnregisterLocalClient(ctx, clientID)
		return
	}

	targetNode, ok := r.nodes.GetClientNode(ctx, clientID)
	if !ok {
		logger.Router().Warn().Str("clientId", clientID).Msg("sendToClient: unknown client node, dropping")
		return
	}
	if targetNode == r.nodes.NodeID() {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logger.Router().Error().Err(err).Msg("failed to marshal direct payload")
		return
	}
	env := envelope{
		Type:      typeDirect,
		ClientID:  clientID,
		Message:   data,
		FromNode:  r.nodes.NodeID(),
		Timestamp: time.Now().UTC(),
	}
	r.publish(ctx, directChannel(targetNode), env)
}

// BroadcastToAll delivers payload to every client on every node.
func (r *Router) BroadcastToAll(ctx context.Context, payload interface{}, excludeClientID string) {
	r.fanOutLocal("", payload, excludeClientID)

	if r.nodes.Standalone() {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Router().Error().Err(err).Msg("failed to marshal broadcast payload")
		return
	}
	env := envelope{
		Type:            typeBroad,
		Message:         data,
		ExcludeClientID: excludeClientID,
		FromNode:        r.nodes.NodeID(),
		Timestamp:       time.Now().UTC(),
	}
	r.publish(ctx, broadcastAllChannel, env)
}

// fanOutLocal writes payload to every locally registered client whose
// channel set contains channel (or every client, when channel is empty —
// used for broadcast), skipping excludeClientId. Write failures unregister
// the offending client.
func (r *Router) fanOutLocal(channel string, payload interface{}, excludeClientID string) {
	var targets []string
	if channel == "" {
		targets = r.conns.All()
	} else {
		targets = r.conns.LocalSubscribers(channel)
	}

	for _, id := range targets {
		if id == excludeClientID {
			continue
		}
		if !r.conns.SendToLocalClient(id, payload) {
			ctx := context.Background()
			r.UnregisterLocalClient(ctx, id)
		}
	}
}

func (r *Router) publish(ctx context.Context, channel string, env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		logger.Router().Error().Err(err).Msg("failed to marshal envelope")
		return
	}
	if err := r.store.Publish(ctx, channel, string(data)); err != nil {
		logger.Router().Warn().Err(err).Str("channel", channel).Msg("directory error publishing envelope")
	}
}

// handleDirect is the KVPS subscription callback for this node's direct
// channel.
func (r *Router) handleDirect(_, payload string) {
	env, ok := r.decode(payload)
	if !ok {
		return
	}
	r.conns.SendToLocalClient(env.ClientID, json.RawMessage(env.Message))
}

// handleBroadcast is the KVPS subscription callback for the global
// broadcast channel. Every node delivers locally except the originator,
// deduplicated by fromNode.
func (r *Router) handleBroadcast(_, payload string) {
	env, ok := r.decode(payload)
	if !ok {
		return
	}
	if env.FromNode == r.nodes.NodeID() {
		return
	}
	r.fanOutLocal("", json.RawMessage(env.Message), env.ExcludeClientID)
}

// handleChannelMessage is the KVPS subscription callback for a per-channel
// route. It filters on membership in targetNodes before delivering
// locally, since a subscription here may be stale relative to the
// authoritative node set at publish time.
func (r *Router) handleChannelMessage(_, payload string) {
	env, ok := r.decode(payload)
	if !ok {
		return
	}
	if env.FromNode == r.nodes.NodeID() {
		return
	}
	if !containsNode(env.TargetNodes, r.nodes.NodeID()) {
		return
	}
	r.fanOutLocal(env.Channel, json.RawMessage(env.Message), env.ExcludeClientID)
}

func (r *Router) decode(payload string) (envelope, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		logger.Router().Warn().Err(err).Msg("failed to decode envelope")
		return envelope{}, false
	}
	return env, true
}

func containsNode(nodes []string, target string) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}
