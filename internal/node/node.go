// Package node owns this process's identity in the cluster, maintains the
// shared KVPS-backed directory of nodes/clients/channels, and answers
// routing-relevant topology queries. When the directory is unreachable it
// falls back to standalone mode: every query reports self as the only node.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodebridge/wsgateway/internal/kvps"
	"github.com/nodebridge/wsgateway/internal/logger"
)

const (
	keyNodes = "websocket:nodes"
)

func nodeInfoKey(nodeID string) string      { return fmt.Sprintf("websocket:node:%s:info", nodeID) }
func nodeHeartbeatKey(nodeID string) string { return fmt.Sprintf("websocket:node:%s:heartbeat", nodeID) }
func nodeClientsKey(nodeID string) string   { return fmt.Sprintf("websocket:node:%s:clients", nodeID) }
func nodeChannelsKey(nodeID string) string  { return fmt.Sprintf("websocket:node:%s:channels", nodeID) }
func clientNodeKey(clientID string) string  { return fmt.Sprintf("websocket:client:%s:node", clientID) }
func clientChannelsKey(clientID string) string {
	return fmt.Sprintf("websocket:client:%s:channels", clientID)
}
func clientMetadataKey(clientID string) string {
	return fmt.Sprintf("websocket:client:%s:metadata", clientID)
}
func channelNodesKey(channel string) string { return fmt.Sprintf("websocket:channel:%s:nodes", channel) }

// Info describes this node's static identity.
type Info struct {
	NodeID    string    `json:"nodeId"`
	Hostname  string    `json:"hostname"`
	PID       int       `json:"pid"`
	Port      string    `json:"port"`
	StartedAt time.Time `json:"startedAt"`
}

// ClusterInfo is the aggregated, best-effort topology snapshot used for
// the operational /cluster surface.
type ClusterInfo struct {
	Self       string       `json:"self"`
	Standalone bool         `json:"standalone"`
	Nodes      []NodeStatus `json:"nodes"`
}

// NodeStatus is one entry in a cluster snapshot.
type NodeStatus struct {
	NodeID          string `json:"nodeId"`
	Hostname        string `json:"hostname"`
	ConnectionCount int    `json:"connectionCount"`
	Alive           bool   `json:"alive"`
}

// Manager is the Node Manager described in the component design: it owns
// this instance's identity, maintains the shared directory, and answers
// routing-relevant queries.
type Manager struct {
	store *kvps.Store
	info  Info

	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration

	mu         sync.RWMutex
	standalone bool

	// localClients and localChannelRefs track only what this node hosts,
	// so unsubscribeClientFromChannel can tell whether it was the last
	// local subscriber for a channel before removing the node-channel edge.
	localClients     map[string]map[string]bool // clientId -> channel set
	localChannelRefs map[string]int             // channel -> local subscriber count

	stopHeartbeat chan struct{}
	wg            sync.WaitGroup
}

// New constructs a Manager with a freshly generated node identity.
func New(store *kvps.Store, port string, heartbeatInterval, heartbeatTTL time.Duration) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		store: store,
		info: Info{
			NodeID:    fmt.Sprintf("%s-%d-%d-%s", hostname, os.Getpid(), time.Now().UnixNano(), uuid.NewString()[:8]),
			Hostname:  hostname,
			PID:       os.Getpid(),
			Port:      port,
			StartedAt: time.Now(),
		},
		heartbeatInterval: heartbeatInterval,
		heartbeatTTL:      heartbeatTTL,
		localClients:      make(map[string]map[string]bool),
		localChannelRefs:  make(map[string]int),
		stopHeartbeat:     make(chan struct{}),
	}
}

// NodeID returns this node's identity.
func (m *Manager) NodeID() string { return m.info.NodeID }

// Standalone reports whether the directory is currently unreachable.
func (m *Manager) Standalone() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.standalone
}

// Register is idempotent: it adds this node to the active-nodes set,
// writes its info hash and initial heartbeat, and starts the heartbeat
// task. On KVPS failure it falls soft into standalone mode rather than
// failing startup.
func (m *Manager) Register(ctx context.Context) {
	log := logger.Node()

	if err := m.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("kvps unreachable at startup, running standalone")
		m.setStandalone(true)
		return
	}

	if err := m.writeRegistration(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to register node, running standalone")
		m.setStandalone(true)
		return
	}

	m.setStandalone(false)
	m.wg.Add(1)
	go m.heartbeatLoop()
	log.Info().Str("nodeId", m.info.NodeID).Msg("node registered")
}

func (m *Manager) writeRegistration(ctx context.Context) error {
	if err := m.store.SAdd(ctx, keyNodes, m.info.NodeID); err != nil {
		return err
	}
	if err := m.store.HSetJSON(ctx, nodeInfoKey(m.info.NodeID), "info", m.info); err != nil {
		return err
	}
	return m.writeHeartbeat(ctx)
}

func (m *Manager) writeHeartbeat(ctx context.Context) error {
	hb := map[string]interface{}{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime":          time.Since(m.info.StartedAt).Seconds(),
		"connectionCount": m.localClientCount(),
	}
	data, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	key := nodeHeartbeatKey(m.info.NodeID)
	if err := m.store.HSet(ctx, key, map[string]string{"data": string(data)}); err != nil {
		return err
	}
	return m.store.Expire(ctx, key, m.heartbeatTTL)
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	log := logger.Node()
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopHeartbeat:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := m.writeHeartbeat(ctx); err != nil {
				log.Warn().Err(err).Msg("heartbeat write failed")
			}
			cancel()
		}
	}
}

func (m *Manager) setStandalone(v bool) {
	m.mu.Lock()
	m.standalone = v
	m.mu.Unlock()
}

// RegisterClient records that clientId is now hosted by this node.
func (m *Manager) RegisterClient(ctx context.Context, clientID string, metadata map[string]string) {
	m.mu.Lock()
	m.localClients[clientID] = make(map[string]bool)
	m.mu.Unlock()

	if m.Standalone() {
		return
	}
	log := logger.Node()
	if err := m.store.SAdd(ctx, nodeClientsKey(m.info.NodeID), clientID); err != nil {
		log.Warn().Err(err).Str("clientId", clientID).Msg("directory error registering client")
	}
	if err := m.store.SetString(ctx, clientNodeKey(clientID), m.info.NodeID, 0); err != nil {
		log.Warn().Err(err).Str("clientId", clientID).Msg("directory error writing client node")
	}
	if len(metadata) > 0 {
		if err := m.store.HSetJSON(ctx, clientMetadataKey(clientID), "metadata", metadata); err != nil {
			log.Warn().Err(err).Str("clientId", clientID).Msg("directory error writing client metadata")
		}
	}
}

// UnregisterClient removes every directory trace of clientId hosted by
// this node, including its channel memberships.
func (m *Manager) UnregisterClient(ctx context.Context, clientID string) {
	m.mu.RLock()
	channels := make([]string, 0, len(m.localClients[clientID]))
	for ch := range m.localClients[clientID] {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		m.UnsubscribeClientFromChannel(ctx, clientID, ch)
	}

	m.mu.Lock()
	delete(m.localClients, clientID)
	m.mu.Unlock()

	if m.Standalone() {
		return
	}
	log := logger.Node()
	if err := m.store.SRem(ctx, nodeClientsKey(m.info.NodeID), clientID); err != nil {
		log.Warn().Err(err).Str("clientId", clientID).Msg("directory error removing client")
	}
	if err := m.store.Delete(ctx, clientNodeKey(clientID), clientChannelsKey(clientID), clientMetadataKey(clientID)); err != nil {
		log.Warn().Err(err).Str("clientId", clientID).Msg("directory error deleting client keys")
	}
}

// SubscribeClientToChannel adds channel to clientId's set and, if this is
// the node's first local subscriber for channel, adds this node to the
// channel's node set.
func (m *Manager) SubscribeClientToChannel(ctx context.Context, clientID, channel string) (firstLocalSubscriber bool) {
	m.mu.Lock()
	set, ok := m.localClients[clientID]
	if !ok {
		set = make(map[string]bool)
		m.localClients[clientID] = set
	}
	if set[channel] {
		m.mu.Unlock()
		return false
	}
	set[channel] = true
	m.localChannelRefs[channel]++
	firstLocalSubscriber = m.localChannelRefs[channel] == 1
	m.mu.Unlock()

	if m.Standalone() {
		return firstLocalSubscriber
	}
	log := logger.Node()
	if err := m.store.SAdd(ctx, clientChannelsKey(clientID), channel); err != nil {
		log.Warn().Err(err).Msg("directory error adding client channel")
	}
	if err := m.store.SAdd(ctx, nodeChannelsKey(m.info.NodeID), channel); err != nil {
		log.Warn().Err(err).Msg("directory error adding node channel")
	}
	if firstLocalSubscriber {
		if err := m.store.SAdd(ctx, channelNodesKey(channel), m.info.NodeID); err != nil {
			log.Warn().Err(err).Msg("directory error adding channel node edge")
		}
	}
	return firstLocalSubscriber
}

// UnsubscribeClientFromChannel removes channel from clientId's set and, if
// this was the last local subscriber, removes this node from the
// channel's node set.
func (m *Manager) UnsubscribeClientFromChannel(ctx context.Context, clientID, channel string) (lastLocalSubscriber bool) {
	m.mu.Lock()
	set, ok := m.localClients[clientID]
	if !ok || !set[channel] {
		m.mu.Unlock()
		return false
	}
	delete(set, channel)
	m.localChannelRefs[channel]--
	lastLocalSubscriber = m.localChannelRefs[channel] <= 0
	if lastLocalSubscriber {
		delete(m.localChannelRefs, channel)
	}
	m.mu.Unlock()

	if m.Standalone() {
		return lastLocalSubscriber
	}
	log := logger.Node()
	if err := m.store.SRem(ctx, clientChannelsKey(clientID), channel); err != nil {
		log.Warn().Err(err).Msg("directory error removing client channel")
	}
	if lastLocalSubscriber {
		if err := m.store.SRem(ctx, nodeChannelsKey(m.info.NodeID), channel); err != nil {
			log.Warn().Err(err).Msg("directory error removing node channel")
		}
		if err := m.store.SRem(ctx, channelNodesKey(channel), m.info.NodeID); err != nil {
			log.Warn().Err(err).Msg("directory error removing channel node edge")
		}
	}
	return lastLocalSubscriber
}

// GetNodesForChannel reports which nodes host at least one subscriber of
// channel. In standalone mode this is always just self.
func (m *Manager) GetNodesForChannel(ctx context.Context, channel string) []string {
	if m.Standalone() {
		return []string{m.info.NodeID}
	}
	nodes, err := m.store.SMembers(ctx, channelNodesKey(channel))
	if err != nil {
		logger.Node().Warn().Err(err).Msg("directory error reading channel nodes")
		return nil
	}
	return nodes
}

// GetClientNode looks up which node currently hosts clientId.
func (m *Manager) GetClientNode(ctx context.Context, clientID string) (string, bool) {
	m.mu.RLock()
	_, local := m.localClients[clientID]
	m.mu.RUnlock()
	if local {
		return m.info.NodeID, true
	}
	if m.Standalone() {
		return "", false
	}
	nodeID, err := m.store.GetString(ctx, clientNodeKey(clientID))
	if err != nil || nodeID == "" {
		return "", false
	}
	return nodeID, true
}

func (m *Manager) localClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.localClients)
}

// GetClusterInfo aggregates node info and heartbeats for observability.
func (m *Manager) GetClusterInfo(ctx context.Context) ClusterInfo {
	if m.Standalone() {
		return ClusterInfo{
			Self:       m.info.NodeID,
			Standalone: true,
			Nodes: []NodeStatus{{
				NodeID:          m.info.NodeID,
				Hostname:        m.info.Hostname,
				ConnectionCount: m.localClientCount(),
				Alive:           true,
			}},
		}
	}

	nodeIDs, err := m.store.SMembers(ctx, keyNodes)
	if err != nil {
		logger.Node().Warn().Err(err).Msg("directory error listing nodes")
		return ClusterInfo{Self: m.info.NodeID}
	}

	statuses := make([]NodeStatus, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		hb, _ := m.store.HGetAll(ctx, nodeHeartbeatKey(id))
		alive := len(hb) > 0
		count := 0
		if id == m.info.NodeID {
			count = m.localClientCount()
		} else if clients, err := m.store.SMembers(ctx, nodeClientsKey(id)); err == nil {
			count = len(clients)
		}
		statuses = append(statuses, NodeStatus{NodeID: id, Alive: alive, ConnectionCount: count})
	}
	return ClusterInfo{Self: m.info.NodeID, Nodes: statuses}
}

// Shutdown stops the heartbeat, removes this node from every channel's
// node set, removes all hosted clients from the directory, and deletes
// this node's own keys.
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stopHeartbeat)
	m.wg.Wait()

	if m.Standalone() {
		return
	}
	log := logger.Node()

	m.mu.RLock()
	clientIDs := make([]string, 0, len(m.localClients))
	for id := range m.localClients {
		clientIDs = append(clientIDs, id)
	}
	channels := make([]string, 0, len(m.localChannelRefs))
	for ch := range m.localChannelRefs {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		if err := m.store.SRem(ctx, channelNodesKey(ch), m.info.NodeID); err != nil {
			log.Warn().Err(err).Str("channel", ch).Msg("directory error during shutdown channel cleanup")
		}
	}
	for _, id := range clientIDs {
		if err := m.store.Delete(ctx, clientNodeKey(id), clientChannelsKey(id), clientMetadataKey(id)); err != nil {
			log.Warn().Err(err).Str("clientId", id).Msg("directory error during shutdown client cleanup")
		}
	}

	if err := m.store.Delete(ctx, nodeInfoKey(m.info.NodeID), nodeHeartbeatKey(m.info.NodeID), nodeClientsKey(m.info.NodeID), nodeChannelsKey(m.info.NodeID)); err != nil {
		log.Warn().Err(err).Msg("directory error deleting node keys")
	}
	if err := m.store.SRem(ctx, keyNodes, m.info.NodeID); err != nil {
		log.Warn().Err(err).Msg("directory error removing node from active set")
	}
	log.Info().Str("nodeId", m.info.NodeID).Msg("node shutdown complete")
}
