package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/metrics"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60

	// MessageThreatAlert is the message type pushed to dashboards for each detected threat.
	MessageThreatAlert = "threat_alert"

	relayPublishTimeout = 5 * time.Second
)

// Conn is one subscriber connection. Send must not block; an error means the connection is unusable.
type Conn interface {
	ID() string
	Send(msg []byte) error
	Close()
}

// Message is the envelope delivered to subscribers.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Relay fans alerts out across server instances. Every instance subscribes to the organizations
// it has local subscribers for and delivers relayed messages locally.
type Relay interface {
	PublishAlert(ctx context.Context, orgID int64, msg []byte) error
	SubscribeOrganization(orgID int64, handler func(msg []byte)) (cancel func(), err error)
}

// Hub maintains organization_id -> set of connections and broadcasts messages.
// A message published for one organization is never delivered to another organization's subscribers.
type Hub struct {
	// orgID -> map[connID]Conn
	orgs    map[int64]map[string]Conn
	subs    map[int64]func() // cancel relay subscription per organization
	opening map[int64]bool   // relay subscription in flight
	mu      sync.RWMutex
	closed bool
	logger *zap.Logger
	relay  Relay
}

// NewHub creates a hub. relay may be nil for single-instance deployments.
func NewHub(logger *zap.Logger, relay Relay) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		orgs:    make(map[int64]map[string]Conn),
		subs:    make(map[int64]func()),
		opening: make(map[int64]bool),
		logger:  logger,
		relay:   relay,
	}
}

// Subscribe registers conn for orgID. Subscribing the same conn twice is a no-op.
// Any subscribe that finds the organization without a relay subscription, and none in flight,
// opens one, so a failed attempt is retried by the next subscriber.
func (h *Hub) Subscribe(conn Conn, orgID int64) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	m := h.orgs[orgID]
	if m == nil {
		m = make(map[string]Conn)
		h.orgs[orgID] = m
	}
	if _, ok := m[conn.ID()]; ok {
		h.mu.Unlock()
		return
	}
	m[conn.ID()] = conn
	open := h.relay != nil && h.subs[orgID] == nil && !h.opening[orgID]
	if open {
		h.opening[orgID] = true
	}
	h.mu.Unlock()

	metrics.HubConnections.Inc()
	h.logger.Debug("subscriber joined", zap.String("conn_id", conn.ID()), zap.Int64("organization_id", orgID))

	if open {
		h.openRelay(orgID)
	}
}

// openRelay subscribes outside the registry lock; the result is kept only if the organization
// still has local subscribers and no other subscription won the race.
func (h *Hub) openRelay(orgID int64) {
	cancel, err := h.relay.SubscribeOrganization(orgID, func(msg []byte) {
		h.deliver(orgID, msg)
	})
	if err != nil {
		h.mu.Lock()
		delete(h.opening, orgID)
		h.mu.Unlock()
		h.logger.Warn("relay subscribe failed", zap.Int64("organization_id", orgID), zap.Error(err))
		return
	}
	h.mu.Lock()
	delete(h.opening, orgID)
	if h.closed || len(h.orgs[orgID]) == 0 || h.subs[orgID] != nil {
		h.mu.Unlock()
		cancel()
		return
	}
	h.subs[orgID] = cancel
	h.mu.Unlock()
}

// Unsubscribe removes conn from orgID. It does not close conn. Removing an absent conn is a no-op.
func (h *Hub) Unsubscribe(conn Conn, orgID int64) {
	if h.remove(orgID, conn.ID()) {
		h.logger.Debug("subscriber left", zap.String("conn_id", conn.ID()), zap.Int64("organization_id", orgID))
	}
}

func (h *Hub) remove(orgID int64, connID string) bool {
	h.mu.Lock()
	m, ok := h.orgs[orgID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, ok := m[connID]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(m, connID)
	var cancel func()
	if len(m) == 0 {
		delete(h.orgs, orgID)
		cancel = h.subs[orgID]
		delete(h.subs, orgID)
	}
	h.mu.Unlock()

	metrics.HubConnections.Dec()
	if cancel != nil {
		cancel()
	}
	return true
}

// Publish delivers msg to every local subscriber of orgID and returns the number of successful sends.
// Subscribers whose Send fails are removed and closed.
func (h *Hub) Publish(orgID int64, msg Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal hub message", zap.String("type", msg.Type), zap.Error(err))
		return 0
	}
	return h.deliver(orgID, data)
}

func (h *Hub) deliver(orgID int64, data []byte) int {
	h.mu.RLock()
	m := h.orgs[orgID]
	targets := make([]Conn, 0, len(m))
	for _, c := range m {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(data); err != nil {
			h.logger.Info("evicting subscriber", zap.String("conn_id", c.ID()), zap.Int64("organization_id", orgID), zap.Error(err))
			if h.remove(orgID, c.ID()) {
				metrics.SubscribersEvicted.Inc()
			}
			c.Close()
			continue
		}
		delivered++
	}
	metrics.AlertsDelivered.Add(float64(delivered))
	return delivered
}

// PublishAlert sends an alert of msgType to every subscriber of orgID across instances.
// With a relay, the relay subscription of each instance performs the local delivery, so the
// message reaches each subscriber once. The alert is delivered to local subscribers directly
// when there is no relay, the relay publish fails, or this instance holds no relay subscription
// for the organization yet.
func (h *Hub) PublishAlert(orgID int64, msgType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}
	msg := Message{Type: msgType, Data: data}
	if h.relay != nil {
		body, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal alert: %w", err)
		}
		relayed := h.relayed(orgID)
		ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
		defer cancel()
		err = h.relay.PublishAlert(ctx, orgID, body)
		if err == nil {
			if !relayed {
				h.Publish(orgID, msg)
			}
			return nil
		}
		h.logger.Warn("relay publish failed, delivering locally", zap.Int64("organization_id", orgID), zap.Error(err))
	}
	h.Publish(orgID, msg)
	return nil
}

// relayed reports whether this instance receives orgID's relay traffic.
func (h *Hub) relayed(orgID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subs[orgID] != nil
}

// Count returns the number of local subscribers of orgID.
func (h *Hub) Count(orgID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.orgs[orgID])
}

// Close cancels relay subscriptions and closes every registered connection.
// Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	orgs := h.orgs
	subs := h.subs
	h.orgs = make(map[int64]map[string]Conn)
	h.subs = make(map[int64]func())
	h.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	for _, m := range orgs {
		for _, c := range m {
			metrics.HubConnections.Dec()
			c.Close()
		}
	}
}
