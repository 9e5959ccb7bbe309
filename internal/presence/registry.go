// Package presence announces this dictation node on the bus and tracks
// the other nodes it hears from.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-dictate/internal/bus"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
)

type NodeInfo struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities,omitempty"`
	State        string    `json:"state,omitempty"`
	Running      bool      `json:"running"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// StateFunc reports the local dictation state for heartbeats.
type StateFunc func() (state string, running bool)

type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	state  StateFunc
	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
	reg    metric.Registration
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, state StateFunc, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if state == nil {
		state = func() (string, bool) { return "", false }
	}
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "presence")),
		bus:    busClient,
		state:  state,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/loqa-dictate/presence"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.wg.Add(2)
	go r.runHeartbeat(ctx, time.Duration(cfg.HeartbeatInterval)*time.Millisecond)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	if r.reg != nil {
		_ = r.reg.Unregister()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth(time.Now())
		}
	}
}

func (r *Registry) announce() error {
	msg := protocol.Announce{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: r.cfg.Capabilities,
		Timestamp:    time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Publish(protocol.SubjectNodeAnnounce, payload); err != nil {
		return err
	}
	r.updateNode(msg.NodeID, func(n *NodeInfo) {
		n.Role = msg.Role
		n.Capabilities = msg.Capabilities
		n.LastSeen = msg.Timestamp
	})
	return nil
}

func (r *Registry) publishHeartbeat() error {
	state, running := r.state()
	msg := protocol.Heartbeat{
		NodeID:    r.cfg.ID,
		State:     state,
		Running:   running,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Publish(protocol.HeartbeatSubject(r.cfg.ID), payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a protocol.Announce
	if err := json.Unmarshal(msg.Data, &a); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if a.NodeID == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	r.updateNode(a.NodeID, func(n *NodeInfo) {
		n.Role = a.Role
		n.Capabilities = a.Capabilities
		n.LastSeen = a.Timestamp
	})
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.NodeID == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateNode(hb.NodeID, func(n *NodeInfo) {
		n.State = hb.State
		n.Running = hb.Running
		n.LastSeen = hb.Timestamp
	})
}

func (r *Registry) updateNode(nodeID string, apply func(*NodeInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	apply(node)
	node.Healthy = true
}

func (r *Registry) evaluateHealth(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node has heard its own heartbeat recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Query returns known nodes matching filter, ordered by ID.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []NodeInfo
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = slices.Clone(node.Capabilities)
		if filter == nil || filter(n) {
			results = append(results, n)
		}
	}
	slices.SortFunc(results, func(a, b NodeInfo) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return results
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("loqa.presence.nodes", metric.WithDescription("Number of known dictation nodes"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("loqa.presence.healthy", metric.WithDescription("Number of nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	r.reg, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		total, ok := r.counts()
		obs.ObserveInt64(nodes, total)
		obs.ObserveInt64(healthy, ok)
		return nil
	}, nodes, healthy)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total, healthy int64
	for _, node := range r.nodes {
		total++
		if node.Healthy {
			healthy++
		}
	}
	return total, healthy
}

func WithCapabilityFilter(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return slices.Contains(node.Capabilities, name)
	}
}

func WithRoleFilter(role string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		return node.Role == role
	}
}
