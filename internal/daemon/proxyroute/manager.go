// Package proxyroute implements the Proxy Route Manager (component G): an
// immutable-snapshot, single-writer/multiple-reader route table with TTL
// eviction and run-id ownership-prefix enforcement. Grounded on the
// prior internal/controller/endpoint.Registry (named, mutex-guarded
// registry), generalized from "a plain map behind RWMutex" to a
// snapshot-plus-change-token model so readers never see a route table
// mutate mid-iteration.
package proxyroute

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

// AuditRecord is produced whenever a request matches a managed route.
type AuditRecord struct {
	ProjectID    string
	RepositoryID string
	TaskID       string
	RunID        string
	RouteID      string
	LatencyMs    int64
	Timestamp    time.Time
}

// AuditSink receives AuditRecords. The store package implements this.
type AuditSink interface {
	RecordProxyAudit(AuditRecord) error
}

// Manager owns the route table. Every mutation replaces the table with a new
// immutable slice and closes the current change token, so readers holding an
// old Snapshot() result never observe a torn table.
type Manager struct {
	Sweep     time.Duration
	AuditSink AuditSink

	mu      sync.Mutex
	routes  map[string]model.ProxyRoute
	epoch   []model.ProxyRoute
	changed chan struct{}
}

// New builds a Manager with the default 60s sweep cadence.
func New(audit AuditSink) *Manager {
	m := &Manager{
		Sweep:     60 * time.Second,
		AuditSink: audit,
		routes:    make(map[string]model.ProxyRoute),
		changed:   make(chan struct{}),
	}
	m.rebuildLocked()
	return m
}

// Upsert adds or replaces a route. If ownership carries a non-empty run-id,
// routeID must equal or be prefixed by "run-<run-id>". This is a plain
// string-prefix check, and an existing route with the same id is replaced
// whatever its current ownership.
func (m *Manager) Upsert(routeID, pathPattern, destination string, ttl *time.Time, ownership model.RouteOwnership) error {
	if ownership.RunID != "" {
		prefix := "run-" + ownership.RunID
		if routeID != prefix && !strings.HasPrefix(routeID, prefix) {
			return fmt.Errorf("proxyroute: route-id %q must start with %q for run-owned routes", routeID, prefix)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[routeID] = model.ProxyRoute{
		RouteID:     routeID,
		PathPattern: pathPattern,
		Destination: destination,
		TTLDeadline: ttl,
		Ownership:   ownership,
	}
	m.rebuildLocked()
	return nil
}

// Remove deletes a route by id, if present.
func (m *Manager) Remove(routeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[routeID]; !ok {
		return
	}
	delete(m.routes, routeID)
	m.rebuildLocked()
}

// rebuildLocked must be called with mu held: it snapshots the current table
// into an immutable slice and closes+replaces the change token so blocked
// readers wake up.
func (m *Manager) rebuildLocked() {
	snap := make([]model.ProxyRoute, 0, len(m.routes))
	for _, r := range m.routes {
		snap = append(snap, r)
	}
	m.epoch = snap
	close(m.changed)
	m.changed = make(chan struct{})
}

// Snapshot returns the current immutable route table and a channel that
// closes the next time the table changes.
func (m *Manager) Snapshot() ([]model.ProxyRoute, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.changed
}

// Get looks up a single route by id from the current snapshot.
func (m *Manager) Get(routeID string) (model.ProxyRoute, bool) {
	snap, _ := m.Snapshot()
	for _, r := range snap {
		if r.RouteID == routeID {
			return r, true
		}
	}
	return model.ProxyRoute{}, false
}

// SweepOnce removes every route whose TTL deadline has passed. Returns the
// number of routes evicted.
func (m *Manager) SweepOnce(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var evicted int
	for id, r := range m.routes {
		if r.TTLDeadline != nil && now.After(*r.TTLDeadline) {
			delete(m.routes, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.rebuildLocked()
	}
	return evicted
}

// Run starts the background TTL sweeper; it returns when stop is closed.
func (m *Manager) Run(stop <-chan struct{}) {
	interval := m.Sweep
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			m.SweepOnce(now)
		}
	}
}

// RecordHit audits a request that matched a managed route.
func (m *Manager) RecordHit(record AuditRecord) {
	if m.AuditSink == nil {
		return
	}
	record.Timestamp = time.Now().UTC()
	_ = m.AuditSink.RecordProxyAudit(record)
}
