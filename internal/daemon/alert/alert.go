// Package alert implements Alerting (component L): rule evaluation over
// metric windows (failure rate, queue depth, heartbeat gap, PR-failure
// streak, route leak), with cooldown-gated firing/resolved transitions.
//
// New component, grounded on this codebase's prior internal/controller/polltrigger
// (rate-limited ticking over a sliding window) for the evaluation-loop
// shape, with github.com/prometheus/client_golang (already a existing codebase
// dependency) providing the underlying counters/gauges the rules read —
// replacing polltrigger's OpenTelemetry meter (a dropped dependency, see
// DESIGN.md) with Prometheus collectors directly, since these rules need
// concrete thresholds evaluated in-process, not a generic metrics-export
// pipeline.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	"github.com/agentsdashboard/engine/internal/log"
	"github.com/prometheus/client_golang/prometheus"
	"log/slog"
)

// RuleType enumerates the five supported rule families.
type RuleType string

const (
	RuleFailureRate     RuleType = "failure-rate"
	RuleQueueBacklog    RuleType = "queue-backlog"
	RuleHeartbeatGap    RuleType = "heartbeat-gap"
	RulePRFailureStreak RuleType = "pr-failure-streak"
	RuleRouteLeak       RuleType = "route-leak"
)

// Rule configures one alert evaluation.
type Rule struct {
	Name      string
	Type      RuleType
	TaskID    string        // scopes failure-rate / PR-failure-streak to one task; empty = engine-wide
	Window    time.Duration
	Threshold float64
	Cooldown  time.Duration
}

// State enumerates an AlertEvent's lifecycle.
type State string

const (
	StateFiring   State = "firing"
	StateResolved State = "resolved"
)

// Event is emitted whenever a Rule's state changes.
type Event struct {
	Rule      string
	State     State
	Value     float64
	FirstSeen time.Time
	LastSeen  time.Time
}

// Sink receives alert Events as they fire or resolve.
type Sink interface {
	Emit(Event)
}

// Source is the narrow slice of the Run Store + Proxy Route Manager the
// evaluator needs to compute each rule's metric.
type Source interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*model.Run, error)
	ListWorkers(ctx context.Context) ([]model.Worker, error)
}

// RouteSnapshotter exposes the Proxy Route Manager's current table for the
// route-leak rule.
type RouteSnapshotter interface {
	Snapshot() ([]model.ProxyRoute, <-chan struct{})
}

// Evaluator evaluates a fixed set of Rules against a Source on a cadence.
type Evaluator struct {
	Rules  []Rule
	Store  Source
	Routes RouteSnapshotter
	Sink   Sink
	Logger *slog.Logger

	firingGauge *prometheus.GaugeVec

	mu          sync.Mutex
	state       map[string]*ruleState
	prStreaks   map[string]int // taskID -> consecutive PR-publish failures
}

type ruleState struct {
	firing       bool
	firstSeen    time.Time
	lastFired    time.Time
}

// New builds an Evaluator. reg may be nil, in which case the firing gauge is
// not registered (useful for tests).
func New(rules []Rule, src Source, routes RouteSnapshotter, sink Sink, reg prometheus.Registerer, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentsdashboard_alert_firing",
		Help: "1 if the named alert rule is currently firing, else 0.",
	}, []string{"rule"})
	if reg != nil {
		_ = reg.Register(gauge)
	}
	return &Evaluator{
		Rules:       rules,
		Store:       src,
		Routes:      routes,
		Sink:        sink,
		Logger:      log.WithComponent(logger, "alert"),
		firingGauge: gauge,
		state:       make(map[string]*ruleState),
		prStreaks:   make(map[string]int),
	}
}

// RecordPRFailure increments the PR-publish failure streak for a task; a
// successful publish should call RecordPRSuccess to reset it.
func (e *Evaluator) RecordPRFailure(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prStreaks[taskID]++
}

// RecordPRSuccess resets a task's PR-publish failure streak.
func (e *Evaluator) RecordPRSuccess(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.prStreaks, taskID)
}

// Tick evaluates every Rule once against now.
func (e *Evaluator) Tick(ctx context.Context, now time.Time) {
	for _, r := range e.Rules {
		value, err := e.evaluate(ctx, r, now)
		if err != nil {
			e.Logger.Warn("alert rule evaluation failed", "rule", r.Name, log.Error(err))
			continue
		}
		e.apply(r, value, now)
	}
}

func (e *Evaluator) evaluate(ctx context.Context, r Rule, now time.Time) (float64, error) {
	switch r.Type {
	case RuleFailureRate:
		return e.failureRate(ctx, r, now)
	case RuleQueueBacklog:
		return e.queueBacklog(ctx)
	case RuleHeartbeatGap:
		return e.heartbeatGap(ctx, now)
	case RulePRFailureStreak:
		e.mu.Lock()
		defer e.mu.Unlock()
		return float64(e.prStreaks[r.TaskID]), nil
	case RuleRouteLeak:
		return e.routeLeak(now), nil
	default:
		return 0, nil
	}
}

func (e *Evaluator) failureRate(ctx context.Context, r Rule, now time.Time) (float64, error) {
	filter := store.RunFilter{TaskID: r.TaskID, States: []model.RunState{model.RunSucceeded, model.RunFailed, model.RunCancelled}}
	runs, err := e.Store.ListRuns(ctx, filter)
	if err != nil {
		return 0, err
	}
	var total, failed int
	cutoff := now.Add(-r.Window)
	for _, run := range runs {
		if run.EndedAt == nil || run.EndedAt.Before(cutoff) {
			continue
		}
		total++
		if run.State == model.RunFailed {
			failed++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(failed) / float64(total), nil
}

func (e *Evaluator) queueBacklog(ctx context.Context) (float64, error) {
	runs, err := e.Store.ListRuns(ctx, store.RunFilter{States: []model.RunState{model.RunQueued}})
	if err != nil {
		return 0, err
	}
	return float64(len(runs)), nil
}

func (e *Evaluator) heartbeatGap(ctx context.Context, now time.Time) (float64, error) {
	workers, err := e.Store.ListWorkers(ctx)
	if err != nil {
		return 0, err
	}
	var maxGap time.Duration
	for _, w := range workers {
		gap := now.Sub(w.LastHeartbeat)
		if gap > maxGap {
			maxGap = gap
		}
	}
	return maxGap.Seconds(), nil
}

func (e *Evaluator) routeLeak(now time.Time) float64 {
	if e.Routes == nil {
		return 0
	}
	snap, _ := e.Routes.Snapshot()
	var leaked int
	for _, r := range snap {
		if r.Ownership.RunID != "" && r.TTLDeadline != nil && now.After(*r.TTLDeadline) {
			leaked++
		}
	}
	return float64(leaked)
}

// apply transitions a Rule's firing state and emits an Event on change,
// respecting cooldown against re-firing within its window.
func (e *Evaluator) apply(r Rule, value float64, now time.Time) {
	e.mu.Lock()
	st, ok := e.state[r.Name]
	if !ok {
		st = &ruleState{}
		e.state[r.Name] = st
	}
	breach := value >= r.Threshold

	var emit *Event
	switch {
	case breach && !st.firing:
		if now.Sub(st.lastFired) < r.Cooldown {
			e.mu.Unlock()
			return
		}
		st.firing = true
		st.firstSeen = now
		st.lastFired = now
		emit = &Event{Rule: r.Name, State: StateFiring, Value: value, FirstSeen: st.firstSeen, LastSeen: now}
	case !breach && st.firing:
		st.firing = false
		emit = &Event{Rule: r.Name, State: StateResolved, Value: value, FirstSeen: st.firstSeen, LastSeen: now}
	case breach && st.firing:
		st.lastFired = now
	}
	firing := st.firing
	e.mu.Unlock()

	if e.firingGauge != nil {
		v := 0.0
		if firing {
			v = 1.0
		}
		e.firingGauge.WithLabelValues(r.Name).Set(v)
	}
	if emit != nil && e.Sink != nil {
		e.Sink.Emit(*emit)
	}
}

// Run starts the evaluation loop on a fixed cadence until stop is closed.
func (e *Evaluator) Run(stop <-chan struct{}, cadence time.Duration) {
	if cadence <= 0 {
		cadence = 30 * time.Second
	}
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			e.Tick(ctx, now)
			cancel()
		}
	}
}
