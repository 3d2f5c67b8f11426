// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon wires the engine's components into one long-running
// process: the Run Store, Container Lifecycle Manager, Harness Runtime
// Strategies, Structured Event Pipeline, Run Dispatcher, Scheduler and
// restart Recovery, Proxy Route Manager, Retention Pruner, and Alerting.
// The lifecycle shape (PID file, listener, graceful drain, background
// loops stopped before the server) is the same one engined's own
// process management has always used; this is the first package to
// assemble every long-running component under it at once.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentsdashboard/engine/internal/daemon/alert"
	"github.com/agentsdashboard/engine/internal/daemon/awscreds"
	"github.com/agentsdashboard/engine/internal/daemon/container"
	"github.com/agentsdashboard/engine/internal/daemon/dispatcher"
	"github.com/agentsdashboard/engine/internal/daemon/execution"
	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/oauthrefresh"
	"github.com/agentsdashboard/engine/internal/daemon/pipeline"
	"github.com/agentsdashboard/engine/internal/daemon/proxyroute"
	"github.com/agentsdashboard/engine/internal/daemon/retention"
	"github.com/agentsdashboard/engine/internal/daemon/runtime"
	"github.com/agentsdashboard/engine/internal/daemon/scheduler"
	"github.com/agentsdashboard/engine/internal/daemon/secretcrypto"
	"github.com/agentsdashboard/engine/internal/daemon/store"
	"github.com/agentsdashboard/engine/internal/daemon/store/memory"
	sqlitestore "github.com/agentsdashboard/engine/internal/daemon/store/sqlite"
	"github.com/agentsdashboard/engine/internal/daemon/webhookdedup"
	"github.com/agentsdashboard/engine/internal/daemon/workerauth"
	internallog "github.com/agentsdashboard/engine/internal/log"
	"github.com/agentsdashboard/engine/internal/secrets"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Config is the daemon's runtime configuration. Unlike the existing codebase's
// config.Config (a CLI-and-daemon-spanning YAML document), this is scoped to
// exactly what starting the engine's daemon needs; the CLI layer is
// responsible for translating its own configuration file into one of these.
type Config struct {
	ListenAddr      string        // TCP address for the control-plane HTTP server
	SocketPath      string        // optional Unix socket path; takes precedence over ListenAddr
	PIDFile         string        // empty means no PID file
	DataDir         string        // holds the PID file and any on-disk state
	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	ConcurrencyCaps dispatcher.Caps
	DefaultRetry    model.RetryPolicy

	// StoreDriver selects the Run Store backend: "memory" (default) or
	// "sqlite". "sqlite" requires StorePath (or DataDir, as a fallback) to
	// name the database file.
	StoreDriver string
	StorePath   string

	// MasterKey decrypts Provider Secrets before they reach the Redactor
	// (see internal/daemon/secretcrypto.Cipher). Must be 32 bytes if set; a
	// nil key disables secret redaction, it does not fail startup.
	MasterKey []byte

	PruneInterval time.Duration
	PruneMaxAge   time.Duration
	AlertRules    []alert.Rule

	// WebhookRateLimit/WebhookRateBurst cap the rate of /webhooks/ POSTs the
	// control-plane server accepts, so a misbehaving forge cannot starve the
	// Scheduler by flooding webhook deliveries.
	WebhookRateLimit float64
	WebhookRateBurst int

	// WorkerAuthSecret signs/verifies the bearer token Workers present to
	// POST /workers/heartbeat (internal/daemon/workerauth). Empty disables
	// heartbeat authentication, accepting any caller's claimed worker ID.
	WorkerAuthSecret []byte

	// OAuthProviders names Provider Secrets whose value is an OAuth2
	// client-credentials access token rather than a static key; each is
	// refreshed on OAuthRefreshInterval and stored through the same
	// MasterKey encryption as any other Provider Secret.
	OAuthProviders       []oauthrefresh.ProviderConfig
	OAuthRefreshInterval time.Duration

	// WebhookDedupRedisAddr, when set, backs /webhooks/ delivery
	// deduplication with a shared Redis instance; unset, every delivery is
	// accepted, repeated delivery IDs included; needed once more than one engined
	// replica answers the same webhook endpoint.
	WebhookDedupRedisAddr string
	WebhookDedupTTL       time.Duration

	// AWSRoles names IAM roles to assume on a schedule, storing the
	// resulting temporary credentials as Provider Secrets the same way
	// OAuthProviders does for OAuth2 tokens.
	AWSRoles           []awscreds.RoleConfig
	AWSRefreshInterval time.Duration
}

// DefaultConfig mirrors this codebase's prior zero-config posture: an in-memory
// backend, a single-writer-per-repository concurrency cap, and a 30s drain
// window.
func DefaultConfig() Config {
	return Config{
		StoreDriver:          "memory",
		ListenAddr:           "127.0.0.1:4601",
		ShutdownTimeout:      30 * time.Second,
		DrainTimeout:         30 * time.Second,
		ConcurrencyCaps:      dispatcher.DefaultCaps(),
		DefaultRetry:         model.RetryPolicy{MaxAttempts: 3, BaseBackoff: 10 * time.Second, Multiplier: 2, CapBackoff: 5 * time.Minute},
		PruneInterval:        time.Hour,
		PruneMaxAge:          30 * 24 * time.Hour,
		WebhookRateLimit:     10,
		WebhookRateBurst:     20,
		OAuthRefreshInterval: 45 * time.Minute,
		AWSRefreshInterval:   45 * time.Minute,
	}
}

// Daemon is the engine's long-running process.
type Daemon struct {
	cfg    Config
	opts   Options
	logger *slog.Logger

	store      store.Backend
	containers *container.Manager
	runtimes   map[string]runtime.Runtime
	pipeline   *pipeline.Pipeline
	dispatcher *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	recovery   *scheduler.Recovery
	routes     *proxyroute.Manager
	pruner     *retention.Pruner
	alerts     *alert.Evaluator
	encryptor  *secretcrypto.Cipher
	workerAuth *workerauth.Issuer
	oauth      *oauthrefresh.Refresher
	awsCreds   *awscreds.Refresher

	webhookLimiter *rate.Limiter
	webhookDedup   webhookdedup.Store

	server  *http.Server
	ln      net.Listener
	pidFile string

	stopBackground chan struct{}
	wg             sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New builds a Daemon from cfg. It wires every component but starts nothing;
// call Start to begin serving and running background loops.
func New(cfg Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	var be store.Backend
	switch cfg.StoreDriver {
	case "", "memory":
		be = memory.New()
	case "sqlite":
		path := cfg.StorePath
		if path == "" && cfg.DataDir != "" {
			path = filepath.Join(cfg.DataDir, "engine.db")
		}
		if path == "" {
			return nil, fmt.Errorf("daemon: sqlite store requires StorePath or DataDir")
		}
		sb, err := sqlitestore.Open(path)
		if err != nil {
			return nil, fmt.Errorf("daemon: open sqlite store: %w", err)
		}
		be = sb
	default:
		return nil, fmt.Errorf("daemon: unknown store driver %q", cfg.StoreDriver)
	}

	containers := container.NewManager()

	resolver := runtime.ModeResolver{}
	runtimes := map[string]runtime.Runtime{
		"stdio": &runtime.StdioRuntime{Resolver: resolver, GraceWindow: 10 * time.Second, Logger: logger},
		"sse":   &runtime.SSERuntime{Resolver: resolver, HTTPClient: &http.Client{Timeout: 30 * time.Second}, Logger: logger},
		"mcp":   &runtime.MCPRuntime{Resolver: resolver, Timeout: 60 * time.Second, Logger: logger},
	}

	redactor := secrets.New()
	pl := pipeline.New(be, be, redactor)

	var encryptor *secretcrypto.Cipher
	if len(cfg.MasterKey) == 32 {
		enc, err := secretcrypto.New(cfg.MasterKey)
		if err != nil {
			return nil, fmt.Errorf("daemon: invalid master key: %w", err)
		}
		encryptor = enc
	} else if len(cfg.MasterKey) != 0 {
		return nil, fmt.Errorf("daemon: master key must be 32 bytes, got %d", len(cfg.MasterKey))
	}

	exec := execution.New(be, containers, runtimes, pl, nil, nil, encryptor, logger)

	disp := dispatcher.New(be, cfg.ConcurrencyCaps, exec, logger)
	exec.Dispatcher = disp

	sched := scheduler.New(be, disp, logger)
	recov := scheduler.NewRecovery(be, containers, logger)

	routes := proxyroute.New(be)

	pruner := retention.New(be, logger)

	var alerts *alert.Evaluator
	if len(cfg.AlertRules) > 0 {
		alerts = alert.New(cfg.AlertRules, be, routes, alertLogSink{logger}, nil, logger)
	}

	var workerIssuer *workerauth.Issuer
	if len(cfg.WorkerAuthSecret) > 0 {
		workerIssuer = workerauth.New(cfg.WorkerAuthSecret, 5*time.Minute)
	}

	var oauth *oauthrefresh.Refresher
	if len(cfg.OAuthProviders) > 0 {
		oauth = oauthrefresh.New(cfg.OAuthProviders, be, encryptor, logger)
	}

	var dedup webhookdedup.Store = webhookdedup.NoopStore{}
	if cfg.WebhookDedupRedisAddr != "" {
		dedup = webhookdedup.NewRedisStore(cfg.WebhookDedupRedisAddr, cfg.WebhookDedupTTL)
	}

	var awsRefresher *awscreds.Refresher
	if len(cfg.AWSRoles) > 0 {
		awsRefresher = awscreds.New(cfg.AWSRoles, be, encryptor, logger)
	}

	return &Daemon{
		cfg:            cfg,
		opts:           opts,
		logger:         logger,
		store:          be,
		containers:     containers,
		runtimes:       runtimes,
		pipeline:       pl,
		dispatcher:     disp,
		scheduler:      sched,
		recovery:       recov,
		routes:         routes,
		pruner:         pruner,
		encryptor:      encryptor,
		alerts:         alerts,
		workerAuth:     workerIssuer,
		oauth:          oauth,
		awsCreds:       awsRefresher,
		webhookLimiter: rate.NewLimiter(rate.Limit(cfg.WebhookRateLimit), cfg.WebhookRateBurst),
		webhookDedup:   dedup,
	}, nil
}

// SetWebhookRateLimit replaces the /webhooks/ rate limiter's configuration,
// applied immediately to the next request's check. Used by confwatch's
// config hot-reload so a rate-limit adjustment doesn't require a restart.
func (d *Daemon) SetWebhookRateLimit(limit float64, burst int) {
	d.webhookLimiter.SetLimit(rate.Limit(limit))
	d.webhookLimiter.SetBurst(burst)
}

// alertLogSink logs fired/resolved alert.Events; a real deployment would
// route this to webhook/paging infrastructure instead, which is outside
// this engine's scope.
type alertLogSink struct{ logger *slog.Logger }

func (s alertLogSink) Emit(e alert.Event) {
	s.logger.Warn("alert", "rule", e.Rule, "state", string(e.State), "value", e.Value)
}

// Start runs restart recovery, begins the background loops, and serves the
// control-plane HTTP API until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.cfg.PIDFile != "" {
		if err := d.writePIDFile(); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		d.pidFile = d.cfg.PIDFile
	}

	report, err := d.recovery.Recover(ctx)
	if err != nil {
		d.logger.Error("startup recovery failed", internallog.Error(err))
	} else {
		d.logger.Info("startup recovery complete",
			slog.Int("readopted", report.Readopted),
			slog.Int("failed", report.Failed),
			slog.Int("orphaned", report.Orphaned))
	}

	ln, err := d.listen()
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	d.ln = ln

	d.server = &http.Server{
		Handler:      d.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	d.logger.Info("engine daemon starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	d.stopBackground = make(chan struct{})
	d.scheduler.Start(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.routes.Run(d.stopBackground)
	}()

	if d.alerts != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.alerts.Run(d.stopBackground, time.Minute)
		}()
	}

	if d.cfg.PruneInterval > 0 {
		d.wg.Add(1)
		go d.runPruneLoop()
	}

	if d.oauth != nil && d.cfg.OAuthRefreshInterval > 0 {
		d.wg.Add(1)
		go d.runOAuthRefreshLoop()
	}

	if d.awsCreds != nil && d.cfg.AWSRefreshInterval > 0 {
		d.wg.Add(1)
		go d.runAWSRefreshLoop()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (d *Daemon) runPruneLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopBackground:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-d.cfg.PruneMaxAge)
			report, err := d.pruner.Prune(context.Background(), retention.Config{Cutoff: cutoff})
			if err != nil {
				d.logger.Error("prune failed", internallog.Error(err))
				continue
			}
			if report.RunsPruned > 0 {
				d.logger.Info("prune complete",
					slog.Int("runs_pruned", report.RunsPruned),
					slog.Int64("events_deleted", report.EventsDeleted))
			}
		}
	}
}

func (d *Daemon) runOAuthRefreshLoop() {
	defer d.wg.Done()
	d.oauth.RefreshAll(context.Background())
	ticker := time.NewTicker(d.cfg.OAuthRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopBackground:
			return
		case <-ticker.C:
			d.oauth.RefreshAll(context.Background())
		}
	}
}

func (d *Daemon) runAWSRefreshLoop() {
	defer d.wg.Done()
	d.awsCreds.RefreshAll(context.Background())
	ticker := time.NewTicker(d.cfg.AWSRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopBackground:
			return
		case <-ticker.C:
			d.awsCreds.RefreshAll(context.Background())
		}
	}
}

func (d *Daemon) listen() (net.Listener, error) {
	if d.cfg.SocketPath != "" {
		if err := os.MkdirAll(filepath.Dir(d.cfg.SocketPath), 0700); err != nil {
			return nil, err
		}
		_ = os.Remove(d.cfg.SocketPath)
		return net.Listen("unix", d.cfg.SocketPath)
	}
	addr := d.cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	return net.Listen("tcp", addr)
}

// router builds the control-plane HTTP API that enginectl drives: health,
// webhook fan-out, run inspection/approval, task/finding/worker listing, and
// an on-demand prune trigger. A future control plane spanning
// DispatchJob/CancelJob/KillContainer would extend this surface rather than
// add a second transport.
func (d *Daemon) router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/webhooks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !d.webhookLimiter.Allow() {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		deliveryID := r.Header.Get("X-Delivery-Id")
		if seen, err := d.webhookDedup.SeenBefore(r.Context(), deliveryID); err != nil {
			d.logger.Warn("webhook dedup check failed", internallog.Error(err))
		} else if seen {
			writeJSON(w, http.StatusOK, map[string]int{"dispatched": 0})
			return
		}
		repositoryID := filepath.Base(r.URL.Path)
		dispatched, err := d.scheduler.HandleWebhookEvent(r.Context(), repositoryID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"dispatched": dispatched})
	})

	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.RunFilter{
			TaskID:       q.Get("task_id"),
			RepositoryID: q.Get("repository_id"),
			ProjectID:    q.Get("project_id"),
		}
		if s := q.Get("state"); s != "" {
			filter.States = []model.RunState{model.RunState(s)}
		}
		runs, err := d.store.ListRuns(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	})

	mux.HandleFunc("/runs/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/runs/")
		runID, action, hasAction := strings.Cut(rest, "/")

		if !hasAction {
			run, err := d.store.GetRun(r.Context(), runID)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			writeJSON(w, http.StatusOK, run)
			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		switch action {
		case "approve":
			if err := d.dispatcher.Approve(r.Context(), runID); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
		case "reject":
			reason := r.URL.Query().Get("reason")
			if err := d.dispatcher.Reject(r.Context(), runID, reason); err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/tasks", func(w http.ResponseWriter, r *http.Request) {
		tasks, err := d.store.ListTasks(r.Context(), r.URL.Query().Get("repository_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
	})

	mux.HandleFunc("/findings", func(w http.ResponseWriter, r *http.Request) {
		findings, err := d.store.ListFindings(r.Context(), r.URL.Query().Get("repository_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, findings)
	})

	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		workers, err := d.store.ListWorkers(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, workers)
	})

	mux.HandleFunc("/workers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			ID       string `json:"id"`
			Endpoint string `json:"endpoint"`
			MaxSlots int    `json:"max_slots"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if d.workerAuth != nil {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			workerID, err := d.workerAuth.Verify(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if workerID != req.ID {
				http.Error(w, "token does not match worker id", http.StatusForbidden)
				return
			}
		}
		err := d.store.Heartbeat(r.Context(), model.Worker{
			ID:            req.ID,
			Endpoint:      req.Endpoint,
			MaxSlots:      req.MaxSlots,
			LastHeartbeat: time.Now().UTC(),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/secrets", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if d.encryptor == nil {
			http.Error(w, "no master key configured", http.StatusPreconditionFailed)
			return
		}
		var req struct {
			RepositoryID string `json:"repository_id"`
			Provider     string `json:"provider"`
			Value        string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		encrypted, err := d.encryptor.Encrypt([]byte(req.Value))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		secret := model.ProviderSecret{
			RepositoryID:   req.RepositoryID,
			Provider:       req.Provider,
			EncryptedValue: encrypted,
			UpdatedAt:      time.Now().UTC(),
		}
		if err := d.store.PutSecret(r.Context(), secret); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
	})

	mux.HandleFunc("/prune", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		cutoff := time.Now().UTC().Add(-d.cfg.PruneMaxAge)
		report, err := d.pruner.Prune(r.Context(), retention.Config{Cutoff: cutoff})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Shutdown gracefully stops the daemon: background loops first, then the
// control-plane server, then the backend.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated")

	if d.server != nil {
		d.server.SetKeepAlivesEnabled(false)
	}

	d.scheduler.Stop()
	if d.stopBackground != nil {
		close(d.stopBackground)
	}
	d.wg.Wait()

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove PID file", internallog.Error(err), slog.String("path", d.pidFile))
		}
	}
	if d.cfg.SocketPath != "" {
		if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			d.logger.Error("failed to remove socket file", internallog.Error(err), slog.String("path", d.cfg.SocketPath))
		}
	}

	if err := d.store.Close(); err != nil {
		d.logger.Error("failed to close backend", internallog.Error(err))
	}
	if closer, ok := d.webhookDedup.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Error("failed to close webhook dedup store", internallog.Error(err))
		}
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	dir := filepath.Dir(d.cfg.PIDFile)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	pid := os.Getpid()
	return os.WriteFile(d.cfg.PIDFile, []byte(fmt.Sprintf("%d\n", pid)), 0600)
}
