// Package configfile loads engined's on-disk YAML configuration, layering
// file values over daemon.DefaultConfig() the way this codebase's prior
// config layer layers a YAML document over built-in defaults.
package configfile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"

	"github.com/agentsdashboard/engine/internal/daemon"
	"github.com/agentsdashboard/engine/internal/daemon/alert"
	"github.com/agentsdashboard/engine/internal/daemon/awscreds"
	"github.com/agentsdashboard/engine/internal/daemon/dispatcher"
	"github.com/agentsdashboard/engine/internal/daemon/oauthrefresh"
)

// document is the on-disk shape; every field is optional and, when absent,
// leaves daemon.DefaultConfig()'s value untouched.
type document struct {
	ListenAddr      string        `yaml:"listen_addr"`
	SocketPath      string        `yaml:"socket_path"`
	PIDFile         string        `yaml:"pid_file"`
	DataDir         string        `yaml:"data_dir"`
	StoreDriver     string        `yaml:"store_driver"`
	StorePath       string        `yaml:"store_path"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`

	ConcurrencyCaps *struct {
		Global     int `yaml:"global"`
		PerProject int `yaml:"per_project"`
		PerRepo    int `yaml:"per_repository"`
		PerTask    int `yaml:"per_task"`
	} `yaml:"concurrency_caps"`

	MasterKeyHex        string `yaml:"master_key_hex"`
	MasterKeyPassphrase string `yaml:"master_key_passphrase"`
	WorkerAuthSecret    string `yaml:"worker_auth_secret"`

	PruneInterval    time.Duration `yaml:"prune_interval"`
	PruneMaxAge      time.Duration `yaml:"prune_max_age"`
	WebhookRateLimit float64       `yaml:"webhook_rate_limit"`
	WebhookRateBurst int           `yaml:"webhook_rate_burst"`

	AlertRules []struct {
		Name      string        `yaml:"name"`
		Type      string        `yaml:"type"`
		TaskID    string        `yaml:"task_id"`
		Threshold float64       `yaml:"threshold"`
		Window    time.Duration `yaml:"window"`
		Cooldown  time.Duration `yaml:"cooldown"`
	} `yaml:"alert_rules"`

	OAuthProviders []struct {
		RepositoryID string   `yaml:"repository_id"`
		Provider     string   `yaml:"provider"`
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		TokenURL     string   `yaml:"token_url"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"oauth_providers"`
	OAuthRefreshInterval time.Duration `yaml:"oauth_refresh_interval"`

	WebhookDedupRedisAddr string        `yaml:"webhook_dedup_redis_addr"`
	WebhookDedupTTL       time.Duration `yaml:"webhook_dedup_ttl"`

	AWSRoles []struct {
		RepositoryID string   `yaml:"repository_id"`
		Provider     string   `yaml:"provider"`
		RoleARN      string   `yaml:"role_arn"`
		SessionName  string   `yaml:"session_name"`
		Region       string   `yaml:"region"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"aws_roles"`
	AWSRefreshInterval time.Duration `yaml:"aws_refresh_interval"`
}

// Load reads path and merges it over daemon.DefaultConfig(). A missing file
// is not an error — engined runs on defaults with no config file present.
func Load(path string) (daemon.Config, error) {
	cfg := daemon.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("configfile: %w", err)
	}

	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return cfg, fmt.Errorf("configfile: parse %s: %w", path, err)
	}

	if doc.ListenAddr != "" {
		cfg.ListenAddr = doc.ListenAddr
	}
	if doc.SocketPath != "" {
		cfg.SocketPath = doc.SocketPath
	}
	if doc.PIDFile != "" {
		cfg.PIDFile = doc.PIDFile
	}
	if doc.DataDir != "" {
		cfg.DataDir = doc.DataDir
	}
	if doc.StoreDriver != "" {
		cfg.StoreDriver = doc.StoreDriver
	}
	if doc.StorePath != "" {
		cfg.StorePath = doc.StorePath
	}
	if doc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = doc.ShutdownTimeout
	}
	if doc.DrainTimeout > 0 {
		cfg.DrainTimeout = doc.DrainTimeout
	}
	if doc.ConcurrencyCaps != nil {
		cfg.ConcurrencyCaps = dispatcher.Caps{
			Global:     doc.ConcurrencyCaps.Global,
			Project:    doc.ConcurrencyCaps.PerProject,
			Repository: doc.ConcurrencyCaps.PerRepo,
			Task:       doc.ConcurrencyCaps.PerTask,
		}
	}
	switch {
	case doc.MasterKeyHex != "":
		key, err := hex.DecodeString(doc.MasterKeyHex)
		if err != nil {
			return cfg, fmt.Errorf("configfile: master_key_hex: %w", err)
		}
		cfg.MasterKey = key
	case doc.MasterKeyPassphrase != "":
		// Operators who would rather remember a passphrase than manage a
		// hex-encoded key derive it instead: HKDF-SHA256 over the
		// passphrase, with the config file's own path as salt so the same
		// passphrase against a different deployment's config yields a
		// different key.
		key := make([]byte, 32)
		kdf := hkdf.New(sha256.New, []byte(doc.MasterKeyPassphrase), []byte(path), []byte("engine-master-key"))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return cfg, fmt.Errorf("configfile: derive master key: %w", err)
		}
		cfg.MasterKey = key
	}
	if doc.WorkerAuthSecret != "" {
		cfg.WorkerAuthSecret = []byte(doc.WorkerAuthSecret)
	}
	if doc.PruneInterval > 0 {
		cfg.PruneInterval = doc.PruneInterval
	}
	if doc.PruneMaxAge > 0 {
		cfg.PruneMaxAge = doc.PruneMaxAge
	}
	if doc.WebhookRateLimit > 0 {
		cfg.WebhookRateLimit = doc.WebhookRateLimit
	}
	if doc.WebhookRateBurst > 0 {
		cfg.WebhookRateBurst = doc.WebhookRateBurst
	}
	for _, r := range doc.AlertRules {
		cfg.AlertRules = append(cfg.AlertRules, alert.Rule{
			Name:      r.Name,
			Type:      alert.RuleType(r.Type),
			TaskID:    r.TaskID,
			Threshold: r.Threshold,
			Window:    r.Window,
			Cooldown:  r.Cooldown,
		})
	}
	for _, p := range doc.OAuthProviders {
		cfg.OAuthProviders = append(cfg.OAuthProviders, oauthrefresh.ProviderConfig{
			RepositoryID: p.RepositoryID,
			Provider:     p.Provider,
			ClientID:     p.ClientID,
			ClientSecret: p.ClientSecret,
			TokenURL:     p.TokenURL,
			Scopes:       p.Scopes,
		})
	}
	if doc.OAuthRefreshInterval > 0 {
		cfg.OAuthRefreshInterval = doc.OAuthRefreshInterval
	}
	if doc.WebhookDedupRedisAddr != "" {
		cfg.WebhookDedupRedisAddr = doc.WebhookDedupRedisAddr
	}
	if doc.WebhookDedupTTL > 0 {
		cfg.WebhookDedupTTL = doc.WebhookDedupTTL
	}
	for _, role := range doc.AWSRoles {
		cfg.AWSRoles = append(cfg.AWSRoles, awscreds.RoleConfig{
			RepositoryID: role.RepositoryID,
			Provider:     role.Provider,
			RoleARN:      role.RoleARN,
			SessionName:  role.SessionName,
			Region:       role.Region,
			Scopes:       role.Scopes,
		})
	}
	if doc.AWSRefreshInterval > 0 {
		cfg.AWSRefreshInterval = doc.AWSRefreshInterval
	}

	return cfg, nil
}
