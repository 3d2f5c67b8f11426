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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentsdashboard/engine/internal/daemon"
	"github.com/agentsdashboard/engine/internal/daemon/confwatch"
	"github.com/agentsdashboard/engine/internal/daemon/configfile"
	"github.com/agentsdashboard/engine/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		socketPath  = flag.String("socket", "", "Unix socket path")
		tcpAddr     = flag.String("listen", "", "TCP address to listen on")
		pidFile     = flag.String("pid-file", "", "Path to PID file")
		dataDir     = flag.String("data-dir", "", "Directory for engine state")
		configPath  = flag.String("config", "", "Path to a YAML config file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("engined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := configfile.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config file", slog.Any("error", err))
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *tcpAddr != "" {
		cfg.ListenAddr = *tcpAddr
	}
	if *pidFile != "" {
		cfg.PIDFile = *pidFile
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	d, derr := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if derr != nil {
		logger.Error("failed to create daemon", slog.Any("error", derr))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *configPath != "" {
		go func() {
			if err := confwatch.Watch(ctx, logger, *configPath, d); err != nil {
				logger.Warn("config watch stopped", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
