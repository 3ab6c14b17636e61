// Copyright 2026 The Privd Authors
// SPDX-License-Identifier: Apache-2.0

// Command privd is the platform privilege daemon. It serves the
// application/package/privilege relation over Unix sockets in a
// runtime directory: a root-only installer endpoint for mutations and
// an open query endpoint for reads.
//
// The privilege database must already exist; create it (and seed the
// static privilege-to-group mapping) with --init-db.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/privd-project/privd/ipc"
	"github.com/privd-project/privd/lib/config"
	"github.com/privd-project/privd/lib/flock"
	"github.com/privd-project/privd/privstore"
	"github.com/privd-project/privd/services/info"
	"github.com/privd-project/privd/services/installer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "privd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "configuration file (defaults to $PRIVD_CONFIG, then built-in defaults)")
	initDB := flag.Bool("init-db", false, "create the privilege database if absent and seed privilege groups")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}
	lock, err := flock.Acquire(filepath.Join(cfg.RuntimeDir, "privd.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	store, err := privstore.Open(privstore.Config{
		Path:     cfg.Database,
		PoolSize: cfg.PoolSize,
		Create:   *initDB,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening privilege store: %w", err)
	}
	defer store.Close()

	if *initDB {
		if err := seedGroups(store, cfg, logger); err != nil {
			return err
		}
	}

	reactor := ipc.New(ipc.Options{
		Logger:        logger,
		QueueDepth:    cfg.QueueDepth,
		IdleTimeout:   cfg.IdleTimeout.Std(),
		ShutdownGrace: cfg.ShutdownGrace.Std(),
	})
	reactor.Register(installer.New(store, cfg.RuntimeDir, logger))
	reactor.Register(info.New(store, cfg.RuntimeDir, logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("privd starting",
		"runtime_dir", cfg.RuntimeDir,
		"database", cfg.Database,
		"pid", os.Getpid(),
	)
	if err := reactor.Run(ctx); err != nil {
		return err
	}
	logger.Info("privd stopped")
	return nil
}

// seedGroups loads the static privilege-to-group policy into a fresh
// database. A missing policy file is not fatal: the daemon can serve
// without group mappings, it just answers group queries empty.
func seedGroups(store *privstore.Store, cfg config.Config, logger *slog.Logger) error {
	policy, err := config.LoadGroupPolicy(cfg.GroupPolicy)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("no group policy file, skipping privilege group seeding",
				"path", cfg.GroupPolicy,
			)
			return nil
		}
		return err
	}

	mappings := make(map[string][]string, len(policy.Privileges))
	for _, mapping := range policy.Privileges {
		mappings[mapping.Name] = mapping.Groups
	}
	if err := store.SeedPrivilegeGroups(context.Background(), mappings); err != nil {
		return fmt.Errorf("seeding privilege groups: %w", err)
	}
	logger.Info("privilege groups seeded",
		"path", cfg.GroupPolicy,
		"privileges", len(mappings),
	)
	return nil
}
