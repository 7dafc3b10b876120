// Copyright (c) 2026 John Earle
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

// ColdSync Relay — webhook server
//
// Entry point for the relay service. It:
//  1. Loads configuration from config.yaml / environment
//  2. Connects to PostgreSQL (thread index) and Redis (dedup seen-filter),
//     both optional
//  3. Loads the mailbox OAuth credential and ensures labels exist
//  4. Warms the CRM pipeline caches
//  5. Serves the webhook, health and metrics endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/coldsync/relay/internal/auth"
	"github.com/coldsync/relay/internal/config"
	"github.com/coldsync/relay/internal/convert"
	"github.com/coldsync/relay/internal/crm"
	"github.com/coldsync/relay/internal/dedup"
	"github.com/coldsync/relay/internal/keylock"
	"github.com/coldsync/relay/internal/mailbox"
	"github.com/coldsync/relay/internal/pipeline"
	"github.com/coldsync/relay/internal/threads"
	"github.com/coldsync/relay/internal/webhook"
)

func main() {
	// .env is a local-dev convenience; absence is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting coldsync relay")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"auth_enabled", cfg.WebhookSecret != "",
		"response_deadline", cfg.ResponseDeadline,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Thread index: Postgres when configured, in-memory otherwise ---
	var index threads.Index
	var pgPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pgPool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		store, err := threads.NewStore(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise thread index", "error", err)
			os.Exit(1)
		}
		index = store
		slog.Info("thread index on PostgreSQL")
	} else {
		index = threads.NewMemory()
		slog.Warn("no DATABASE_URL — thread index is in-memory and will not survive restarts")
	}

	// --- Dedup seen-filter: Redis when configured ---
	var seen *dedup.SeenFilter
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		seen = dedup.NewSeenFilter(rdb)
		if err := seen.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis")
	} else {
		slog.Warn("no REDIS_URL — dedup runs on in-process reservations and mailbox lookups only")
	}

	// --- Mailbox credential + store ---
	creds, err := auth.Load(cfg.Gmail.ClientID, cfg.Gmail.ClientSecret, cfg.Gmail.TokenFile)
	if err != nil {
		slog.Error("failed to load mailbox credentials", "error", err)
		os.Exit(1)
	}

	store, err := mailbox.NewGmailStore(ctx, creds.Client(ctx))
	if err != nil {
		slog.Error("failed to build mailbox client", "error", err)
		os.Exit(1)
	}

	ledger := dedup.NewLedger(index, store, seen)
	uploader := mailbox.NewUploader(mailbox.UploaderConfig{
		Store:     store,
		Ledger:    ledger,
		Index:     index,
		RetryMax:  cfg.RetryMax,
		RetryBase: cfg.RetryBase,
	})
	if err := uploader.EnsureLabels(ctx, cfg.Gmail.LabelSent, cfg.Gmail.LabelReplies); err != nil {
		slog.Error("failed to ensure mailbox labels", "error", err)
		os.Exit(1)
	}
	slog.Info("mailbox labels ready",
		"sent", cfg.Gmail.LabelSent,
		"replies", cfg.Gmail.LabelReplies,
	)

	// --- CRM stage machine ---
	crmClient := crm.NewClient(crm.Config{
		APIKey:   cfg.Attio.APIKey,
		BaseURL:  cfg.Attio.BaseURL,
		ListName: cfg.Attio.ListName,
		Timeout:  cfg.CallTimeout,
	})
	if err := crmClient.WarmCache(ctx); err != nil {
		// The relay can serve the mailbox path while the CRM is down;
		// the client re-warms its cache on first use once the API is
		// back.
		slog.Warn("CRM cache warm-up failed, continuing", "error", err)
	}

	machine := pipeline.NewMachine(
		crmClient,
		pipeline.NewClassifier(cfg.InterestedCategories, cfg.BookedCategories),
		keylock.NewSet(cfg.LockTimeout),
	)

	// --- Webhook server ---
	handler := webhook.NewHandler(webhook.HandlerConfig{
		Secret:        cfg.WebhookSecret,
		Builder:       convert.NewBuilder(index, cfg.Gmail.LabelSent, cfg.Gmail.LabelReplies),
		Uploader:      uploader,
		Machine:       machine,
		ThreadLocks:   keylock.NewSet(cfg.LockTimeout),
		Deadline:      cfg.ResponseDeadline,
		MaxConcurrent: cfg.MaxConcurrent,
		AuthStatus:    creds.Authenticated,
	})

	ready, done, err := webhook.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("relay ready", "port", cfg.Port)

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel()
	<-done

	slog.Info("relay stopped")
}
