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

// ColdSync Relay — bulk backfill CLI
//
// Replays historical campaign messages through the relay's normal
// build/upload and stage paths. Uploads are idempotent, so rerunning a
// backfill is safe.
//
// Usage:
//
//	backfill --campaign 12345
//	backfill --all --since 720h
//	backfill --campaign 12345 --dry-run
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/coldsync/relay/internal/auth"
	"github.com/coldsync/relay/internal/backfill"
	"github.com/coldsync/relay/internal/config"
	"github.com/coldsync/relay/internal/convert"
	"github.com/coldsync/relay/internal/crm"
	"github.com/coldsync/relay/internal/dedup"
	"github.com/coldsync/relay/internal/keylock"
	"github.com/coldsync/relay/internal/mailbox"
	"github.com/coldsync/relay/internal/pipeline"
	"github.com/coldsync/relay/internal/source"
	"github.com/coldsync/relay/internal/threads"
)

func main() {
	campaignID := flag.Int64("campaign", 0, "campaign ID to backfill")
	all := flag.Bool("all", false, "backfill every campaign")
	since := flag.Duration("since", 0, "lookback window (e.g. 720h); 0 replays everything")
	dryRun := flag.Bool("dry-run", false, "build artifacts and report without uploading or touching the CRM")
	skipCRM := flag.Bool("skip-crm", false, "replay the mailbox path only")
	flag.Parse()

	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if *campaignID == 0 && !*all {
		slog.Error("either --campaign or --all is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.Smartlead.APIKey == "" {
		slog.Error("SMARTLEAD_API_KEY is required for backfill")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		slog.Info("received shutdown signal, stopping backfill", "signal", sig)
		cancel()
	}()

	// --- Thread index ---
	var index threads.Index
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store, err := threads.NewStore(ctx, pool)
		if err != nil {
			slog.Error("failed to initialise thread index", "error", err)
			os.Exit(1)
		}
		index = store
	} else {
		index = threads.NewMemory()
	}

	// --- Dedup seen-filter ---
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
	}

	// --- Mailbox ---
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

	uploader := mailbox.NewUploader(mailbox.UploaderConfig{
		Store:     store,
		Ledger:    dedup.NewLedger(index, store, seen),
		Index:     index,
		RetryMax:  cfg.RetryMax,
		RetryBase: cfg.RetryBase,
	})
	if !*dryRun {
		if err := uploader.EnsureLabels(ctx, cfg.Gmail.LabelSent, cfg.Gmail.LabelReplies); err != nil {
			slog.Error("failed to ensure mailbox labels", "error", err)
			os.Exit(1)
		}
	}

	// --- Stage machine (optional) ---
	var machine *pipeline.Machine
	if !*skipCRM && cfg.Attio.APIKey != "" {
		crmClient := crm.NewClient(crm.Config{
			APIKey:   cfg.Attio.APIKey,
			BaseURL:  cfg.Attio.BaseURL,
			ListName: cfg.Attio.ListName,
			Timeout:  cfg.CallTimeout,
		})
		if err := crmClient.WarmCache(ctx); err != nil {
			slog.Warn("CRM cache warm-up failed, continuing", "error", err)
		}
		machine = pipeline.NewMachine(
			crmClient,
			pipeline.NewClassifier(cfg.InterestedCategories, cfg.BookedCategories),
			keylock.NewSet(cfg.LockTimeout),
		)
	}

	runner := backfill.NewRunner(backfill.RunnerConfig{
		Source:   source.NewClient(cfg.Smartlead.APIKey, cfg.Smartlead.BaseURL),
		Builder:  convert.NewBuilder(index, cfg.Gmail.LabelSent, cfg.Gmail.LabelReplies),
		Uploader: uploader,
		Machine:  machine,
	})

	start := time.Now()
	result, err := runner.Run(ctx, backfill.Request{
		CampaignID: *campaignID,
		All:        *all,
		Since:      *since,
		DryRun:     *dryRun,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err, "elapsed", time.Since(start))
		os.Exit(1)
	}

	slog.Info("backfill finished",
		"campaigns", len(result.Campaigns),
		"done", result.TotalDone,
		"skipped", result.TotalSkipped,
		"errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)
	if result.TotalErrors > 0 {
		os.Exit(1)
	}
}
