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

package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/coldsync/relay/internal/convert"
	"github.com/coldsync/relay/internal/dedup"
	"github.com/coldsync/relay/internal/metrics"
	"github.com/coldsync/relay/internal/models"
	"github.com/coldsync/relay/internal/threads"
)

// UploadResult describes a completed (or short-circuited) delivery.
type UploadResult struct {
	Ref models.StoreRef

	// Deduped is true when the artifact had already been delivered and
	// no upload was performed.
	Deduped bool
}

// Uploader performs idempotent artifact delivery to the mailbox store.
type Uploader struct {
	store  Store
	ledger *dedup.Ledger
	index  threads.Index

	mu       sync.Mutex
	labelIDs map[string]string

	retryMax  int
	retryBase time.Duration
}

// UploaderConfig holds dependencies for the uploader.
type UploaderConfig struct {
	Store     Store
	Ledger    *dedup.Ledger
	Index     threads.Index
	RetryMax  int
	RetryBase time.Duration
}

// NewUploader creates an uploader. Call EnsureLabels before first use.
func NewUploader(cfg UploaderConfig) *Uploader {
	retryBase := cfg.RetryBase
	if retryBase == 0 {
		retryBase = 500 * time.Millisecond
	}
	retryMax := cfg.RetryMax
	if retryMax == 0 {
		retryMax = 4
	}
	return &Uploader{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		index:     cfg.Index,
		labelIDs:  make(map[string]string),
		retryMax:  retryMax,
		retryBase: retryBase,
	}
}

// EnsureLabels resolves and caches label IDs, creating missing labels.
func (u *Uploader) EnsureLabels(ctx context.Context, names ...string) error {
	ids, err := u.store.EnsureLabels(ctx, names)
	if err != nil {
		return fmt.Errorf("ensure labels: %w", err)
	}
	u.mu.Lock()
	for name, id := range ids {
		u.labelIDs[name] = id
	}
	u.mu.Unlock()
	return nil
}

// Upload delivers an artifact at most once. A message already present
// in the store (or reserved by a concurrent delivery) is never
// re-uploaded; labels are attached at insert time and labels on any
// prior artifact are never touched.
func (u *Uploader) Upload(ctx context.Context, art *models.Artifact) (*UploadResult, error) {
	known, reserved, err := u.ledger.CheckAndReserve(ctx, art.MessageID)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if known != nil {
		metrics.DedupHits.Inc()
		metrics.Uploads.WithLabelValues("deduped").Inc()
		slog.Info("skipping duplicate upload",
			"message_id", art.MessageID,
			"store_message_id", known.MessageID,
		)
		return &UploadResult{Ref: *known, Deduped: true}, nil
	}
	if !reserved {
		// A concurrent delivery of the same message is in flight and
		// its store identifiers are not visible yet. Redelivery will
		// find them.
		metrics.DedupHits.Inc()
		return nil, &TransientError{Err: fmt.Errorf("delivery of %s in flight", art.MessageID)}
	}

	ref, err := u.insertWithRetry(ctx, art)
	if err != nil {
		u.ledger.Release(ctx, art.MessageID)
		metrics.Uploads.WithLabelValues("failed").Inc()
		return nil, err
	}

	if err := u.index.Record(ctx, threads.Entry{
		ThreadKey:      art.ThreadKey,
		MessageID:      art.MessageID,
		Direction:      art.Direction,
		StoreMessageID: ref.MessageID,
		StoreThreadID:  ref.ThreadID,
		SentAt:         art.Date,
	}); err != nil {
		// The upload landed; a failed log write only costs a store
		// round-trip on the next dedup check.
		slog.Warn("thread index record failed", "message_id", art.MessageID, "error", err)
	}

	u.ledger.Commit(ctx, art.MessageID, ref)
	metrics.Uploads.WithLabelValues("uploaded").Inc()

	slog.Info("artifact uploaded",
		"message_id", art.MessageID,
		"thread_key", art.ThreadKey,
		"direction", art.Direction,
		"store_message_id", ref.MessageID,
		"store_thread_id", ref.ThreadID,
	)

	return &UploadResult{Ref: ref}, nil
}

func (u *Uploader) insertWithRetry(ctx context.Context, art *models.Artifact) (models.StoreRef, error) {
	raw, err := convert.Render(art)
	if err != nil {
		return models.StoreRef{}, &PermanentError{Err: fmt.Errorf("render artifact: %w", err)}
	}

	labelIDs := u.resolveLabels(art.Labels)

	var ref models.StoreRef
	op := func() error {
		var opErr error
		ref, opErr = u.store.Insert(ctx, raw, labelIDs)
		if opErr == nil {
			return nil
		}
		if IsTransient(opErr) {
			slog.Warn("transient upload failure, will retry",
				"message_id", art.MessageID,
				"error", opErr,
			)
			return opErr
		}
		return backoff.Permanent(opErr)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = u.retryBase

	err = backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(u.retryMax)), ctx))
	if err != nil {
		return models.StoreRef{}, err
	}
	return ref, nil
}

func (u *Uploader) resolveLabels(names []string) []string {
	u.mu.Lock()
	defer u.mu.Unlock()

	ids := make([]string, 0, len(names))
	for _, name := range names {
		if id, ok := u.labelIDs[name]; ok {
			ids = append(ids, id)
		} else {
			// Upload proceeds unlabeled rather than failing delivery.
			slog.Warn("label not resolved, uploading without it", "label", name)
		}
	}
	return ids
}
