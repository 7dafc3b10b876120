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

package threads

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coldsync/relay/internal/models"
)

// Store is a Postgres-backed Index. The table is append-only per
// message; store identifiers are filled in once the upload lands.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a thread index backed by the given Postgres pool.
// It ensures the thread_messages table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure thread index schema: %w", err)
	}
	slog.Info("thread index store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS thread_messages (
			id               BIGSERIAL PRIMARY KEY,
			thread_key       TEXT NOT NULL,
			message_id       TEXT NOT NULL UNIQUE,
			direction        TEXT NOT NULL,
			store_message_id TEXT DEFAULT '',
			store_thread_id  TEXT DEFAULT '',
			sent_at          TIMESTAMPTZ NOT NULL,
			created_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_thread_messages_key ON thread_messages(thread_key, sent_at);
	`)
	return err
}

// Record implements Index. A re-record of the same message_id only
// updates store identifiers, never duplicates the row.
func (s *Store) Record(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thread_messages
			(thread_key, message_id, direction, store_message_id, store_thread_id, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO UPDATE SET
			store_message_id = CASE WHEN EXCLUDED.store_message_id <> ''
			                        THEN EXCLUDED.store_message_id
			                        ELSE thread_messages.store_message_id END,
			store_thread_id  = CASE WHEN EXCLUDED.store_thread_id <> ''
			                        THEN EXCLUDED.store_thread_id
			                        ELSE thread_messages.store_thread_id END
	`, e.ThreadKey, e.MessageID, string(e.Direction), e.StoreMessageID, e.StoreThreadID, e.SentAt)
	return err
}

// LastSent implements Index.
func (s *Store) LastSent(ctx context.Context, threadKey string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT message_id FROM thread_messages
		WHERE thread_key = $1 AND direction = $2
		ORDER BY sent_at DESC
		LIMIT 1
	`, threadKey, string(models.DirectionSent)).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// References implements Index.
func (s *Store) References(ctx context.Context, threadKey string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT message_id FROM thread_messages
		WHERE thread_key = $1
		ORDER BY sent_at
	`, threadKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ByMessageID implements Index.
func (s *Store) ByMessageID(ctx context.Context, messageID string) (*Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT thread_key, message_id, direction, store_message_id, store_thread_id, sent_at
		FROM thread_messages
		WHERE message_id = $1
	`, messageID)

	var e Entry
	var direction string
	err := row.Scan(&e.ThreadKey, &e.MessageID, &direction, &e.StoreMessageID, &e.StoreThreadID, &e.SentAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Direction = models.Direction(direction)
	return &e, nil
}
