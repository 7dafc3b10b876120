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

// Package mailbox uploads canonical artifacts to the Gmail mailbox
// store exactly once per logical message. The Gmail Message-ID index
// backs the dedup ledger's authoritative lookup.
package mailbox

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/coldsync/relay/internal/models"
)

// Store abstracts the mailbox API surface the uploader needs.
type Store interface {
	// Insert uploads raw RFC 822 bytes with the given label IDs and
	// returns the store-assigned identifiers.
	Insert(ctx context.Context, raw []byte, labelIDs []string) (models.StoreRef, error)

	// FindByMessageID looks an artifact up by its canonical
	// Message-ID header; nil when absent.
	FindByMessageID(ctx context.Context, messageID string) (*models.StoreRef, error)

	// EnsureLabels creates any missing labels and returns name → ID.
	EnsureLabels(ctx context.Context, names []string) (map[string]string, error)
}

// GmailStore implements Store against the Gmail API.
type GmailStore struct {
	svc *gmail.Service
}

// NewGmailStore creates a Gmail-backed store using the authenticated
// HTTP client from the credential context.
func NewGmailStore(ctx context.Context, client *http.Client) (*GmailStore, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailStore{svc: svc}, nil
}

// Insert implements Store. The Date header drives the message's
// internal date so archived mail sorts by send time, not upload time.
func (s *GmailStore) Insert(ctx context.Context, raw []byte, labelIDs []string) (models.StoreRef, error) {
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		LabelIds: labelIDs,
	}

	got, err := s.svc.Users.Messages.Insert("me", msg).
		InternalDateSource("dateHeader").
		Context(ctx).Do()
	if err != nil {
		return models.StoreRef{}, classify(err)
	}

	return models.StoreRef{MessageID: got.Id, ThreadID: got.ThreadId}, nil
}

// FindByMessageID implements Store via an rfc822msgid search.
func (s *GmailStore) FindByMessageID(ctx context.Context, messageID string) (*models.StoreRef, error) {
	q := fmt.Sprintf("rfc822msgid:%s", strings.Trim(messageID, "<>"))

	res, err := s.svc.Users.Messages.List("me").Q(q).MaxResults(1).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Messages) == 0 {
		return nil, nil
	}

	m := res.Messages[0]
	return &models.StoreRef{MessageID: m.Id, ThreadID: m.ThreadId}, nil
}

// EnsureLabels implements Store: lists existing labels and creates the
// missing ones.
func (s *GmailStore) EnsureLabels(ctx context.Context, names []string) (map[string]string, error) {
	existing, err := s.svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	ids := make(map[string]string, len(names))
	byName := make(map[string]string, len(existing.Labels))
	for _, l := range existing.Labels {
		byName[l.Name] = l.Id
	}

	for _, name := range names {
		if id, ok := byName[name]; ok {
			ids[name] = id
			continue
		}
		created, err := s.svc.Users.Labels.Create("me", &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		if err != nil {
			return nil, classify(err)
		}
		ids[name] = created.Id
	}

	return ids, nil
}

// classify maps API failures onto the transient/permanent taxonomy.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return &TransientError{Err: err}
		default:
			return &PermanentError{Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: err}
	}
	// Network-level failures without an HTTP status.
	return &TransientError{Err: err}
}
