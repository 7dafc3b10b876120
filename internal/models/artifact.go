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

package models

import "time"

// Direction distinguishes outbound campaign mail from lead replies.
type Direction string

const (
	DirectionSent  Direction = "SENT"
	DirectionReply Direction = "REPLY"
)

// Artifact is the canonical, immutable representation of one email
// event, ready for mailbox upload. Artifacts are constructed fresh per
// event and never merged or updated; each reply is a new artifact
// linked to its ancestors by References.
type Artifact struct {
	// MessageID is derived deterministically from the source message
	// identifier. Two builds from the same source event produce
	// byte-identical MessageIDs — the basis of idempotent upload.
	MessageID string

	// ThreadKey groups this artifact with the rest of its conversation.
	ThreadKey string

	// InReplyTo is the direct parent's Message-ID; empty for the first
	// message in a thread. References lists ancestor Message-IDs oldest
	// first, ending with InReplyTo.
	InReplyTo  string
	References []string

	Direction Direction

	// Headers holds the full RFC-822 header set (From, To, Subject,
	// Date, Message-ID, plus threading and tracking headers).
	Headers map[string]string

	TextBody string
	HTMLBody string

	// Labels is a deterministic function of Direction.
	Labels []string

	Date time.Time
}

// StoreRef holds the mailbox store's identifiers for a delivered
// artifact.
type StoreRef struct {
	MessageID string `json:"store_message_id"`
	ThreadID  string `json:"store_thread_id"`
}
