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

package pipeline

import (
	"strings"

	"github.com/coldsync/relay/internal/models"
)

// Classifier maps events to target pipeline stages. Reply and
// category-update events are classified by configurable category
// sets; other event types have fixed targets.
type Classifier struct {
	interested map[string]struct{}
	booked     map[string]struct{}
}

// NewClassifier builds a classifier from the configured category
// names. Matching is case-insensitive.
func NewClassifier(interested, booked []string) *Classifier {
	c := &Classifier{
		interested: make(map[string]struct{}, len(interested)),
		booked:     make(map[string]struct{}, len(booked)),
	}
	for _, name := range interested {
		c.interested[normalizeCategory(name)] = struct{}{}
	}
	for _, name := range booked {
		c.booked[normalizeCategory(name)] = struct{}{}
	}
	return c
}

// Target returns the stage an event aims the lead at. ok is false when
// the event carries a category outside both configured sets, which is
// a deliberate no-op rather than an error.
func (c *Classifier) Target(ev *models.Event) (stage models.Stage, ok bool) {
	switch ev.Type {
	case models.EventLeadAdded:
		return models.StageFound, true
	case models.EventEmailSent, models.EventFirstEmailSent:
		return models.StageEmailSent, true
	case models.EventEmailReply, models.EventCategoryUpdated:
		cat := normalizeCategory(ev.Category)
		if _, hit := c.booked[cat]; hit {
			return models.StageBooked, true
		}
		if _, hit := c.interested[cat]; hit {
			return models.StageInterestedReply, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func normalizeCategory(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
