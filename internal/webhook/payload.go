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

package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/coldsync/relay/internal/convert"
	"github.com/coldsync/relay/internal/models"
)

// Payload is the raw webhook body as the campaign platform sends it.
// Sent and reply events nest their message under sent_message /
// reply_message; older deliveries flatten the same data into top-level
// fields, so every nested field has a flat fallback.
type Payload struct {
	EventType string `json:"event_type"`
	SecretKey string `json:"secret_key,omitempty"`

	// from_email is always our sending mailbox and to_email always the
	// lead, for sent and reply events alike.
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
	ToName    string `json:"to_name"`

	Subject string `json:"subject"`

	SentMessage  *PayloadMessage `json:"sent_message,omitempty"`
	ReplyMessage *PayloadMessage `json:"reply_message,omitempty"`

	SentMessageBody string `json:"sent_message_body,omitempty"`
	ReplyBody       string `json:"reply_body,omitempty"`
	PreviewText     string `json:"preview_text,omitempty"`
	MessageID       string `json:"message_id,omitempty"`

	EventTimestamp string `json:"event_timestamp,omitempty"`
	TimeSent       string `json:"time_sent,omitempty"`
	TimeReplied    string `json:"time_replied,omitempty"`

	CampaignID     int64       `json:"campaign_id,omitempty"`
	CampaignName   string      `json:"campaign_name,omitempty"`
	SequenceNumber int         `json:"sequence_number,omitempty"`
	StatsID        json.Number `json:"stats_id,omitempty"`

	ReplyCategory string           `json:"reply_category,omitempty"`
	LeadCategory  *PayloadCategory `json:"lead_category,omitempty"`

	Lead *PayloadLead `json:"lead,omitempty"`
}

// PayloadMessage is the nested message block of a sent or reply event.
type PayloadMessage struct {
	HTML      string `json:"html"`
	Text      string `json:"text"`
	MessageID string `json:"message_id"`
	Time      string `json:"time"`
}

// PayloadCategory carries the category change on LEAD_CATEGORY_UPDATED.
type PayloadCategory struct {
	NewName string `json:"new_name"`
}

// PayloadLead is the lead enrichment block on LEAD_ADDED.
type PayloadLead struct {
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
	Website     string `json:"website"`
	CompanyURL  string `json:"company_url"`
	PhoneNumber string `json:"phone_number"`
}

// timeLayouts are the timestamp shapes observed in deliveries, in
// order of likelihood.
var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Decode normalises a raw payload into an Event. It collapses the
// per-type nesting and field fallbacks so downstream code never sees
// the wire shape. Structural problems return MalformedPayloadError.
func (p *Payload) Decode() (*models.Event, error) {
	et := models.EventType(p.EventType)
	if !et.Valid() {
		return nil, &convert.MalformedPayloadError{
			Field:  "event_type",
			Reason: "unknown event type " + quote(p.EventType),
		}
	}

	ev := &models.Event{
		Type:         et,
		AccountEmail: p.FromEmail,
		LeadEmail:    p.ToEmail,
		LeadName:     p.ToName,
		Subject:      p.Subject,
		CampaignID:   p.CampaignID,
		CampaignName: p.CampaignName,
		SequenceNum:  p.SequenceNumber,
		StatsID:      p.StatsID.String(),
	}

	var timeRaw string
	switch et {
	case models.EventEmailSent, models.EventFirstEmailSent:
		msg := p.SentMessage
		if msg == nil {
			msg = &PayloadMessage{}
		}
		ev.HTMLBody = firstNonEmpty(msg.HTML, p.SentMessageBody)
		ev.TextBody = msg.Text
		ev.SourceID = firstNonEmpty(msg.MessageID, p.MessageID)
		timeRaw = firstNonEmpty(msg.Time, p.EventTimestamp, p.TimeSent)

	case models.EventEmailReply:
		msg := p.ReplyMessage
		if msg == nil {
			msg = &PayloadMessage{}
		}
		ev.HTMLBody = firstNonEmpty(msg.HTML, p.ReplyBody)
		ev.TextBody = firstNonEmpty(msg.Text, p.PreviewText)
		ev.SourceID = firstNonEmpty(msg.MessageID, p.MessageID)
		timeRaw = firstNonEmpty(msg.Time, p.EventTimestamp, p.TimeReplied)
		ev.Category = p.ReplyCategory

		// The sent_message block on a reply identifies the message
		// being replied to.
		if p.SentMessage != nil {
			ev.ParentID = p.SentMessage.MessageID
		}

	case models.EventCategoryUpdated:
		timeRaw = p.EventTimestamp
		if p.LeadCategory != nil {
			ev.Category = p.LeadCategory.NewName
		}
		if ev.Category == "" {
			return nil, &convert.MalformedPayloadError{
				Field:  "lead_category.new_name",
				Reason: "category update without a category",
			}
		}

	case models.EventLeadAdded:
		timeRaw = p.EventTimestamp
		if p.Lead != nil {
			if p.Lead.Email != "" {
				ev.LeadEmail = p.Lead.Email
			}
			ev.LeadName = strings.TrimSpace(p.Lead.FirstName + " " + p.Lead.LastName)
			ev.CompanyName = p.Lead.CompanyName
			ev.Website = firstNonEmpty(p.Lead.Website, p.Lead.CompanyURL)
		}
	}

	if ev.LeadEmail == "" {
		return nil, &convert.MalformedPayloadError{
			Field:  "to_email",
			Reason: "missing lead email",
		}
	}

	if timeRaw != "" {
		ts, err := parseEventTime(timeRaw)
		if err != nil {
			return nil, &convert.MalformedPayloadError{
				Field:  "event_timestamp",
				Reason: "unparseable timestamp " + quote(timeRaw),
			}
		}
		ev.SentAt = ts
	} else if et == models.EventEmailSent || et == models.EventFirstEmailSent || et == models.EventEmailReply {
		return nil, &convert.MalformedPayloadError{
			Field:  "event_timestamp",
			Reason: "message event without a timestamp",
		}
	} else {
		ev.SentAt = time.Now().UTC()
	}

	ev.ThreadKey = ev.DeriveThreadKey()
	return ev, nil
}

func parseEventTime(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func quote(s string) string {
	if len(s) > 64 {
		s = s[:64] + "..."
	}
	return strconv.Quote(s)
}
