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

// Package source reads historical campaign data from the outreach
// platform's REST API. Used by the backfill command to replay
// messages that predate webhook delivery.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// pageSize is the platform's lead pagination window.
const pageSize = 100

// Campaign is a campaign summary record.
type Campaign struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Lead is the nested lead object inside a campaign lead record.
type Lead struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
	Website     string `json:"website"`
	PhoneNumber string `json:"phone_number"`
}

// LeadRecord wraps a lead with its campaign-level envelope.
type LeadRecord struct {
	Lead Lead `json:"lead"`
}

// HistoryMessage is one entry of a lead's message history.
type HistoryMessage struct {
	Type      string `json:"type"` // SENT or REPLY
	MessageID string `json:"message_id"`
	Subject   string `json:"subject"`
	EmailBody string `json:"email_body"`
	Time      string `json:"time"`
}

// MessageHistory is a lead's full conversation with the sending
// mailbox.
type MessageHistory struct {
	From    string           `json:"from"`
	History []HistoryMessage `json:"history"`
}

// Client talks to the outreach platform API. All calls are paced by a
// shared rate limiter; the platform throttles aggressively.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates an API client.
func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
	}
}

// ListCampaigns returns all campaigns.
func (c *Client) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	var out []Campaign
	if err := c.get(ctx, "/campaigns", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Campaign returns one campaign by ID.
func (c *Client) Campaign(ctx context.Context, id int64) (*Campaign, error) {
	var out Campaign
	if err := c.get(ctx, fmt.Sprintf("/campaigns/%d", id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListLeads returns every lead of a campaign, walking the paginated
// endpoint to the end.
func (c *Client) ListLeads(ctx context.Context, campaignID int64) ([]LeadRecord, error) {
	var all []LeadRecord
	offset := 0

	for {
		var page struct {
			Data       []LeadRecord `json:"data"`
			TotalLeads jsonInt      `json:"total_leads"`
		}
		q := url.Values{
			"offset": {strconv.Itoa(offset)},
			"limit":  {strconv.Itoa(pageSize)},
		}
		if err := c.get(ctx, fmt.Sprintf("/campaigns/%d/leads", campaignID), q, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Data...)

		offset += pageSize
		if offset >= int(page.TotalLeads) || len(page.Data) == 0 {
			return all, nil
		}
	}
}

// MessageHistory returns one lead's conversation history.
func (c *Client) MessageHistory(ctx context.Context, campaignID, leadID int64) (*MessageHistory, error) {
	var out MessageHistory
	path := fmt.Sprintf("/campaigns/%d/leads/%d/message-history", campaignID, leadID)
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("GET %s: status %d: %s", path, res.StatusCode, snippet)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", path, err)
	}
	return nil
}

// jsonInt tolerates the API sending counts as either number or string.
type jsonInt int

func (n *jsonInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*n = jsonInt(v)
	return nil
}
