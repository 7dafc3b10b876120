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

// Package crm talks to the Attio CRM: pipeline stage reads/writes,
// lead record creation, and audit notes. List and status identifiers
// are resolved once and cached, as are lead → list-entry resolutions.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldsync/relay/internal/models"
)

// ErrLeadNotFound is returned when no CRM record exists for a lead key.
var ErrLeadNotFound = errors.New("crm: lead not found")

// TransientError marks a CRM failure worth retrying (rate limit,
// network, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient crm error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Config holds client settings.
type Config struct {
	APIKey   string
	BaseURL  string
	ListName string

	// StageStatuses maps pipeline stages to the CRM's status titles.
	StageStatuses map[models.Stage]string

	Timeout time.Duration
}

// DefaultStageStatuses mirrors the pipeline's canonical status naming.
func DefaultStageStatuses() map[models.Stage]string {
	return map[models.Stage]string{
		models.StageFound:           "Vulnerability Found",
		models.StageEmailSent:       "Email Sent",
		models.StageInterestedReply: "Interested Reply",
		models.StageBooked:          "Booked",
	}
}

type entryRef struct {
	EntryID  string
	RecordID string
}

// Client is an Attio API client scoped to one pipeline list.
type Client struct {
	baseURL  string
	apiKey   string
	listName string
	httpc    *http.Client

	stageStatuses map[models.Stage]string

	// warmMu serialises cache warm attempts so a CRM outage at start-up
	// does not turn into a thundering herd on first use.
	warmMu sync.Mutex

	mu            sync.Mutex
	listID        string
	statusIDs     map[models.Stage]string
	statusToStage map[string]models.Stage
	entries       map[string]entryRef
}

// NewClient creates a CRM client. Call WarmCache before first use.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	statuses := cfg.StageStatuses
	if statuses == nil {
		statuses = DefaultStageStatuses()
	}
	return &Client{
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		listName:      cfg.ListName,
		httpc:         &http.Client{Timeout: timeout},
		stageStatuses: statuses,
		statusIDs:     make(map[models.Stage]string),
		statusToStage: make(map[string]models.Stage),
		entries:       make(map[string]entryRef),
	}
}

// WarmCache resolves the pipeline list ID and its status IDs.
func (c *Client) WarmCache(ctx context.Context) error {
	var lists struct {
		Data []struct {
			ID struct {
				ListID string `json:"list_id"`
			} `json:"id"`
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/lists", nil, &lists); err != nil {
		return fmt.Errorf("list pipelines: %w", err)
	}

	for _, l := range lists.Data {
		if l.Name == c.listName {
			c.mu.Lock()
			c.listID = l.ID.ListID
			c.mu.Unlock()
			break
		}
	}
	if c.listID == "" {
		return fmt.Errorf("pipeline list %q not found in CRM", c.listName)
	}

	var statuses struct {
		Data []struct {
			ID struct {
				StatusID string `json:"status_id"`
			} `json:"id"`
			Title string `json:"title"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/lists/%s/attributes/stage/statuses", c.listID)
	if err := c.do(ctx, http.MethodGet, path, nil, &statuses); err != nil {
		return fmt.Errorf("list statuses: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for stage, title := range c.stageStatuses {
		for _, s := range statuses.Data {
			if s.Title == title {
				c.statusIDs[stage] = s.ID.StatusID
				c.statusToStage[s.ID.StatusID] = stage
				break
			}
		}
		if _, ok := c.statusIDs[stage]; !ok {
			slog.Warn("pipeline status not found in CRM", "stage", stage.String(), "title", title)
		}
	}

	slog.Info("crm cache warmed", "list", c.listName, "statuses", len(c.statusIDs))
	return nil
}

// ensureWarm re-runs the cache warm when the start-up attempt failed,
// so the CRM path recovers without a restart once the API is back.
func (c *Client) ensureWarm(ctx context.Context) error {
	c.mu.Lock()
	warmed := c.listID != ""
	c.mu.Unlock()
	if warmed {
		return nil
	}

	c.warmMu.Lock()
	defer c.warmMu.Unlock()

	c.mu.Lock()
	warmed = c.listID != ""
	c.mu.Unlock()
	if warmed {
		return nil
	}
	return c.WarmCache(ctx)
}

// GetStage returns the current pipeline stage for a lead key.
func (c *Client) GetStage(ctx context.Context, leadKey string) (models.Stage, error) {
	if err := c.ensureWarm(ctx); err != nil {
		return 0, err
	}
	ref, err := c.resolveEntry(ctx, leadKey)
	if err != nil {
		return 0, err
	}

	var entry struct {
		Data struct {
			EntryValues struct {
				Stage []struct {
					Status struct {
						ID struct {
							StatusID string `json:"status_id"`
						} `json:"id"`
					} `json:"status"`
				} `json:"stage"`
			} `json:"entry_values"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/lists/%s/entries/%s", c.listID, ref.EntryID)
	if err := c.do(ctx, http.MethodGet, path, nil, &entry); err != nil {
		return 0, err
	}

	stages := entry.Data.EntryValues.Stage
	if len(stages) == 0 {
		return models.StageFound, nil
	}

	c.mu.Lock()
	stage, ok := c.statusToStage[stages[0].Status.ID.StatusID]
	c.mu.Unlock()
	if !ok {
		return models.StageFound, nil
	}
	return stage, nil
}

// SetStage writes the stage for a lead key and appends an audit note
// summarising the triggering event.
func (c *Client) SetStage(ctx context.Context, leadKey string, stage models.Stage, note string) error {
	if err := c.ensureWarm(ctx); err != nil {
		return err
	}
	ref, err := c.resolveEntry(ctx, leadKey)
	if err != nil {
		return err
	}

	c.mu.Lock()
	statusID, ok := c.statusIDs[stage]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no CRM status mapped for stage %s", stage)
	}

	body := map[string]any{
		"data": map[string]any{
			"entry_values": map[string]any{
				"stage": []map[string]any{{"status": statusID}},
			},
		},
	}
	path := fmt.Sprintf("/lists/%s/entries/%s", c.listID, ref.EntryID)
	if err := c.do(ctx, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update stage for %s: %w", leadKey, err)
	}

	if note != "" {
		c.addNote(ctx, ref.RecordID, "Pipeline update", note)
	}
	return nil
}

// CreateLead creates (or finds) the company and person records and
// places the company on the pipeline list at its initial status.
func (c *Client) CreateLead(ctx context.Context, lead models.Lead) error {
	if err := c.ensureWarm(ctx); err != nil {
		return err
	}
	companyID, err := c.getOrCreateCompany(ctx, lead)
	if err != nil {
		return err
	}
	if err := c.getOrCreatePerson(ctx, lead, companyID); err != nil {
		return err
	}

	key := leadKeyFor(lead)
	if _, err := c.resolveEntry(ctx, key); err == nil {
		return nil // already on the pipeline
	} else if !errors.Is(err, ErrLeadNotFound) {
		return err
	}

	c.mu.Lock()
	foundStatus := c.statusIDs[models.StageFound]
	c.mu.Unlock()

	body := map[string]any{
		"data": map[string]any{
			"parent_record_id": companyID,
			"parent_object":    "companies",
			"entry_values": map[string]any{
				"stage": []map[string]any{{"status": foundStatus}},
			},
		},
	}
	var created struct {
		Data struct {
			ID struct {
				EntryID string `json:"entry_id"`
			} `json:"id"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/lists/%s/entries", c.listID)
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return fmt.Errorf("add lead %s to pipeline: %w", key, err)
	}

	c.mu.Lock()
	c.entries[key] = entryRef{EntryID: created.Data.ID.EntryID, RecordID: companyID}
	c.mu.Unlock()

	slog.Info("lead created on pipeline", "lead_key", key)
	return nil
}

// resolveEntry maps a lead key to its pipeline list entry. Resolutions
// are cached; a miss searches people by email, then follows the linked
// company onto the list.
func (c *Client) resolveEntry(ctx context.Context, leadKey string) (entryRef, error) {
	c.mu.Lock()
	if ref, ok := c.entries[leadKey]; ok {
		c.mu.Unlock()
		return ref, nil
	}
	c.mu.Unlock()

	recordID, err := c.findCompanyRecord(ctx, leadKey)
	if err != nil {
		return entryRef{}, err
	}

	var entries struct {
		Data []struct {
			ID struct {
				EntryID string `json:"entry_id"`
			} `json:"id"`
		} `json:"data"`
	}
	body := map[string]any{
		"filter": map[string]any{"parent_record_id": recordID},
		"limit":  1,
	}
	path := fmt.Sprintf("/lists/%s/entries/query", c.listID)
	if err := c.do(ctx, http.MethodPost, path, body, &entries); err != nil {
		return entryRef{}, err
	}
	if len(entries.Data) == 0 {
		return entryRef{}, fmt.Errorf("%w: %s has no pipeline entry", ErrLeadNotFound, leadKey)
	}

	ref := entryRef{EntryID: entries.Data[0].ID.EntryID, RecordID: recordID}
	c.mu.Lock()
	c.entries[leadKey] = ref
	c.mu.Unlock()
	return ref, nil
}

// findCompanyRecord resolves a lead key (company domain/name or lead
// email) to the company record tracked on the pipeline.
func (c *Client) findCompanyRecord(ctx context.Context, leadKey string) (string, error) {
	if strings.Contains(leadKey, "@") {
		var people struct {
			Data []struct {
				Values struct {
					Companies []struct {
						TargetRecordID string `json:"target_record_id"`
					} `json:"companies"`
				} `json:"values"`
			} `json:"data"`
		}
		body := map[string]any{
			"filter": map[string]any{
				"email_addresses": map[string]any{"$contains": leadKey},
			},
			"limit": 1,
		}
		if err := c.do(ctx, http.MethodPost, "/objects/people/records/query", body, &people); err != nil {
			return "", err
		}
		if len(people.Data) == 0 || len(people.Data[0].Values.Companies) == 0 {
			return "", fmt.Errorf("%w: no person/company for %s", ErrLeadNotFound, leadKey)
		}
		return people.Data[0].Values.Companies[0].TargetRecordID, nil
	}

	var companies struct {
		Data []struct {
			ID struct {
				RecordID string `json:"record_id"`
			} `json:"id"`
		} `json:"data"`
	}
	body := map[string]any{
		"filter": map[string]any{
			"$or": []map[string]any{
				{"domains": map[string]any{"$contains": leadKey}},
				{"name": leadKey},
			},
		},
		"limit": 1,
	}
	if err := c.do(ctx, http.MethodPost, "/objects/companies/records/query", body, &companies); err != nil {
		return "", err
	}
	if len(companies.Data) == 0 {
		return "", fmt.Errorf("%w: no company for %s", ErrLeadNotFound, leadKey)
	}
	return companies.Data[0].ID.RecordID, nil
}

func (c *Client) getOrCreateCompany(ctx context.Context, lead models.Lead) (string, error) {
	key := leadKeyFor(lead)
	if id, err := c.findCompanyRecord(ctx, key); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrLeadNotFound) {
		return "", err
	}

	values := map[string]any{}
	if lead.CompanyName != "" {
		values["name"] = lead.CompanyName
	}
	if lead.Website != "" {
		values["domains"] = []string{lead.Website}
	}

	var created struct {
		Data struct {
			ID struct {
				RecordID string `json:"record_id"`
			} `json:"id"`
		} `json:"data"`
	}
	body := map[string]any{"data": map[string]any{"values": values}}
	if err := c.do(ctx, http.MethodPost, "/objects/companies/records", body, &created); err != nil {
		return "", fmt.Errorf("create company for %s: %w", key, err)
	}
	return created.Data.ID.RecordID, nil
}

func (c *Client) getOrCreatePerson(ctx context.Context, lead models.Lead, companyID string) error {
	values := map[string]any{
		"email_addresses": []string{lead.Email},
	}
	if lead.FirstName != "" || lead.LastName != "" {
		values["name"] = map[string]string{
			"first_name": lead.FirstName,
			"last_name":  lead.LastName,
		}
	}
	if lead.Phone != "" {
		values["phone_numbers"] = []string{lead.Phone}
	}
	if companyID != "" {
		values["companies"] = []map[string]string{{"target_record_id": companyID}}
	}

	body := map[string]any{"data": map[string]any{"values": values}}
	err := c.do(ctx, http.MethodPut, "/objects/people/records?matching_attribute=email_addresses", body, nil)
	if err != nil {
		return fmt.Errorf("upsert person %s: %w", lead.Email, err)
	}
	return nil
}

// addNote appends an audit note; note failures are logged, never fatal.
func (c *Client) addNote(ctx context.Context, recordID, title, content string) {
	body := map[string]any{
		"data": map[string]any{
			"parent_object":    "companies",
			"parent_record_id": recordID,
			"title":            title,
			"format":           "plaintext",
			"content":          content,
		},
	}
	if err := c.do(ctx, http.MethodPost, "/notes", body, nil); err != nil {
		slog.Warn("crm note append failed", "record_id", recordID, "error", err)
	}
}

// do performs one API call with auth headers and error classification.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &TransientError{Err: fmt.Errorf("crm API returned HTTP %d for %s", resp.StatusCode, path)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("crm API returned HTTP %d for %s: %s", resp.StatusCode, path, strings.TrimSpace(string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode crm response: %w", err)
		}
	}
	return nil
}

func leadKeyFor(lead models.Lead) string {
	ev := models.Event{
		LeadEmail:   lead.Email,
		CompanyName: lead.CompanyName,
		Website:     lead.Website,
	}
	return ev.LeadKey()
}
