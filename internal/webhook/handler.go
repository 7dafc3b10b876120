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

// Package webhook is the inbound edge of the relay. Each campaign
// event delivery is authenticated, schema-checked, decoded into a
// normalised Event and fanned out to two independent paths: the
// mailbox path (build the RFC-822 artifact, upload it exactly once)
// and the CRM path (apply the monotonic stage transition). A failure
// on one path never blocks the other; the response reports both
// outcomes so the source can decide whether to redeliver.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/coldsync/relay/internal/convert"
	"github.com/coldsync/relay/internal/crm"
	"github.com/coldsync/relay/internal/keylock"
	"github.com/coldsync/relay/internal/mailbox"
	"github.com/coldsync/relay/internal/metrics"
	"github.com/coldsync/relay/internal/models"
	"github.com/coldsync/relay/internal/pipeline"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Webhook-Signature"

// UnauthorizedError rejects a delivery that fails the shared-secret
// check.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "unauthorized: " + e.Reason
}

// PathResult is the outcome of one dispatch path.
type PathResult struct {
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`

	// Retryable tells the source a redelivery may succeed.
	Retryable bool `json:"retryable,omitempty"`

	// Mailbox path fields.
	Deduped        bool   `json:"deduped,omitempty"`
	StoreMessageID string `json:"store_message_id,omitempty"`
	StoreThreadID  string `json:"store_thread_id,omitempty"`

	// CRM path fields.
	StageFrom string `json:"stage_from,omitempty"`
	StageTo   string `json:"stage_to,omitempty"`
	Applied   bool   `json:"applied,omitempty"`
}

// Response is the webhook reply body.
type Response struct {
	Success   bool        `json:"success"`
	EventType string      `json:"event_type,omitempty"`
	Mailbox   *PathResult `json:"mailbox,omitempty"`
	CRM       *PathResult `json:"crm,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// Handler dispatches webhook deliveries.
type Handler struct {
	secret      string
	builder     *convert.Builder
	uploader    *mailbox.Uploader
	machine     *pipeline.Machine
	threadLocks *keylock.Set
	deadline    time.Duration
	sem         chan struct{}
	authStatus  func() bool
}

// HandlerConfig wires a Handler.
type HandlerConfig struct {
	Secret      string
	Builder     *convert.Builder
	Uploader    *mailbox.Uploader
	Machine     *pipeline.Machine
	ThreadLocks *keylock.Set

	// Deadline bounds the whole delivery; paths still running when it
	// expires are reported as retryable failures.
	Deadline time.Duration

	// MaxConcurrent bounds deliveries processed at once.
	MaxConcurrent int

	// AuthStatus reports mailbox credential validity for /health.
	AuthStatus func() bool
}

// NewHandler creates a webhook dispatcher.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 32
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 25 * time.Second
	}
	if cfg.AuthStatus == nil {
		cfg.AuthStatus = func() bool { return false }
	}
	return &Handler{
		secret:      cfg.Secret,
		builder:     cfg.Builder,
		uploader:    cfg.Uploader,
		machine:     cfg.Machine,
		threadLocks: cfg.ThreadLocks,
		deadline:    cfg.Deadline,
		sem:         make(chan struct{}, cfg.MaxConcurrent),
		authStatus:  cfg.AuthStatus,
	}
}

// ServeWebhook handles one POST /webhook delivery.
func (h *Handler) ServeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "unreadable body"})
		return
	}

	if err := h.authenticate(body, r.Header.Get(SignatureHeader)); err != nil {
		slog.Warn("webhook rejected", "error", err)
		metrics.EventsRejected.WithLabelValues("unauthorized").Inc()
		writeJSON(w, http.StatusUnauthorized, Response{Success: false, Error: err.Error()})
		return
	}

	if err := validateEnvelope(body); err != nil {
		slog.Warn("webhook payload invalid", "error", err)
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: "not valid JSON"})
		return
	}

	ev, err := payload.Decode()
	if err != nil {
		slog.Warn("webhook payload malformed",
			"event_type", payload.EventType,
			"error", err,
		)
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		writeJSON(w, http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	metrics.EventsReceived.WithLabelValues(string(ev.Type)).Inc()

	ctx, cancel := context.WithTimeout(r.Context(), h.deadline)
	defer cancel()

	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-ctx.Done():
		metrics.EventsRejected.WithLabelValues("overloaded").Inc()
		writeJSON(w, http.StatusServiceUnavailable, Response{
			Success:   false,
			EventType: string(ev.Type),
			Error:     "delivery pool saturated",
		})
		return
	}

	resp := h.dispatch(ctx, ev)
	writeJSON(w, http.StatusOK, resp)
}

// dispatch fans an event out to the mailbox and CRM paths and
// aggregates the outcomes. Both paths always run to completion (or
// deadline) regardless of the other's result.
func (h *Handler) dispatch(ctx context.Context, ev *models.Event) Response {
	resp := Response{EventType: string(ev.Type)}

	// Plain group, not WithContext: one path failing must not cancel
	// the other.
	var mailboxRes, crmRes PathResult
	var g errgroup.Group

	if ev.Type == models.EventEmailSent || ev.Type == models.EventFirstEmailSent || ev.Type == models.EventEmailReply {
		g.Go(func() error {
			mailboxRes = h.runMailbox(ctx, ev)
			return nil
		})
	} else {
		mailboxRes = PathResult{OK: true, Skipped: true}
	}

	g.Go(func() error {
		crmRes = h.runCRM(ctx, ev)
		return nil
	})

	g.Wait()

	resp.Mailbox = &mailboxRes
	resp.CRM = &crmRes
	resp.Success = mailboxRes.OK && crmRes.OK
	return resp
}

// runMailbox builds and uploads the canonical artifact under the
// per-thread lock, so a reply's parent lookup cannot race the SENT
// upload it depends on.
func (h *Handler) runMailbox(ctx context.Context, ev *models.Event) PathResult {
	release, err := h.threadLocks.Acquire(ctx, ev.ThreadKey)
	if err != nil {
		metrics.PathFailures.WithLabelValues("mailbox").Inc()
		return PathResult{
			Error:     fmt.Sprintf("thread lock: %v", err),
			Retryable: true,
		}
	}
	defer release()

	art, err := h.builder.Build(ctx, ev)
	if err != nil {
		metrics.PathFailures.WithLabelValues("mailbox").Inc()
		return PathResult{Error: err.Error()}
	}

	res, err := h.uploader.Upload(ctx, art)
	if err != nil {
		metrics.PathFailures.WithLabelValues("mailbox").Inc()
		slog.Error("mailbox path failed",
			"thread_key", ev.ThreadKey,
			"message_id", art.MessageID,
			"error", err,
		)
		return PathResult{
			Error:     err.Error(),
			Retryable: mailbox.IsTransient(err),
		}
	}

	return PathResult{
		OK:             true,
		Deduped:        res.Deduped,
		StoreMessageID: res.Ref.MessageID,
		StoreThreadID:  res.Ref.ThreadID,
	}
}

// runCRM applies the stage transition for the event.
func (h *Handler) runCRM(ctx context.Context, ev *models.Event) PathResult {
	tr, err := h.machine.Apply(ctx, ev)
	if err != nil {
		metrics.PathFailures.WithLabelValues("crm").Inc()
		res := PathResult{Error: err.Error()}
		switch {
		case errors.Is(err, crm.ErrLeadNotFound):
			// Permanent for this delivery; the lead must be created
			// first.
		case errors.Is(err, keylock.ErrTimeout):
			res.Retryable = true
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			// The delivery deadline cut the path short; nothing was
			// committed, so redelivery is safe.
			res.Retryable = true
		default:
			var transient *crm.TransientError
			res.Retryable = errors.As(err, &transient)
		}
		slog.Error("crm path failed",
			"lead_key", tr.LeadKey,
			"error", err,
		)
		return res
	}

	res := PathResult{OK: true, Applied: tr.Applied}
	if tr.Applied || tr.From != tr.To {
		res.StageFrom = tr.From.String()
		res.StageTo = tr.To.String()
	}
	return res
}

// authenticate checks the shared secret. Either the HMAC signature
// header or a secret_key field in the body satisfies it; with no
// secret configured the check is skipped entirely.
func (h *Handler) authenticate(body []byte, signature string) error {
	if h.secret == "" {
		return nil
	}

	if signature != "" {
		mac := hmac.New(sha256.New, []byte(h.secret))
		mac.Write(body)
		want := hex.EncodeToString(mac.Sum(nil))
		if hmac.Equal([]byte(want), []byte(signature)) {
			return nil
		}
		return &UnauthorizedError{Reason: "signature mismatch"}
	}

	// Legacy deliveries embed the secret in the body instead.
	var legacy struct {
		SecretKey string `json:"secret_key"`
	}
	if err := json.Unmarshal(body, &legacy); err == nil && legacy.SecretKey != "" {
		if subtle.ConstantTimeCompare([]byte(legacy.SecretKey), []byte(h.secret)) == 1 {
			return nil
		}
		return &UnauthorizedError{Reason: "secret mismatch"}
	}

	return &UnauthorizedError{Reason: "no credentials presented"}
}

// ServeHealth reports liveness and mailbox credential state.
func (h *Handler) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"authenticated": h.authStatus(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

// Router builds the HTTP routes for the relay.
func Router(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/webhook", h.ServeWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", h.ServeHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Serve starts the webhook HTTP server on the given port. It binds the
// port immediately and signals readiness via the ready channel before
// accepting connections; done closes once the server has drained after
// ctx is cancelled.
func Serve(ctx context.Context, port int, h *Handler) (ready, done <-chan struct{}, err error) {
	server := &http.Server{
		Handler:           Router(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	readyCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		close(doneCh)
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(readyCh)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return readyCh, doneCh, nil
}
