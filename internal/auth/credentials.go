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

// Package auth manages the mailbox OAuth credential context. The
// credential is loaded once at startup from a token file, passed
// explicitly to the components that need it, and rotated tokens are
// written back so restarts keep working after a refresh.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
)

// Credentials is the process-wide mailbox credential context.
type Credentials struct {
	conf      *oauth2.Config
	tokenFile string

	mu     sync.Mutex
	token  *oauth2.Token
	source oauth2.TokenSource
}

// Load reads the token file and builds the credential context. A
// missing or unreadable token file is an error: the relay cannot
// upload without a prior interactive authorization having produced
// one.
func Load(clientID, clientSecret, tokenFile string) (*Credentials, error) {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailModifyScope},
	}

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("read token file %s: %w", tokenFile, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", tokenFile, err)
	}
	if tok.RefreshToken == "" && !tok.Valid() {
		return nil, fmt.Errorf("token file %s holds an expired token with no refresh token", tokenFile)
	}

	return &Credentials{
		conf:      conf,
		tokenFile: tokenFile,
		token:     &tok,
	}, nil
}

// Client returns an HTTP client that injects and auto-refreshes the
// bearer token. Refreshed tokens are persisted back to the token file.
func (c *Credentials) Client(ctx context.Context) *http.Client {
	c.mu.Lock()
	if c.source == nil {
		base := c.conf.TokenSource(ctx, c.token)
		c.source = oauth2.ReuseTokenSource(c.token, &persistingSource{creds: c, base: base})
	}
	src := c.source
	c.mu.Unlock()

	return oauth2.NewClient(ctx, src)
}

// Authenticated reports whether the credential can currently mint
// valid tokens. Surfaced on the health endpoint.
func (c *Credentials) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return false
	}
	return c.token.Valid() || c.token.RefreshToken != ""
}

// Expiry returns when the current access token lapses.
func (c *Credentials) Expiry() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return time.Time{}
	}
	return c.token.Expiry
}

func (c *Credentials) store(tok *oauth2.Token) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()

	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		slog.Error("marshal refreshed token failed", "error", err)
		return
	}
	if err := os.WriteFile(c.tokenFile, data, 0o600); err != nil {
		slog.Error("persist refreshed token failed",
			"token_file", c.tokenFile,
			"error", err,
		)
		return
	}
	slog.Info("refreshed mailbox token persisted", "expiry", tok.Expiry)
}

// persistingSource writes rotated tokens through to the token file.
type persistingSource struct {
	creds *Credentials
	base  oauth2.TokenSource
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.creds.store(tok)
	return tok, nil
}
