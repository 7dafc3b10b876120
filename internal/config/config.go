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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GmailConfig holds mailbox store credentials and label names.
type GmailConfig struct {
	Account      string
	ClientID     string
	ClientSecret string
	TokenFile    string
	LabelSent    string
	LabelReplies string
}

// AttioConfig holds CRM credentials and pipeline naming.
type AttioConfig struct {
	APIKey   string
	BaseURL  string
	ListName string
}

// SmartleadConfig holds source platform API access for backfill.
type SmartleadConfig struct {
	APIKey  string
	BaseURL string
}

// Config holds all configuration for the relay service.
type Config struct {
	Port          int
	WebhookSecret string

	// ResponseDeadline bounds how long a webhook delivery may take
	// before the dispatcher returns a partial result. CallTimeout
	// bounds each outbound store/CRM call. LockTimeout bounds per-key
	// lock acquisition.
	ResponseDeadline time.Duration
	CallTimeout      time.Duration
	LockTimeout      time.Duration

	// MaxConcurrent caps simultaneously processed webhook deliveries.
	MaxConcurrent int

	// RetryMax and RetryBase shape the bounded exponential backoff for
	// transient upload/CRM failures.
	RetryMax  int
	RetryBase time.Duration

	// RedisURL is optional; without it the dedup ledger runs on its
	// in-process reservations alone. DatabaseURL is optional; without
	// it the thread index is held in memory only.
	RedisURL    string
	DatabaseURL string

	Gmail     GmailConfig
	Attio     AttioConfig
	Smartlead SmartleadConfig

	// Category sets classifying reply/lead categories into pipeline
	// targets. Configuration data, not code.
	InterestedCategories []string
	BookedCategories     []string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Webhook struct {
		Secret string `yaml:"secret"`
	} `yaml:"webhook"`
	Gmail struct {
		Account      string `yaml:"account"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		TokenFile    string `yaml:"token_file"`
		Labels       struct {
			Sent    string `yaml:"sent"`
			Replies string `yaml:"replies"`
		} `yaml:"labels"`
	} `yaml:"gmail"`
	Attio struct {
		APIKey   string `yaml:"api_key"`
		BaseURL  string `yaml:"base_url"`
		ListName string `yaml:"list"`
	} `yaml:"attio"`
	Smartlead struct {
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"smartlead"`
	Categories struct {
		Interested []string `yaml:"interested"`
		Booked     []string `yaml:"booked"`
	} `yaml:"categories"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
}

// Load reads configuration from config.yaml (with env var expansion)
// and environment variables for non-YAML settings. A missing config
// file is not an error — everything has an env fallback.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	var raw rawConfig
	if data, err := os.ReadFile(configPath); err == nil {
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		Port:             envOrDefaultInt("PORT", 8080),
		WebhookSecret:    firstNonEmpty(raw.Webhook.Secret, os.Getenv("WEBHOOK_SECRET_KEY")),
		ResponseDeadline: envOrDefaultDuration("RESPONSE_DEADLINE", 25*time.Second),
		CallTimeout:      envOrDefaultDuration("CALL_TIMEOUT", 10*time.Second),
		LockTimeout:      envOrDefaultDuration("LOCK_TIMEOUT", 5*time.Second),
		MaxConcurrent:    envOrDefaultInt("MAX_CONCURRENT", 32),
		RetryMax:         envOrDefaultInt("RETRY_MAX", 4),
		RetryBase:        envOrDefaultDuration("RETRY_BASE", 500*time.Millisecond),
		RedisURL:         firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		DatabaseURL:      firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		Gmail: GmailConfig{
			Account:      firstNonEmpty(raw.Gmail.Account, os.Getenv("GMAIL_ACCOUNT")),
			ClientID:     firstNonEmpty(raw.Gmail.ClientID, os.Getenv("GOOGLE_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.Gmail.ClientSecret, os.Getenv("GOOGLE_CLIENT_SECRET")),
			TokenFile:    firstNonEmpty(raw.Gmail.TokenFile, envOrDefault("GMAIL_TOKEN_FILE", "token.json")),
			LabelSent:    firstNonEmpty(raw.Gmail.Labels.Sent, envOrDefault("LABEL_SENT", "Smartlead/Sent")),
			LabelReplies: firstNonEmpty(raw.Gmail.Labels.Replies, envOrDefault("LABEL_REPLIES", "Smartlead/Replies")),
		},
		Attio: AttioConfig{
			APIKey:   firstNonEmpty(raw.Attio.APIKey, os.Getenv("ATTIO_API_KEY")),
			BaseURL:  firstNonEmpty(raw.Attio.BaseURL, envOrDefault("ATTIO_BASE_URL", "https://api.attio.com/v2")),
			ListName: firstNonEmpty(raw.Attio.ListName, envOrDefault("ATTIO_LIST", "Digital Outreach")),
		},
		Smartlead: SmartleadConfig{
			APIKey:  firstNonEmpty(raw.Smartlead.APIKey, os.Getenv("SMARTLEAD_API_KEY")),
			BaseURL: firstNonEmpty(raw.Smartlead.BaseURL, envOrDefault("SMARTLEAD_BASE_URL", "https://server.smartlead.ai/api/v1")),
		},
		InterestedCategories: raw.Categories.Interested,
		BookedCategories:     raw.Categories.Booked,
	}

	if len(cfg.InterestedCategories) == 0 {
		cfg.InterestedCategories = []string{"Interested", "Meeting Request", "Information Request"}
	}
	if len(cfg.BookedCategories) == 0 {
		cfg.BookedCategories = []string{"Booked", "Meeting Booked", "Demo Scheduled"}
	}

	if cfg.Gmail.ClientID == "" || cfg.Gmail.ClientSecret == "" {
		return nil, fmt.Errorf("gmail credentials missing — set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
