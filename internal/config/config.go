// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"rssbot/internal/filter"
	"rssbot/internal/model"
)

// ErrConfiguration marks configuration that the process cannot start with.
var ErrConfiguration = errors.New("configuration error")

// Supported state backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	TelegramToken    string
	TelegramChatID   int64
	Feeds            []model.FeedSource
	Filters          []filter.Rule
	DedupLimit       int
	PollEveryMinutes int
	StateFile        string
	StateBackend     string
	LogLevel         string
	MetricsAddr      string
}

// PollInterval returns the configured poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollEveryMinutes) * time.Minute
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := env("RSSBOT_TELEGRAM_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("%w: RSSBOT_TELEGRAM_TOKEN is required", ErrConfiguration)
	}

	rawChat := env("RSSBOT_TELEGRAM_CHAT_ID")
	if rawChat == "" {
		return nil, fmt.Errorf("%w: RSSBOT_TELEGRAM_CHAT_ID is required", ErrConfiguration)
	}
	chatID, err := strconv.ParseInt(rawChat, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: RSSBOT_TELEGRAM_CHAT_ID %q is not a valid integer", ErrConfiguration, rawChat)
	}

	feeds, err := ParseFeeds(env("RSSBOT_FEEDS"))
	if err != nil {
		return nil, err
	}

	filters, err := filter.ParseRules(env("RSSBOT_FILTERS"))
	if err != nil {
		return nil, fmt.Errorf("%w: RSSBOT_FILTERS: %w", ErrConfiguration, err)
	}

	dedupLimit, err := positiveInt("RSSBOT_DEDUP_LIMIT", 200)
	if err != nil {
		return nil, err
	}
	pollEvery, err := positiveInt("RSSBOT_POLL_EVERY_MINUTES", 5)
	if err != nil {
		return nil, err
	}

	stateFile := env("RSSBOT_STATE_FILE")
	if stateFile == "" {
		stateFile = "state.json"
	}

	backend := strings.ToLower(env("RSSBOT_STATE_BACKEND"))
	switch backend {
	case "":
		backend = BackendFile
	case BackendFile, BackendSQLite:
	default:
		return nil, fmt.Errorf("%w: RSSBOT_STATE_BACKEND must be %q or %q, got %q",
			ErrConfiguration, BackendFile, BackendSQLite, backend)
	}

	logLevel := env("RSSBOT_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		TelegramToken:    token,
		TelegramChatID:   chatID,
		Feeds:            feeds,
		Filters:          filters,
		DedupLimit:       dedupLimit,
		PollEveryMinutes: pollEvery,
		StateFile:        stateFile,
		StateBackend:     backend,
		LogLevel:         logLevel,
		MetricsAddr:      env("RSSBOT_METRICS_ADDR"),
	}, nil
}

// ParseFeeds splits a feed list on commas, semicolons and whitespace.
// Each item is either a URL or label=URL.
func ParseFeeds(raw string) ([]model.FeedSource, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: RSSBOT_FEEDS must contain at least one URL", ErrConfiguration)
	}

	seen := make(map[string]bool, len(fields))
	feeds := make([]model.FeedSource, 0, len(fields))
	for _, field := range fields {
		src := splitLabel(field)
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("%w: invalid feed URL %q", ErrConfiguration, src.URL)
		}
		if seen[src.URL] {
			return nil, fmt.Errorf("%w: feed %q listed twice", ErrConfiguration, src.URL)
		}
		seen[src.URL] = true
		feeds = append(feeds, src)
	}
	return feeds, nil
}

// splitLabel separates "label=https://..." into its parts. An "=" after the
// scheme belongs to the URL.
func splitLabel(field string) model.FeedSource {
	eq := strings.Index(field, "=")
	scheme := strings.Index(field, "://")
	if eq > 0 && (scheme < 0 || eq < scheme) {
		return model.FeedSource{Label: field[:eq], URL: field[eq+1:]}
	}
	return model.FeedSource{URL: field}
}

func positiveInt(key string, def int) (int, error) {
	raw := env(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", ErrConfiguration, key, raw)
	}
	return n, nil
}

func env(key string) string {
	return Dequote(strings.TrimSpace(os.Getenv(key)))
}

// Dequote strips one pair of matching single or double quotes.
func Dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
