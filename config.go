package conversync

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// ============================================================================
// Configuration
// ============================================================================

// Config holds the tunable parameters of the sync engine. The dedup and
// freshness windows are approximate by design; keep them configurable rather
// than buried as literals.
type Config struct {
	BaseURL string `env:"CONVERSYNC_BASE_URL"`

	// Connection supervision.
	ReconnectAttempts int           `env:"CONVERSYNC_RECONNECT_ATTEMPTS,default=10"`
	ReconnectSpacing  time.Duration `env:"CONVERSYNC_RECONNECT_SPACING,default=2s"`
	ConnectTimeout    time.Duration `env:"CONVERSYNC_CONNECT_TIMEOUT,default=20s"`

	// Session availability at startup.
	SessionAttempts int           `env:"CONVERSYNC_SESSION_ATTEMPTS,default=3"`
	SessionSpacing  time.Duration `env:"CONVERSYNC_SESSION_SPACING,default=2s"`

	// Message dedup windows. EchoWindow catches the same record delivered via
	// a second path; OptimisticGrace is how long a local insert may wait for
	// its confirmed twin.
	EchoWindow      time.Duration `env:"CONVERSYNC_ECHO_WINDOW,default=1s"`
	OptimisticGrace time.Duration `env:"CONVERSYNC_OPTIMISTIC_GRACE,default=30s"`

	// Presence. SnapshotValidity must exceed PresencePoll or a fresh snapshot
	// could never be served.
	PresencePoll     time.Duration `env:"CONVERSYNC_PRESENCE_POLL,default=5s"`
	SnapshotValidity time.Duration `env:"CONVERSYNC_SNAPSHOT_VALIDITY,default=30s"`

	// Directory refresh and typing-indicator expiry.
	DirectoryPoll time.Duration `env:"CONVERSYNC_DIRECTORY_POLL,default=30s"`
	TypingExpiry  time.Duration `env:"CONVERSYNC_TYPING_EXPIRY,default=6s"`

	HTTPClient *http.Client `env:"-"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	cfg := Config{}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing env vars: %w", err)
	}
	cfg.defaults()
	return cfg, nil
}

func (c *Config) defaults() {
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 10
	}
	if c.ReconnectSpacing == 0 {
		c.ReconnectSpacing = 2 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.SessionAttempts == 0 {
		c.SessionAttempts = 3
	}
	if c.SessionSpacing == 0 {
		c.SessionSpacing = 2 * time.Second
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = time.Second
	}
	if c.OptimisticGrace == 0 {
		c.OptimisticGrace = 30 * time.Second
	}
	if c.PresencePoll == 0 {
		c.PresencePoll = 5 * time.Second
	}
	if c.SnapshotValidity == 0 {
		c.SnapshotValidity = 30 * time.Second
	}
	if c.DirectoryPoll == 0 {
		c.DirectoryPoll = 30 * time.Second
	}
	if c.TypingExpiry == 0 {
		c.TypingExpiry = 6 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}
