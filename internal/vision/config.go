package vision

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Version is reported in the User-Agent header. Overridden at build time
// with -ldflags "-X github.com/timmy/platecal/internal/vision.Version=...".
var Version = "dev"

// ChatCompletionsPath is appended to BaseURL for every analysis request.
const ChatCompletionsPath = "/chat/completions"

// Config holds the client settings. It is read-only once NewClient returns.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int

	// Timeout bounds the dial and TLS handshake and the whole request.
	Timeout time.Duration

	// MaxRetries is the total attempt budget. 0 still makes one attempt.
	MaxRetries int

	// BackoffUnit scales retry backoff (2^attempt units) and reachability
	// polling.
	BackoffUnit time.Duration

	ReachabilityPollInterval time.Duration
	ReachabilityPollAttempts int

	// CancelInFlight cancels a still-pending Analyze when a new one starts.
	CancelInFlight bool
}

// DefaultConfig returns the production defaults. BaseURL and APIKey are
// left for the caller.
func DefaultConfig() Config {
	return Config{
		Model:                    "gpt-4o",
		MaxTokens:                500,
		Timeout:                  30 * time.Second,
		MaxRetries:               3,
		BackoffUnit:              time.Second,
		ReachabilityPollInterval: time.Second,
		ReachabilityPollAttempts: 10,
		CancelInFlight:           true,
	}
}

// withDefaults fills zero-valued fields, except MaxRetries and
// CancelInFlight whose zero values are meaningful.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Model == "" {
		c.Model = def.Model
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = def.MaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = def.BackoffUnit
	}
	if c.ReachabilityPollInterval <= 0 {
		c.ReachabilityPollInterval = c.BackoffUnit
	}
	if c.ReachabilityPollAttempts <= 0 {
		c.ReachabilityPollAttempts = def.ReachabilityPollAttempts
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	return c
}

// Validate checks the base URL and the retry budget.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("vision: base URL is empty")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("vision: invalid base URL %q: %w", c.BaseURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("vision: base URL %q must be absolute", c.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("vision: unsupported base URL scheme %q", u.Scheme)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("vision: max retries must be non-negative, got %d", c.MaxRetries)
	}
	return nil
}

func (c Config) attempts() int {
	if c.MaxRetries < 1 {
		return 1
	}
	return c.MaxRetries
}
