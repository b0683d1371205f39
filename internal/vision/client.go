package vision

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/platecal/internal/domain"
	"github.com/timmy/platecal/internal/logger"
	"github.com/timmy/platecal/internal/prompts"
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a Client.
type Option func(c *Client)

// WithReachability gates every call on r. Without it the endpoint is
// assumed reachable.
func WithReachability(r Reachability) Option {
	return func(c *Client) {
		c.reachability = r
	}
}

// WithSleeper replaces the wait used for backoff and reachability polling.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// Client sends meal photos to an OpenAI-compatible vision endpoint and
// decodes the reply into a nutrition estimate.
type Client struct {
	cfg       Config
	endpoint  string
	http      *resty.Client
	transport *http.Transport

	reachability Reachability
	reachable    atomic.Bool
	unsubscribe  func()
	sleep        Sleeper

	mu       sync.Mutex
	inFlight context.CancelFunc
	callSeq  uint64
}

// NewClient creates a vision client.
// Parameters:
//   - cfg: endpoint, credentials and retry settings; zero values take defaults.
//   - opts: optional reachability source and sleeper.
//
// Returns:
//   - *Client: ready client; call Close when done.
//   - error: non-nil if the base URL is not absolute or MaxRetries is negative.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		endpoint: cfg.BaseURL + ChatCompletionsPath,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	c.transport = &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			MaxVersion: tls.VersionTLS13,
		},
		TLSHandshakeTimeout: cfg.Timeout,
		MaxConnsPerHost:     1,
		IdleConnTimeout:     90 * time.Second,
		// A non-nil empty map keeps the transport on HTTP/1.1.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}

	c.http = resty.New().
		SetTransport(c.transport).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "platecal/"+Version).
		SetHeader("Authorization", "Bearer "+cfg.APIKey)

	if c.reachability == nil {
		c.reachable.Store(true)
	} else {
		c.reachable.Store(c.reachability.Reachable())
		c.unsubscribe = c.reachability.Subscribe(func(ok bool) {
			c.reachable.Store(ok)
		})
	}

	return c, nil
}

// Model returns the model name sent with every request.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Close unsubscribes from reachability updates and drops idle connections.
func (c *Client) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.transport.CloseIdleConnections()
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeTerminal
)

type outcome struct {
	kind     outcomeKind
	estimate *domain.NutritionEstimate
	err      *Error
}

// Analyze estimates the nutrition of the meal in image (JPEG bytes).
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - image: photo bytes, sent as a base64 data URL.
//
// Returns:
//   - *domain.NutritionEstimate: new estimate with a fresh ID.
//   - error: a *Error; retries happen inside and are not visible here.
func (c *Client) Analyze(ctx context.Context, image []byte) (*domain.NutritionEstimate, error) {
	ctx, release := c.track(ctx)
	defer release()
	ctx = logger.SetComponent(ctx, "vision")

	if err := c.awaitReachable(ctx); err != nil {
		return nil, err
	}

	body := c.buildRequest(image)
	attempts := c.cfg.attempts()
	start := time.Now()

	var lastErr *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		out := c.attempt(ctx, body)
		switch out.kind {
		case outcomeSuccess:
			logger.With(logger.Fields{
				logger.FieldRecordID: out.estimate.ID,
				logger.FieldModel:    c.cfg.Model,
			}).WithAttempt(attempt).WithDuration(time.Since(start)).
				Info(ctx, "Meal analyzed: %s (%d kcal)", out.estimate.FoodName, out.estimate.Calories)
			return out.estimate, nil
		case outcomeTerminal:
			return nil, out.err
		}

		lastErr = out.err
		logger.With(logger.Fields{logger.FieldModel: c.cfg.Model}).
			WithAttempt(attempt).WithStatus(out.err.StatusCode).
			Warn(ctx, "Analysis attempt failed: %v", out.err)

		if attempt < attempts {
			if err := c.sleep(ctx, backoff(attempt, c.cfg.BackoffUnit)); err != nil {
				return nil, &Error{Kind: KindTransport, Message: "cancelled during backoff", Err: err}
			}
		}
	}
	return nil, lastErr
}

// backoff returns 2^attempt units; attempt starts at 1.
func backoff(attempt int, unit time.Duration) time.Duration {
	return time.Duration(1<<uint(attempt)) * unit
}

// awaitReachable returns at once when the path is up, otherwise polls the
// flag, sleeping between polls.
func (c *Client) awaitReachable(ctx context.Context) error {
	for i := 0; i < c.cfg.ReachabilityPollAttempts; i++ {
		if c.reachable.Load() {
			return nil
		}
		if err := c.sleep(ctx, c.cfg.ReachabilityPollInterval); err != nil {
			return &Error{Kind: KindTransport, Message: "cancelled while waiting for network", Err: err}
		}
	}
	logger.CtxWarn(ctx, "Network unavailable after %d reachability checks", c.cfg.ReachabilityPollAttempts)
	return &Error{Kind: KindNetworkUnavailable, Message: "endpoint not reachable"}
}

func (c *Client) buildRequest(image []byte) chatRequest {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	return chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{
				Role: "user",
				Content: []interface{}{
					textContent{Type: "text", Text: prompts.NutritionAnalysisPrompt},
					imageContent{Type: "image_url", ImageURL: imageURL{URL: dataURL}},
				},
			},
		},
		MaxTokens: c.cfg.MaxTokens,
	}
}

func (c *Client) attempt(ctx context.Context, body chatRequest) outcome {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(c.endpoint)
	if err != nil {
		e := &Error{Kind: KindTransport, Err: err}
		if ctx.Err() != nil {
			return outcome{kind: outcomeTerminal, err: e}
		}
		return outcome{kind: outcomeRetryable, err: e}
	}

	status := resp.StatusCode()
	switch {
	case status == http.StatusUnauthorized:
		return outcome{kind: outcomeTerminal, err: &Error{
			Kind:       KindAuthenticationFailed,
			StatusCode: status,
			Message:    remoteMessage(resp.Body(), http.StatusText(status)),
		}}
	case status < 200 || status >= 300:
		return outcome{kind: outcomeRetryable, err: &Error{
			Kind:       KindRemoteRequestFailed,
			StatusCode: status,
			Message:    remoteMessage(resp.Body(), http.StatusText(status)),
		}}
	}

	est, err := decodeEstimate(resp.Body())
	if err != nil {
		return outcome{kind: outcomeTerminal, err: &Error{Kind: KindDecode, Err: err}}
	}
	return outcome{kind: outcomeSuccess, estimate: est}
}

// track derives the per-call context. With CancelInFlight, starting a call
// cancels the previous one if it is still running.
func (c *Client) track(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	if !c.cfg.CancelInFlight {
		return ctx, cancel
	}

	c.mu.Lock()
	if c.inFlight != nil {
		c.inFlight()
	}
	c.callSeq++
	seq := c.callSeq
	c.inFlight = cancel
	c.mu.Unlock()

	return ctx, func() {
		c.mu.Lock()
		if c.callSeq == seq {
			c.inFlight = nil
		}
		c.mu.Unlock()
		cancel()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
