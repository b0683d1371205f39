package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const unit = time.Millisecond

type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
	hook   func(n int)
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	n := len(s.sleeps)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (s *recordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

type fakeReachability struct {
	mu           sync.Mutex
	reachable    bool
	subs         map[int]func(bool)
	nextID       int
	unsubscribed int
}

func newFakeReachability(reachable bool) *fakeReachability {
	return &fakeReachability{reachable: reachable, subs: map[int]func(bool){}}
}

func (f *fakeReachability) Reachable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reachable
}

func (f *fakeReachability) Subscribe(fn func(bool)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
		f.unsubscribed++
	}
}

func (f *fakeReachability) Set(ok bool) {
	f.mu.Lock()
	f.reachable = ok
	subs := make([]func(bool), 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ok)
	}
}

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.APIKey = "sk-test"
	cfg.BackoffUnit = unit
	cfg.ReachabilityPollInterval = unit
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) (*Client, *recordingSleeper) {
	t.Helper()
	sleeper := &recordingSleeper{}
	opts = append([]Option{WithSleeper(sleeper.Sleep)}, opts...)
	c, err := NewClient(cfg, opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c, sleeper
}

func completionBody(t *testing.T, content string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"choices": []interface{}{
			map[string]interface{}{"message": map[string]interface{}{"role": "assistant", "content": content}},
		},
	})
	if err != nil {
		t.Fatalf("marshal completion: %v", err)
	}
	return body
}

const appleContent = "```json\n{\"foodName\": \"Apple\", \"calories\": 95, \"protein\": 0.5, \"carbs\": 25, \"fat\": 0.3, \"ingredients\": [\"apple\"]}\n```"

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func assertSleeps(t *testing.T, got, want []time.Duration) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sleeps = %v, want %v", got, want)
		}
	}
}

func TestAnalyzeAppleRoundTrip(t *testing.T) {
	image := []byte{0xff, 0xd8, 0xff, 0xe0, 'j', 'p', 'g'}

	var gotReq *http.Request
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		gotBody, _ = io.ReadAll(r.Body)
		writeBody(w, http.StatusOK, completionBody(t, appleContent))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL + "/v1/")
	cfg.APIKey = "  sk-test \n"
	c, sleeper := newTestClient(t, cfg)

	est, err := c.Analyze(context.Background(), image)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if est.ID == "" {
		t.Error("expected a generated ID")
	}
	if est.FoodName != "Apple" || est.Calories != 95 || est.Protein != 0.5 || est.Carbs != 25 || est.Fat != 0.3 {
		t.Errorf("unexpected estimate: %+v", est)
	}
	if len(est.Ingredients) != 1 || est.Ingredients[0] != "apple" {
		t.Errorf("ingredients = %v", est.Ingredients)
	}
	if est.CapturedAt.IsZero() {
		t.Error("CapturedAt not set")
	}
	assertSleeps(t, sleeper.Sleeps(), nil)

	if gotReq.Method != http.MethodPost || gotReq.URL.Path != "/v1/chat/completions" {
		t.Errorf("request = %s %s", gotReq.Method, gotReq.URL.Path)
	}
	if got := gotReq.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotReq.Header.Get("User-Agent"); !strings.HasPrefix(got, "platecal/") {
		t.Errorf("User-Agent = %q", got)
	}
	if got := gotReq.Header.Get("Accept"); got != "application/json" {
		t.Errorf("Accept = %q", got)
	}
	if gotReq.ProtoMajor != 1 || gotReq.ProtoMinor != 1 {
		t.Errorf("proto = %s, want HTTP/1.1", gotReq.Proto)
	}

	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content []struct {
				Type     string `json:"type"`
				Text     string `json:"text"`
				ImageURL struct {
					URL string `json:"url"`
				} `json:"image_url"`
			} `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(gotBody, &req); err != nil {
		t.Fatalf("request body is not JSON: %v", err)
	}
	if req.Model != "gpt-4o" || req.MaxTokens != 500 {
		t.Errorf("model/max_tokens = %q/%d", req.Model, req.MaxTokens)
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || len(req.Messages[0].Content) != 2 {
		t.Fatalf("unexpected messages: %+v", req.Messages)
	}
	parts := req.Messages[0].Content
	if parts[0].Type != "text" || !strings.Contains(parts[0].Text, "foodName") {
		t.Errorf("text part = %+v", parts[0])
	}
	const prefix = "data:image/jpeg;base64,"
	if parts[1].Type != "image_url" || !strings.HasPrefix(parts[1].ImageURL.URL, prefix) {
		t.Fatalf("image part = %+v", parts[1])
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(parts[1].ImageURL.URL, prefix))
	if err != nil || string(decoded) != string(image) {
		t.Errorf("image payload mismatch: %v", err)
	}
}

func TestAnalyzeTransportFailuresExhaustBudget(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			conn.Close()
		}
	}()

	c, sleeper := newTestClient(t, testConfig("http://"+ln.Addr().String()))

	_, err = c.Analyze(context.Background(), []byte("img"))
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("error = %v, want transport error", err)
	}
	if got := accepted.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	assertSleeps(t, sleeper.Sleeps(), []time.Duration{2 * unit, 4 * unit})
}

func TestAnalyzeDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxRetries = 4
	c, sleeper := newTestClient(t, cfg)

	_, err := c.Analyze(context.Background(), []byte("img"))
	var verr *Error
	if !errors.As(err, &verr) || verr.Kind != KindTransport {
		t.Fatalf("error = %v, want transport error", err)
	}
	if !verr.Retryable() {
		t.Error("transport errors should be retryable")
	}
	assertSleeps(t, sleeper.Sleeps(), []time.Duration{2 * unit, 4 * unit, 8 * unit})
}

func TestAnalyzeUnauthorizedIsTerminal(t *testing.T) {
	for _, retries := range []int{0, 1, 3, 7} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeBody(w, http.StatusUnauthorized, []byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
		}))

		cfg := testConfig(srv.URL)
		cfg.MaxRetries = retries
		c, sleeper := newTestClient(t, cfg)

		_, err := c.Analyze(context.Background(), []byte("img"))
		srv.Close()

		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("retries=%d: error = %v, want authentication failure", retries, err)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("retries=%d: attempts = %d, want 1", retries, got)
		}
		assertSleeps(t, sleeper.Sleeps(), nil)
	}
}

func TestAnalyzeServerErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeBody(w, http.StatusInternalServerError, []byte(`{"error":{"message":"The server had an error"}}`))
	}))
	defer srv.Close()

	c, sleeper := newTestClient(t, testConfig(srv.URL))

	_, err := c.Analyze(context.Background(), []byte("img"))
	if !errors.Is(err, &Error{Kind: KindRemoteRequestFailed, StatusCode: 500}) {
		t.Fatalf("error = %v, want remote 500", err)
	}
	var verr *Error
	errors.As(err, &verr)
	if verr.Message != "The server had an error" {
		t.Errorf("message = %q", verr.Message)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	assertSleeps(t, sleeper.Sleeps(), []time.Duration{2 * unit, 4 * unit})
}

func TestAnalyzeRemoteMessageFallsBackToStatusText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusTooManyRequests, []byte(`rate limited`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	c, _ := newTestClient(t, cfg)

	_, err := c.Analyze(context.Background(), []byte("img"))
	var verr *Error
	if !errors.As(err, &verr) || verr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("error = %v", err)
	}
	if verr.Message != http.StatusText(http.StatusTooManyRequests) {
		t.Errorf("message = %q", verr.Message)
	}
}

func TestAnalyzeRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeBody(w, http.StatusServiceUnavailable, nil)
			return
		}
		writeBody(w, http.StatusOK, completionBody(t, appleContent))
	}))
	defer srv.Close()

	c, sleeper := newTestClient(t, testConfig(srv.URL))

	est, err := c.Analyze(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if est.FoodName != "Apple" {
		t.Errorf("food name = %q", est.FoodName)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	assertSleeps(t, sleeper.Sleeps(), []time.Duration{2 * unit})
}

func TestAnalyzeDecodeErrorNotRetried(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T) []byte
	}{
		{"prose content", func(t *testing.T) []byte { return completionBody(t, "Looks like an apple to me!") }},
		{"missing fat", func(t *testing.T) []byte {
			return completionBody(t, `{"foodName":"Apple","calories":95,"protein":0.5,"carbs":25}`)
		}},
		{"negative calories", func(t *testing.T) []byte {
			return completionBody(t, `{"foodName":"Apple","calories":-5,"protein":0.5,"carbs":25,"fat":0.3}`)
		}},
		{"no choices", func(t *testing.T) []byte { return []byte(`{"choices":[]}`) }},
		{"not json", func(t *testing.T) []byte { return []byte(`<html>ok</html>`) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeBody(w, http.StatusOK, tt.body(t))
			}))
			defer srv.Close()

			c, sleeper := newTestClient(t, testConfig(srv.URL))

			_, err := c.Analyze(context.Background(), []byte("img"))
			if !errors.Is(err, ErrDecode) {
				t.Fatalf("error = %v, want decode error", err)
			}
			if got := calls.Load(); got != 1 {
				t.Errorf("attempts = %d, want 1", got)
			}
			assertSleeps(t, sleeper.Sleeps(), nil)
		})
	}
}

func TestAnalyzeZeroRetriesMakesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeBody(w, http.StatusBadGateway, nil)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0
	c, sleeper := newTestClient(t, cfg)

	if _, err := c.Analyze(context.Background(), []byte("img")); !errors.Is(err, ErrRemoteRequestFailed) {
		t.Fatalf("error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	assertSleeps(t, sleeper.Sleeps(), nil)
}

func TestAnalyzeReachabilityGate(t *testing.T) {
	t.Run("reachable before call", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeBody(w, http.StatusOK, completionBody(t, appleContent))
		}))
		defer srv.Close()

		c, sleeper := newTestClient(t, testConfig(srv.URL), WithReachability(newFakeReachability(true)))
		if _, err := c.Analyze(context.Background(), []byte("img")); err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		assertSleeps(t, sleeper.Sleeps(), nil)
	})

	t.Run("never reachable", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		c, sleeper := newTestClient(t, testConfig(srv.URL), WithReachability(newFakeReachability(false)))
		_, err := c.Analyze(context.Background(), []byte("img"))
		if !errors.Is(err, ErrNetworkUnavailable) {
			t.Fatalf("error = %v, want network unavailable", err)
		}
		want := make([]time.Duration, 10)
		for i := range want {
			want[i] = unit
		}
		assertSleeps(t, sleeper.Sleeps(), want)
		if got := calls.Load(); got != 0 {
			t.Errorf("requests = %d, want 0", got)
		}
	})

	t.Run("becomes reachable while polling", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeBody(w, http.StatusOK, completionBody(t, appleContent))
		}))
		defer srv.Close()

		reach := newFakeReachability(false)
		sleeper := &recordingSleeper{hook: func(n int) {
			if n == 3 {
				reach.Set(true)
			}
		}}
		c, err := NewClient(testConfig(srv.URL), WithReachability(reach), WithSleeper(sleeper.Sleep))
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		defer c.Close()

		if _, err := c.Analyze(context.Background(), []byte("img")); err != nil {
			t.Fatalf("Analyze() error = %v", err)
		}
		assertSleeps(t, sleeper.Sleeps(), []time.Duration{unit, unit, unit})
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer srv.Close()

		ctx, cancel := context.WithCancel(context.Background())
		sleeper := &recordingSleeper{hook: func(n int) {
			if n == 2 {
				cancel()
			}
		}}
		c, err := NewClient(testConfig(srv.URL), WithReachability(newFakeReachability(false)), WithSleeper(sleeper.Sleep))
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		defer c.Close()

		_, err = c.Analyze(ctx, []byte("img"))
		if !errors.Is(err, ErrTransport) || !errors.Is(err, context.Canceled) {
			t.Fatalf("error = %v, want cancelled transport error", err)
		}
		if errors.Is(err, ErrNetworkUnavailable) {
			t.Errorf("cancellation reported as network unavailable: %v", err)
		}
		assertSleeps(t, sleeper.Sleeps(), []time.Duration{unit, unit})
		if got := calls.Load(); got != 0 {
			t.Errorf("requests = %d, want 0", got)
		}
	})
}

func TestCloseUnsubscribes(t *testing.T) {
	reach := newFakeReachability(true)
	c, err := NewClient(testConfig("http://127.0.0.1:1"), WithReachability(reach))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	c.Close()
	c.Close()
	if reach.unsubscribed != 1 {
		t.Errorf("unsubscribed = %d, want 1", reach.unsubscribed)
	}
}

func TestAnalyzeEmptyImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusBadRequest, []byte(`{"error":{"message":"Invalid image."}}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, testConfig(srv.URL))
	_, err := c.Analyze(context.Background(), nil)
	if !errors.Is(err, ErrTransport) && !errors.Is(err, ErrRemoteRequestFailed) && !errors.Is(err, ErrDecode) {
		t.Fatalf("error = %v, want transport, remote or decode error", err)
	}
}

func TestAnalyzeCancelsPreviousCall(t *testing.T) {
	started := make(chan struct{})
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// The server only notices the client going away once the body is read.
			_, _ = io.Copy(io.Discard, r.Body)
			close(started)
			<-r.Context().Done()
			return
		}
		writeBody(w, http.StatusOK, completionBody(t, appleContent))
	}))
	defer srv.Close()

	c, sleeper := newTestClient(t, testConfig(srv.URL))

	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Analyze(context.Background(), []byte("first"))
		firstErr <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the server")
	}

	if _, err := c.Analyze(context.Background(), []byte("second")); err != nil {
		t.Fatalf("second Analyze() error = %v", err)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrTransport) || !errors.Is(err, context.Canceled) {
			t.Errorf("first error = %v, want cancelled transport error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first call did not return")
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
	assertSleeps(t, sleeper.Sleeps(), nil)
}

func TestAnalyzeHonoursCallerCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeBody(w, http.StatusInternalServerError, nil)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sleeper := &recordingSleeper{hook: func(int) { cancel() }}
	c, err := NewClient(testConfig(srv.URL), WithSleeper(sleeper.Sleep))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer c.Close()

	_, err = c.Analyze(ctx, []byte("img"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	assertSleeps(t, sleeper.Sleeps(), []time.Duration{2 * unit})
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		retries int
	}{
		{"empty", "", 3},
		{"relative", "/v1", 3},
		{"no scheme", "api.openai.com/v1", 3},
		{"bad scheme", "ftp://api.openai.com", 3},
		{"unparsable", "http://[::1", 3},
		{"negative retries", "https://api.openai.com/v1", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.BaseURL = tt.baseURL
			cfg.MaxRetries = tt.retries
			if _, err := NewClient(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
