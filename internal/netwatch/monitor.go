package netwatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/platecal/internal/logger"
)

const (
	defaultProbeInterval = 5 * time.Second
	defaultDialTimeout   = 3 * time.Second
)

// Config holds monitor settings.
type Config struct {
	// Target is the host:port probed with a TCP dial.
	Target        string
	ProbeInterval time.Duration
	DialTimeout   time.Duration
}

// Monitor tracks whether a TCP endpoint accepts connections and notifies
// subscribers when that changes.
type Monitor struct {
	target   string
	interval time.Duration
	timeout  time.Duration
	dial     func(ctx context.Context, network, address string) (net.Conn, error)

	reachable atomic.Bool

	mu     sync.Mutex
	subs   map[uint64]func(bool)
	nextID uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor. The initial status is unreachable until the first
// probe completes.
func New(cfg Config) (*Monitor, error) {
	if cfg.Target == "" {
		return nil, errors.New("netwatch: target is empty")
	}
	if _, _, err := net.SplitHostPort(cfg.Target); err != nil {
		return nil, fmt.Errorf("netwatch: invalid target %q: %w", cfg.Target, err)
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Monitor{
		target:   cfg.Target,
		interval: cfg.ProbeInterval,
		timeout:  cfg.DialTimeout,
		dial:     d.DialContext,
		subs:     make(map[uint64]func(bool)),
	}, nil
}

// TargetFromURL derives host:port from an http(s) URL, defaulting the port
// from the scheme.
func TargetFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("netwatch: parse %q: %w", raw, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("netwatch: %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		default:
			return "", fmt.Errorf("netwatch: cannot infer port for scheme %q", u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Target returns the probed address.
func (m *Monitor) Target() string {
	return m.target
}

// Reachable reports the result of the latest probe.
func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// Subscribe registers fn for status changes.
func (m *Monitor) Subscribe(fn func(reachable bool)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Probe dials the target once, records the result and notifies
// subscribers if the status changed.
func (m *Monitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(ctx, "tcp", m.target)
	ok := err == nil
	if ok {
		conn.Close()
	}

	if m.reachable.Swap(ok) != ok {
		if ok {
			logger.CtxInfo(ctx, "Network path to %s is up", m.target)
		} else {
			logger.CtxWarn(ctx, "Network path to %s is down: %v", m.target, err)
		}
		m.notify(ok)
	}
	return ok
}

func (m *Monitor) notify(ok bool) {
	m.mu.Lock()
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ok)
	}
}

// Start probes once, then keeps probing every ProbeInterval until ctx is
// done or Stop is called. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(logger.SetComponent(ctx, "netwatch"))
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.Probe(ctx)

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
