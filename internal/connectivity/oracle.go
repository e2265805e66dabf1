// Package connectivity reports whether the remote API is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Oracle answers "is the device connected right now" as a snapshot.
type Oracle interface {
	IsOnline(ctx context.Context) bool
}

// Static is an Oracle whose state is set explicitly. The zero value is offline.
type Static struct {
	online atomic.Bool
}

// NewStatic returns a Static oracle with the given initial state.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.online.Store(online)
	return s
}

func (s *Static) IsOnline(context.Context) bool { return s.online.Load() }

func (s *Static) SetOnline(online bool) { s.online.Store(online) }

// Probe considers the network up when an HTTP request to URL gets any
// response at all. Status codes are ignored: a 500 still means the server is
// reachable.
type Probe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewProbe creates a Probe with a 3s timeout.
func NewProbe(url string) *Probe {
	return &Probe{
		URL:     url,
		Client:  &http.Client{},
		Timeout: 3 * time.Second,
	}
}

func (p *Probe) IsOnline(ctx context.Context) bool {
	if p.URL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Override lets an operator force the daemon offline regardless of what the
// underlying oracle says.
type Override struct {
	base     Oracle
	disabled atomic.Bool
}

func NewOverride(base Oracle) *Override {
	return &Override{base: base}
}

func (o *Override) IsOnline(ctx context.Context) bool {
	if o.disabled.Load() {
		return false
	}
	return o.base.IsOnline(ctx)
}

// ForceOffline toggles the override.
func (o *Override) ForceOffline(off bool) { o.disabled.Store(off) }

// Forced reports whether the override is active.
func (o *Override) Forced() bool { return o.disabled.Load() }

// Monitor polls an Oracle and notifies listeners on transitions.
type Monitor struct {
	oracle   Oracle
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	known     bool
	online    bool
	listeners []func(online bool)
}

// NewMonitor creates a Monitor. If interval is <= 0, it defaults to 10s.
func NewMonitor(oracle Oracle, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		oracle:   oracle,
		interval: interval,
		logger:   slog.Default(),
	}
}

// OnChange registers fn to be called after every online/offline transition.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// IsOnline returns the last polled state, polling once if none is known yet.
func (m *Monitor) IsOnline(ctx context.Context) bool {
	m.mu.Lock()
	known, online := m.known, m.online
	m.mu.Unlock()
	if known {
		return online
	}
	return m.Poll(ctx)
}

// Poll checks the oracle once and fires listeners if the state changed.
// The first poll establishes a baseline and fires nothing.
func (m *Monitor) Poll(ctx context.Context) bool {
	online := m.oracle.IsOnline(ctx)

	m.mu.Lock()
	changed := m.known && m.online != online
	m.known = true
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", "online", online)
		for _, fn := range listeners {
			fn(online)
		}
	}
	return online
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Poll(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}
