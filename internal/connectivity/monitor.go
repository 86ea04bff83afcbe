// Package connectivity observes network reachability and exposes a
// single process-wide mode signal to the rest of the sync core.
//
// The underlying signal is unreliable: field devices report spurious
// reachability changes when moving between cells or buildings. The
// monitor therefore coalesces rapid flapping into a single settled
// transition: a new mode must hold for the full debounce interval
// before subscribers hear about it. A flip that reverts inside the
// window emits nothing.
//
// Mode is never persisted. It is recomputed from the first probe at
// every startup and on every transition.
package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// Mode is the current connectivity mode.
type Mode int

const (
	// Offline means the remote authority is unreachable.
	Offline Mode = iota
	// Online means the remote authority answered a recent probe.
	Online
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case Offline:
		return "offline"
	case Online:
		return "online"
	default:
		return "unknown"
	}
}

// ProbeFunc checks reachability once. It must return quickly; the
// monitor calls it at every probe interval.
type ProbeFunc func(ctx context.Context) Mode

// Config holds monitor configuration.
type Config struct {
	// ProbeURL is the authority health endpoint checked by the default probe.
	ProbeURL string

	// ProbeInterval is how often to check reachability (default: 5s).
	ProbeInterval time.Duration

	// DebounceInterval is how long a new mode must hold before a
	// transition commits (default: 2s).
	DebounceInterval time.Duration

	// Probe overrides the default HTTP probe. Used by tests.
	Probe ProbeFunc

	// Logger for monitor activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given probe URL.
func DefaultConfig(probeURL string) *Config {
	return &Config{
		ProbeURL:         probeURL,
		ProbeInterval:    5 * time.Second,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[connectivity] ", log.LstdFlags),
	}
}

// Monitor tracks the settled connectivity mode and fans out transitions.
type Monitor struct {
	config *Config
	probe  ProbeFunc

	mu             sync.Mutex
	current        Mode
	candidate      Mode
	candidateSince time.Time
	subscribers    []chan Mode
	running        bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. The initial mode is Offline until the
// first settled probe says otherwise.
func NewMonitor(config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig("")
	}
	if config.ProbeInterval == 0 {
		config.ProbeInterval = 5 * time.Second
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	probe := config.Probe
	if probe == nil {
		probe = httpProbe(config.ProbeURL)
	}

	return &Monitor{
		config:    config,
		probe:     probe,
		current:   Offline,
		candidate: Offline,
	}
}

// Current returns the settled connectivity mode.
func (m *Monitor) Current() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers a transition listener. Each committed transition
// is delivered exactly once per subscriber. The channel is buffered;
// a subscriber that falls too far behind loses the oldest events.
func (m *Monitor) Subscribe() <-chan Mode {
	ch := make(chan Mode, 8)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Start begins probing. The very first probe result is committed
// immediately so startup doesn't wait out the debounce window.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	// Startup: recompute mode from scratch, no debounce
	initial := m.probe(ctx)
	m.mu.Lock()
	m.current = initial
	m.candidate = initial
	m.mu.Unlock()
	m.config.Logger.Printf("Initial mode: %s", initial)

	m.wg.Add(1)
	go m.probeLoop(ctx)
}

// Stop halts probing and closes subscriber channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for _, ch := range m.subscribers {
		close(ch)
	}
	m.subscribers = nil
	m.mu.Unlock()
}

// probeLoop runs the periodic probe until the context is cancelled.
func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Observe(m.probe(ctx), time.Now())
		}
	}
}

// Observe feeds one raw probe result into the debounce state machine.
//
// A raw mode equal to the settled mode resets the candidate: flapping
// that reverts inside the debounce window leaves no trace. A differing
// raw mode becomes the candidate, and commits only once it has held
// for the full debounce interval.
func (m *Monitor) Observe(raw Mode, now time.Time) {
	m.mu.Lock()

	if raw == m.current {
		// Signal agrees with settled state; cancel any pending flip
		m.candidate = m.current
		m.mu.Unlock()
		return
	}

	if m.candidate != raw {
		m.candidate = raw
		m.candidateSince = now
		m.mu.Unlock()
		return
	}

	if now.Sub(m.candidateSince) < m.config.DebounceInterval {
		m.mu.Unlock()
		return
	}

	// Settled: commit the transition and fan out once
	m.current = raw
	subscribers := make([]chan Mode, len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	m.config.Logger.Printf("Mode changed: %s", raw)
	for _, ch := range subscribers {
		select {
		case ch <- raw:
		default:
			// Drop the oldest event rather than blocking the probe loop
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- raw:
			default:
			}
		}
	}
}

// httpProbe returns the default probe: a HEAD request against the
// authority's health endpoint with a short timeout.
func httpProbe(probeURL string) ProbeFunc {
	client := &http.Client{Timeout: 3 * time.Second}

	return func(ctx context.Context) Mode {
		if probeURL == "" {
			return Offline
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
		if err != nil {
			return Offline
		}

		resp, err := client.Do(req)
		if err != nil {
			return Offline
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return Offline
		}
		return Online
	}
}
