package connectivity

import (
	"context"
	"io"
	"log"
	"testing"
	"time"
)

func testMonitor(debounce time.Duration) *Monitor {
	return NewMonitor(&Config{
		ProbeInterval:    time.Second,
		DebounceInterval: debounce,
		Probe:            func(ctx context.Context) Mode { return Offline },
		Logger:           log.New(io.Discard, "", 0),
	})
}

// drain collects whatever transitions are currently buffered
func drain(ch <-chan Mode) []Mode {
	var out []Mode
	for {
		select {
		case mode := <-ch:
			out = append(out, mode)
		default:
			return out
		}
	}
}

// TestObserve_CommitsAfterDebounce tests that a held signal flips the mode
func TestObserve_CommitsAfterDebounce(t *testing.T) {
	m := testMonitor(2 * time.Second)
	ch := m.Subscribe()

	base := time.Now()

	m.Observe(Online, base)
	if m.Current() != Offline {
		t.Fatal("mode flipped before the debounce window elapsed")
	}

	m.Observe(Online, base.Add(time.Second))
	if m.Current() != Offline {
		t.Fatal("mode flipped mid-window")
	}

	m.Observe(Online, base.Add(2*time.Second))
	if m.Current() != Online {
		t.Fatal("mode should have flipped after the window elapsed")
	}

	events := drain(ch)
	if len(events) != 1 || events[0] != Online {
		t.Errorf("events = %v, want [online]", events)
	}
}

// TestObserve_FlapEmitsNothing tests that a revert inside the window
// leaves no trace
func TestObserve_FlapEmitsNothing(t *testing.T) {
	m := testMonitor(2 * time.Second)
	ch := m.Subscribe()

	base := time.Now()

	// Offline device sees a blip of connectivity that dies again
	// before the window elapses
	m.Observe(Online, base)
	m.Observe(Online, base.Add(500*time.Millisecond))
	m.Observe(Offline, base.Add(time.Second))

	// Much later, still offline: no transition ever committed
	m.Observe(Offline, base.Add(10*time.Second))

	if m.Current() != Offline {
		t.Errorf("Current() = %s, want offline", m.Current())
	}
	if events := drain(ch); len(events) != 0 {
		t.Errorf("flap emitted %v, want no events", events)
	}
}

// TestObserve_FlapThenHold tests that the window restarts after a revert
func TestObserve_FlapThenHold(t *testing.T) {
	m := testMonitor(2 * time.Second)
	ch := m.Subscribe()

	base := time.Now()

	m.Observe(Online, base)
	m.Observe(Offline, base.Add(time.Second)) // revert, candidate cleared

	// New online signal: the clock starts over
	m.Observe(Online, base.Add(3*time.Second))
	m.Observe(Online, base.Add(4*time.Second))
	if m.Current() != Offline {
		t.Fatal("window must restart after a revert")
	}

	m.Observe(Online, base.Add(5*time.Second))
	if m.Current() != Online {
		t.Fatal("held signal should commit")
	}

	events := drain(ch)
	if len(events) != 1 || events[0] != Online {
		t.Errorf("events = %v, want [online]", events)
	}
}

// TestObserve_RoundTrip tests a full offline-online-offline cycle
func TestObserve_RoundTrip(t *testing.T) {
	m := testMonitor(time.Second)
	ch := m.Subscribe()

	base := time.Now()

	m.Observe(Online, base)
	m.Observe(Online, base.Add(time.Second))
	m.Observe(Offline, base.Add(5*time.Second))
	m.Observe(Offline, base.Add(6*time.Second))

	events := drain(ch)
	want := []Mode{Online, Offline}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
		}
	}
}

// TestMode_String tests the mode names
func TestMode_String(t *testing.T) {
	if Offline.String() != "offline" {
		t.Errorf("Offline.String() = %q", Offline.String())
	}
	if Online.String() != "online" {
		t.Errorf("Online.String() = %q", Online.String())
	}
}
