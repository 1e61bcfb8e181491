package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"guildcast/internal/broadcast"
	logx "guildcast/pkg/logx"
)

type fakeSource struct {
	mu   sync.Mutex
	snap broadcast.DashboardState
}

func (f *fakeSource) set(s broadcast.DashboardState) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *fakeSource) Snapshot() broadcast.DashboardState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func messages(t *testing.T, buf *bytes.Buffer) []string {
	t.Helper()
	var out []string
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("bad log line %q: %v", sc.Text(), err)
		}
		out = append(out, m["message"].(string))
	}
	buf.Reset()
	return out
}

func contains(msgs []string, want string) bool {
	for _, m := range msgs {
		if m == want {
			return true
		}
	}
	return false
}

func TestTickLogsTransitions(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	src := &fakeSource{}
	m := New(Config{}, src, logx.NewWriter(&buf, "debug"))

	src.set(broadcast.DashboardState{
		ActiveJobs: []broadcast.JobSummary{{ID: "bc_1", GuildID: "g", Progress: 40}},
		ClientLoad: []broadcast.ClientLoad{
			{ClientID: "A", Connected: true, CurrentLoad: 6},
			{ClientID: "B", Connected: false},
		},
	})
	m.tick()
	first := messages(t, &buf)
	for _, want := range []string{"worker not connected", "job progress", "broadcasts running"} {
		if !contains(first, want) {
			t.Fatalf("first tick missing %q: %v", want, first)
		}
	}

	src.set(broadcast.DashboardState{
		ClientLoad: []broadcast.ClientLoad{
			{ClientID: "A", Connected: false},
			{ClientID: "B", Connected: true},
		},
	})
	m.tick()
	second := messages(t, &buf)
	for _, want := range []string{"worker lost connection", "worker reconnected", "broadcasts idle"} {
		if !contains(second, want) {
			t.Fatalf("second tick missing %q: %v", want, second)
		}
	}

	m.tick()
	if third := messages(t, &buf); len(third) != 0 {
		t.Fatalf("steady state should be quiet, got %v", third)
	}
	if m.Ticks() != 3 {
		t.Fatalf("ticks = %d", m.Ticks())
	}
}

func TestWatchdogPing(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		watchdog bool
		want     int
	}{
		{"enabled", true, 1},
		{"disabled", false, 0},
	}
	for _, tc := range cases {
		var states []string
		notify := func(_ bool, state string) (bool, error) {
			states = append(states, state)
			return true, nil
		}
		m := New(Config{Watchdog: tc.watchdog}, &fakeSource{}, logx.Nop(), WithNotifier(notify))
		m.tick()
		if len(states) != tc.want || int(m.pings.Load()) != tc.want {
			t.Fatalf("%s: states = %v pings = %d", tc.name, states, m.pings.Load())
		}
		if tc.want > 0 && states[0] != daemon.SdNotifyWatchdog {
			t.Fatalf("%s: state = %q", tc.name, states[0])
		}
	}
}

func TestStartSchedulesTicks(t *testing.T) {
	t.Parallel()

	m := New(Config{Enabled: true, Interval: time.Second}, &fakeSource{}, logx.Nop())
	m.Start(context.Background())
	defer m.Stop(context.Background())

	deadline := time.Now().Add(4 * time.Second)
	for m.Ticks() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("monitor never ticked")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestApplyTogglesScheduler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := New(Config{}, &fakeSource{}, logx.Nop())
	m.Start(ctx)
	if m.c != nil {
		t.Fatal("disabled monitor must not schedule")
	}

	m.Apply(ctx, Config{Enabled: true, Interval: time.Minute})
	m.mu.Lock()
	running, entry := m.c != nil, m.entry
	m.mu.Unlock()
	if !running || entry == 0 {
		t.Fatal("Apply(enabled) should start the scheduler")
	}

	m.Apply(ctx, Config{Enabled: true, Interval: 2 * time.Minute})
	m.mu.Lock()
	moved := m.entry != entry
	m.mu.Unlock()
	if !moved {
		t.Fatal("interval change should reschedule")
	}

	m.Apply(ctx, Config{Enabled: false})
	m.mu.Lock()
	stopped := m.c == nil
	m.mu.Unlock()
	if !stopped {
		t.Fatal("Apply(disabled) should stop the scheduler")
	}
}
