package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"guildcast/internal/broadcast"
	"guildcast/internal/observability/telemetry"
	rtsup "guildcast/internal/runtime/supervisor"
	logx "guildcast/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func waitForAddr(ctx context.Context, s *Service) (string, error) {
	for {
		if addr := s.Addr(); addr != "" {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func get(t *testing.T, url, token string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func startOps(t *testing.T, cfg Config, src Sources) (*Service, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s := New(cfg, src, logx.Nop())
	s.Reconfigure(ctx, cfg)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		s.Stop(sctx)
	})
	addr, err := waitForAddr(ctx, s)
	if err != nil {
		t.Fatalf("ops server never bound: %v", err)
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("ops server not reachable: %v", err)
	}
	return s, addr
}

func TestEndpoints(t *testing.T) {
	src := Sources{
		Dashboard: func() broadcast.DashboardState {
			return broadcast.DashboardState{
				ActiveJobs: []broadcast.JobSummary{{ID: "bc_1", GuildID: "g"}},
				ClientLoad: []broadcast.ClientLoad{{ClientID: "A", CurrentLoad: 3, Capacity: 30, Connected: true}},
			}
		},
		Metrics: func(context.Context) ([]telemetry.Point, error) {
			return []telemetry.Point{{Name: telemetry.MetricSends, Kind: "counter", Value: 4}}, nil
		},
		Supervisors: func() map[string]rtsup.Snapshot {
			return map[string]rtsup.Snapshot{"broadcast": {Counters: rtsup.Counters{Active: 2, Started: 5}}}
		},
	}
	_, addr := startOps(t, Config{Enabled: true, Addr: "127.0.0.1:0", MutexProfileFraction: 0, BlockProfileRate: 0}, src)
	base := "http://" + addr

	code, body := get(t, base+"/v1/dashboard", "")
	if code != http.StatusOK {
		t.Fatalf("dashboard status = %d", code)
	}
	var dash broadcast.DashboardState
	if err := json.Unmarshal(body, &dash); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if len(dash.ActiveJobs) != 1 || dash.ActiveJobs[0].ID != "bc_1" || dash.ClientLoad[0].CurrentLoad != 3 {
		t.Fatalf("dashboard = %+v", dash)
	}

	code, body = get(t, base+"/v1/metrics", "")
	var points []telemetry.Point
	if code != http.StatusOK || json.Unmarshal(body, &points) != nil || len(points) != 1 || points[0].Value != 4 {
		t.Fatalf("metrics: status=%d body=%s", code, body)
	}

	code, body = get(t, base+"/v1/supervisor", "")
	var sups map[string]rtsup.Snapshot
	if code != http.StatusOK || json.Unmarshal(body, &sups) != nil || sups["broadcast"].Counters.Started != 5 {
		t.Fatalf("supervisor: status=%d body=%s", code, body)
	}

	if code, _ := get(t, base+"/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof should be off, status = %d", code)
	}
}

func TestHealthReflectsSource(t *testing.T) {
	var unhealthy atomic.Bool
	_, addr := startOps(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{
		Health: func() error {
			if unhealthy.Load() {
				return errors.New("no connected workers")
			}
			return nil
		},
	})

	if code, body := get(t, "http://"+addr+"/healthz", ""); code != http.StatusOK || string(body) != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	unhealthy.Store(true)
	if code, _ := get(t, "http://"+addr+"/healthz", ""); code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy healthz = %d", code)
	}
	if code, _ := get(t, "http://"+addr+"/v1/dashboard", ""); code != http.StatusNotFound {
		t.Fatalf("dashboard without source = %d", code)
	}
}

func TestTokenRequired(t *testing.T) {
	_, addr := startOps(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, Sources{})
	base := "http://" + addr

	// waitForHTTP accepted the 401; now check each form.
	if code, _ := get(t, base+"/healthz", ""); code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", code)
	}
	if code, _ := get(t, base+"/healthz", "wrong"); code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", code)
	}
	if code, _ := get(t, base+"/healthz", "s3cret"); code != http.StatusOK {
		t.Fatalf("bearer token: status = %d", code)
	}
	if code, _ := get(t, base+"/healthz?token=s3cret", ""); code != http.StatusOK {
		t.Fatalf("query token: status = %d", code)
	}
}

func TestReconfigureEnableDisable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true, MutexProfileFraction: 3, BlockProfileRate: 0}
	s := New(cfg, Sources{}, logx.Nop())
	s.Reconfigure(ctx, cfg)
	defer runtime.SetMutexProfileFraction(0)

	addr, err := waitForAddr(ctx, s)
	if err != nil {
		t.Fatalf("not bound: %v", err)
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/"); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}
	if code, _ := get(t, "http://"+addr+"/debug/pprof/", ""); code != http.StatusOK {
		t.Fatalf("pprof index status = %d", code)
	}
	if got := runtime.SetMutexProfileFraction(-1); got != cfg.MutexProfileFraction {
		t.Fatalf("mutex profile fraction = %d, want %d", got, cfg.MutexProfileFraction)
	}
	if s.Supervisor() == nil {
		t.Fatal("supervisor should be set while serving")
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if addr := s.Addr(); addr != "" {
		t.Fatalf("expected server to stop, still at %s", addr)
	}
	if s.Supervisor() != nil {
		t.Fatal("supervisor should be cleared after stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := s.serveOnce(context.Background())
	if !errors.Is(err, ErrInsecureBind) || s.Addr() != "" {
		t.Fatalf("serveOnce err = %v addr = %q", err, s.Addr())
	}
}

func TestCheckBind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{Addr: "0.0.0.0:1"}, true},
		{"default addr", Config{Enabled: true}, true},
		{"public with token", Config{Enabled: true, Addr: "0.0.0.0:1", Token: "t"}, true},
		{"public insecure", Config{Enabled: true, Addr: ":1", AllowInsecure: true}, true},
		{"public bare", Config{Enabled: true, Addr: ":1"}, false},
	}
	for _, tt := range tests {
		err := CheckBind(tt.cfg)
		if (err == nil) != tt.ok {
			t.Fatalf("%s: CheckBind = %v", tt.name, err)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.4:80":    false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
