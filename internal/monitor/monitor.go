// Package monitor periodically samples the broadcast dashboard, logs job
// progress and worker connectivity changes, and pings the systemd watchdog.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"guildcast/internal/broadcast"
	logx "guildcast/pkg/logx"
)

const DefaultInterval = 5 * time.Second

type Config struct {
	Enabled  bool
	Interval time.Duration
	// Watchdog pings systemd on every tick when WATCHDOG_USEC is set.
	Watchdog bool
}

type Source interface {
	Snapshot() broadcast.DashboardState
}

// Notifier matches daemon.SdNotify.
type Notifier func(unsetEnvironment bool, state string) (bool, error)

type Option func(*Monitor)

func WithNotifier(fn Notifier) Option { return func(m *Monitor) { m.notify = fn } }

type Monitor struct {
	src    Source
	log    logx.Logger
	notify Notifier

	mu    sync.Mutex
	cfg   Config
	c     *cron.Cron
	entry cron.EntryID

	tickMu     sync.Mutex
	lastActive int
	connected  map[string]bool

	ticks atomic.Uint64
	pings atomic.Uint64
}

func New(cfg Config, src Source, log logx.Logger, opts ...Option) *Monitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{
		src:       src,
		log:       log.With(logx.String("comp", "monitor")),
		notify:    daemon.SdNotify,
		cfg:       cfg,
		connected: map[string]bool{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func interval(cfg Config) time.Duration {
	if cfg.Interval <= 0 {
		return DefaultInterval
	}
	return cfg.Interval
}

// Start schedules the sampler. It is a no-op when disabled or running.
func (m *Monitor) Start(ctx context.Context) {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil || !m.cfg.Enabled {
		return
	}
	m.c = cron.New(cron.WithChain(
		cron.Recover(cronLogger{m.log}),
		cron.SkipIfStillRunning(cronLogger{m.log}),
	))
	if err := m.scheduleLocked(); err != nil {
		m.log.Error("monitor schedule rejected", logx.Err(err))
		m.c = nil
		return
	}
	m.c.Start()
	m.log.Info("monitor started", logx.Duration("interval", interval(m.cfg)), logx.Bool("watchdog", m.cfg.Watchdog))
	m.checkWatchdogLocked()
}

func (m *Monitor) scheduleLocked() error {
	if m.entry != 0 {
		m.c.Remove(m.entry)
		m.entry = 0
	}
	id, err := m.c.AddFunc(fmt.Sprintf("@every %s", interval(m.cfg)), m.tick)
	if err != nil {
		return err
	}
	m.entry = id
	return nil
}

// checkWatchdogLocked warns when systemd expects pings faster than we tick.
func (m *Monitor) checkWatchdogLocked() {
	if !m.cfg.Watchdog {
		return
	}
	every, err := daemon.SdWatchdogEnabled(false)
	switch {
	case err != nil:
		m.log.Warn("watchdog env invalid", logx.Err(err))
	case every == 0:
		m.log.Debug("watchdog not requested by service manager")
	case every/2 < interval(m.cfg):
		m.log.Warn("monitor interval exceeds half the watchdog timeout",
			logx.Duration("watchdog", every), logx.Duration("interval", interval(m.cfg)))
	}
}

func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.entry = 0
	m.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	m.log.Info("monitor stopped", logx.Uint64("ticks", m.ticks.Load()))
}

// Apply swaps the config, rescheduling or starting/stopping as needed.
func (m *Monitor) Apply(ctx context.Context, cfg Config) {
	m.mu.Lock()
	prev := m.cfg
	m.cfg = cfg
	running := m.c != nil
	if running && cfg.Enabled && interval(prev) != interval(cfg) {
		if err := m.scheduleLocked(); err != nil {
			m.log.Error("monitor reschedule failed", logx.Err(err))
		} else {
			m.log.Info("monitor rescheduled", logx.Duration("interval", interval(cfg)))
		}
	}
	if running && cfg.Enabled && cfg.Watchdog != prev.Watchdog {
		m.checkWatchdogLocked()
	}
	m.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		m.Stop(ctx)
	case !running && cfg.Enabled:
		m.Start(ctx)
	}
}

// Ticks counts completed samples.
func (m *Monitor) Ticks() uint64 { return m.ticks.Load() }

func (m *Monitor) tick() {
	m.tickMu.Lock()
	defer m.tickMu.Unlock()
	defer m.ticks.Add(1)

	snap := m.src.Snapshot()
	for _, cl := range snap.ClientLoad {
		was, seen := m.connected[cl.ClientID]
		m.connected[cl.ClientID] = cl.Connected
		switch {
		case !seen && !cl.Connected:
			m.log.Warn("worker not connected", logx.String("client", cl.ClientID))
		case seen && was && !cl.Connected:
			m.log.Warn("worker lost connection", logx.String("client", cl.ClientID))
		case seen && !was && cl.Connected:
			m.log.Info("worker reconnected", logx.String("client", cl.ClientID))
		}
	}

	var load int64
	for _, cl := range snap.ClientLoad {
		load += cl.CurrentLoad
	}
	for _, j := range snap.ActiveJobs {
		m.log.Debug("job progress",
			logx.String("job", j.ID),
			logx.String("guild", j.GuildID),
			logx.Int("progress", j.Progress),
			logx.Int64("success", j.Success),
			logx.Int64("failure", j.Failure),
			logx.Int64("remaining", j.Remaining),
		)
	}
	switch n := len(snap.ActiveJobs); {
	case n > 0:
		m.log.Info("broadcasts running",
			logx.Int("active", n),
			logx.Int64("outstanding", load),
			logx.Int64("total_success", snap.Stats.TotalSuccess),
		)
	case m.lastActive > 0:
		m.log.Info("broadcasts idle",
			logx.Int64("total_success", snap.Stats.TotalSuccess),
			logx.Int64("total_failures", snap.Stats.TotalFailures),
			logx.Float64("success_rate", snap.Stats.SuccessRate),
		)
	}
	m.lastActive = len(snap.ActiveJobs)

	m.mu.Lock()
	watchdog := m.cfg.Watchdog
	m.mu.Unlock()
	if watchdog {
		m.ping()
	}
}

func (m *Monitor) ping() {
	ok, err := m.notify(false, daemon.SdNotifyWatchdog)
	if err != nil {
		m.log.Warn("watchdog ping failed", logx.Err(err))
		return
	}
	if ok {
		m.pings.Add(1)
	}
}

// cronLogger routes cron's internal logging into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
