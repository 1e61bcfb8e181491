package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"guildcast/internal/broadcast"
	"guildcast/internal/commands"
	"guildcast/internal/config"
	"guildcast/internal/eventbus"
	"guildcast/internal/monitor"
	"guildcast/internal/observability/ops"
	"guildcast/internal/observability/telemetry"
	rtsup "guildcast/internal/runtime/supervisor"
	"guildcast/internal/storage"
	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

// runnable is a session with its own background loops (telegram).
type runnable interface {
	Start(ctx context.Context, out chan<- transport.Update) error
	Stop(ctx context.Context) error
}

type supervised interface {
	Supervisor() *rtsup.Supervisor
}

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	tel   *telemetry.Telemetry

	sessions []transport.Session
	control  transport.ControlSession

	svc  *broadcast.Service
	cmds *commands.Router
	mon  *monitor.Monitor
	ops  *ops.Service

	notify  monitor.Notifier
	updates chan transport.Update
	stopped atomic.Bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	store, err := storage.Open(mapStorage(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", storageDriver(cfg)))

	sessions, control, err := buildSessions(cfg, store, root)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	if control != nil {
		logSvc.SetAlertSender(control)
	}

	if err := ops.CheckBind(mapOps(cfg)); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	tel, err := telemetry.New()
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	bus := eventbus.New()
	caps := capacities(cfg)
	workers := make([]*broadcast.WorkerHandle, 0, len(sessions))
	for _, s := range sessions {
		workers = append(workers, broadcast.NewWorkerHandle(s, caps[s.ClientID()]))
	}
	svc := broadcast.New(mapDispatch(cfg), workers, root.With(logx.String("comp", "broadcast")),
		broadcast.WithBus(bus),
		broadcast.WithMetrics(tel),
	)
	tel.SetLoadSource(func() []broadcast.ClientLoad { return svc.Snapshot().ClientLoad })

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		tel:      tel,
		sessions: sessions,
		control:  control,
		svc:      svc,
		mon:      monitor.New(mapMonitor(cfg), svc, root),
		notify:   daemon.SdNotify,
		updates:  make(chan transport.Update, 256),
	}
	if control != nil {
		a.cmds = commands.New(control, svc, store, cfg.Telegram.OwnerUserIDs, root)
	}
	a.ops = ops.New(mapOps(cfg), ops.Sources{
		Dashboard:   svc.Snapshot,
		Metrics:     tel.Collect,
		Supervisors: a.supervisors,
		Health:      a.health,
	}, root)
	return a, nil
}

func storageDriver(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" {
		return d
	}
	return "memory"
}

// Broadcast exposes the dispatch facade.
func (a *App) Broadcast() *broadcast.Service { return a.svc }

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() error {
	for _, s := range a.sessions {
		if s.Connected() {
			return nil
		}
	}
	return broadcast.ErrNoConnectedWorkers
}

func (a *App) supervisors() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	add := func(name string, sup *rtsup.Supervisor) {
		if sup != nil {
			out[name] = sup.Snapshot()
		}
	}
	add("app", a.sup)
	add("broadcast", a.svc.Supervisor())
	add("ops", a.ops.Supervisor())
	if a.cmds != nil {
		add("commands", a.cmds.Supervisor())
	}
	for _, s := range a.sessions {
		if sp, ok := s.(supervised); ok {
			add("session."+s.ClientID(), sp.Supervisor())
		}
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateReload)
	a.tel.InstallGlobal()

	// Pipelines get their own lifetime so shutdown can drain them in order.
	a.svc.Start(context.WithoutCancel(a.sup.Context()))

	for _, s := range a.sessions {
		r, ok := s.(runnable)
		if !ok {
			continue
		}
		var out chan<- transport.Update
		if transport.Session(a.control) == s {
			out = a.updates
		}
		if err := r.Start(a.sup.Context(), out); err != nil {
			return fmt.Errorf("start worker %s: %w", s.ClientID(), err)
		}
	}

	if a.cmds != nil {
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.cmds.Run(c, a.updates)
		})
		a.sup.Go("commands.notify", func(c context.Context) error {
			return a.cmds.Notify(c, a.bus)
		})
	} else {
		a.log.Warn("no control worker configured; chat commands disabled")
	}

	a.sup.Go0("eventbus.log", a.logEvents)
	a.sup.Go0("audit.writer", a.writeAudit)

	a.mon.Start(a.sup.Context())
	a.ops.Reconfigure(a.sup.Context(), mapOps(a.cfgm.Get()))

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if ok, err := a.notify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started",
		logx.Int("workers", len(a.sessions)),
		logx.Bool("commands", a.cmds != nil),
		logx.String("config", a.cfgPath),
	)
	return nil
}

// Reload re-reads the config file now (SIGHUP).
func (a *App) Reload(ctx context.Context) {
	changed, err := a.cfgm.Reload(ctx)
	switch {
	case err != nil:
		a.log.Warn("config rejected", logx.Err(err))
	case !changed:
		a.log.Info("config unchanged")
	}
}

// validateReload runs after config.Validate and rejects settings the
// running components would refuse.
func validateReload(_ context.Context, cfg *config.Config) error {
	return ops.CheckBind(mapOps(cfg))
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a committed config into every live component.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
	a.log.Info("config reloaded", fields...)

	if ch.Has("logging") {
		a.logs.Apply(mapLogging(newCfg))
	}
	if ch.Has("dispatch") {
		a.svc.Apply(mapDispatch(newCfg))
	}
	if ch.Has("workers") {
		for id, capPerSec := range capacities(newCfg) {
			if w, ok := a.svc.Worker(id); ok && w.Capacity() != capPerSec {
				w.SetCapacity(capPerSec)
				a.log.Info("worker capacity updated", logx.String("client", id), logx.Int("capacity_per_sec", capPerSec))
			}
		}
	}
	if ch.Has("telegram") && a.cmds != nil {
		a.cmds.SetOwners(newCfg.Telegram.OwnerUserIDs)
	}
	if ch.Has("monitor") {
		a.mon.Apply(c, mapMonitor(newCfg))
	}
	if ch.Has("ops") {
		a.ops.Reconfigure(c, mapOps(newCfg))
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("restart required for some changes", logx.String("changes", strings.Join(ch.Restart, ",")))
	}
}

func (a *App) logEvents(c context.Context) {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// writeAudit persists one entry per finished job.
func (a *App) writeAudit(c context.Context) {
	events, unsub := a.bus.Subscribe(128, broadcast.EventCompleted, broadcast.EventCancelled, broadcast.EventFailed)
	defer unsub()
	for {
		select {
		case <-c.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			sum, ok := e.Data.(broadcast.JobSummary)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.WithoutCancel(c), 2*time.Second)
			err := a.store.AppendAudit(wctx, auditEntry(sum))
			cancel()
			if err != nil && !errors.Is(err, storage.ErrClosed) {
				a.log.Warn("audit write failed", logx.String("job", sum.ID), logx.Err(err))
			}
		}
	}
}

func auditEntry(s broadcast.JobSummary) storage.AuditEntry {
	at := s.CompletedAt
	if at.IsZero() {
		at = time.Now()
	}
	return storage.AuditEntry{
		At:        at,
		JobID:     s.ID,
		Initiator: s.Initiator,
		GuildID:   s.GuildID,
		Status:    s.Status.String(),
		Target:    s.TargetCount,
		Success:   s.Success,
		Failure:   s.Failure,
		Retries:   s.Retries,
		TookMS:    s.Runtime.Milliseconds(),
		Preview:   s.MessagePreview,
		Error:     s.Error,
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if a.sup == nil {
		_ = a.tel.Shutdown(ctx)
		err := a.store.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.notify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Background loops start unwinding right away; broadcast pipelines do
	// not, they are drained by their own step.
	a.sup.Cancel()

	cfg := a.cfgm.Get()
	drain := config.DurationOr(cfg.Dispatch.StopTimeout, defaultStopTimeout)

	a.step(ctx, "broadcast", drain, a.svc.Stop)
	a.step(ctx, "monitor", time.Second, func(c context.Context) error { a.mon.Stop(c); return nil })
	a.step(ctx, "ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	for _, s := range a.sessions {
		if r, ok := s.(runnable); ok {
			a.step(ctx, "session."+s.ClientID(), 2*time.Second, r.Stop)
		}
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "telemetry", time.Second, a.tel.Shutdown)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn bounded by max and the caller's deadline, whichever is
// sooner. A step that overruns is logged and left behind.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
