package app

import (
	"fmt"
	"strings"
	"time"

	"guildcast/internal/broadcast"
	"guildcast/internal/config"
	"guildcast/internal/monitor"
	"guildcast/internal/observability/ops"
	"guildcast/internal/storage"
	"guildcast/internal/transport"
	"guildcast/internal/transport/dryrun"
	"guildcast/internal/transport/telegram"
	logx "guildcast/pkg/logx"
)

const defaultStopTimeout = 10 * time.Second

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Alerts: logx.AlertConfig{
			Enabled:    l.Alerts.Enabled,
			ChatID:     l.Alerts.ChatID,
			MinLevel:   l.Alerts.MinLevel,
			RatePerSec: l.Alerts.RatePerSec,
		},
	}
}

func mapDispatch(cfg *config.Config) broadcast.Config {
	d := cfg.Dispatch
	return broadcast.Config{
		HistorySize:   d.HistorySize,
		RetryMax:      d.RetryMax,
		RetryBase:     config.DurationOr(d.RetryBase, 0),
		RetryMaxDelay: config.DurationOr(d.RetryMaxDelay, 0),
		SendTimeout:   config.DurationOr(d.SendTimeout, 0),
		PreviewLen:    d.PreviewLen,
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}
}

func mapMonitor(cfg *config.Config) monitor.Config {
	return monitor.Config{
		Enabled:  cfg.Monitor.Enabled,
		Interval: config.DurationOr(cfg.Monitor.Interval, monitor.DefaultInterval),
		Watchdog: cfg.Monitor.Watchdog,
	}
}

// mapOps keeps WriteTimeout above the 30s default CPU profile.
func mapOps(cfg *config.Config) ops.Config {
	o := cfg.Ops
	return ops.Config{
		Enabled:              o.Enabled,
		Addr:                 o.Addr,
		Token:                o.Token,
		AllowInsecure:        o.AllowInsecure,
		Pprof:                o.Pprof,
		ReadTimeout:          config.DurationOr(o.ReadTimeout, 10*time.Second),
		WriteTimeout:         config.DurationOr(o.WriteTimeout, 60*time.Second),
		IdleTimeout:          config.DurationOr(o.IdleTimeout, 60*time.Second),
		MutexProfileFraction: o.MutexProfileFraction,
		BlockProfileRate:     o.BlockProfileRate,
	}
}

// buildSessions creates one session per configured worker, in config order.
func buildSessions(cfg *config.Config, dir transport.Directory, log logx.Logger) ([]transport.Session, transport.ControlSession, error) {
	var (
		out     []transport.Session
		control transport.ControlSession
	)
	for _, w := range cfg.Workers {
		wlog := log.With(logx.String("client", w.ID))
		switch strings.ToLower(strings.TrimSpace(w.Driver)) {
		case "telegram":
			s, err := telegram.New(telegram.Config{
				ID:            w.ID,
				Token:         w.Token,
				PollTimeout:   config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
				ProbeInterval: config.DurationOr(cfg.Telegram.ProbeInterval, 30*time.Second),
				URL:           cfg.Telegram.APIURL,
			}, dir, wlog.With(logx.String("comp", "telegram")))
			if err != nil {
				return nil, nil, err
			}
			out = append(out, s)
			if w.Control {
				control = s
			}
		case "dryrun":
			out = append(out, dryrun.New(dryrun.Config{
				ID:      w.ID,
				Latency: config.DurationOr(w.Latency, 0),
			}, dir, wlog.With(logx.String("comp", "dryrun"))))
		default:
			return nil, nil, fmt.Errorf("worker %q: unknown driver %q", w.ID, w.Driver)
		}
	}
	return out, control, nil
}

func capacities(cfg *config.Config) map[string]int {
	m := make(map[string]int, len(cfg.Workers))
	for _, w := range cfg.Workers {
		m[w.ID] = w.CapacityPerSec
	}
	return m
}
