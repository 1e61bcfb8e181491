package config

import (
	"errors"
	"fmt"
	"strings"

	logx "guildcast/pkg/logx"
)

var knownDrivers = map[string]bool{"telegram": true, "dryrun": true}

// Validate checks a parsed config. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add("logging.level: unknown level %q", lvl)
	}
	if a := cfg.Logging.Alerts; a.Enabled {
		if a.ChatID == 0 {
			add("logging.alerts.chat_id is required when alerts are enabled")
		}
		if a.MinLevel != "" && !logx.ValidLevel(a.MinLevel) {
			add("logging.alerts.min_level: unknown level %q", a.MinLevel)
		}
	}

	if len(cfg.Workers) == 0 {
		add("workers: at least one worker is required")
	}
	seen := map[string]bool{}
	controls := 0
	for i, w := range cfg.Workers {
		path := fmt.Sprintf("workers[%d]", i)
		id := strings.TrimSpace(w.ID)
		switch {
		case id == "":
			add("%s.id is required", path)
		case seen[id]:
			add("%s.id %q is duplicated", path, id)
		}
		seen[id] = true
		if w.CapacityPerSec <= 0 {
			add("%s.capacity_per_sec must be > 0", path)
		}
		driver := strings.ToLower(strings.TrimSpace(w.Driver))
		if !knownDrivers[driver] {
			add("%s.driver: unknown driver %q", path, w.Driver)
		}
		if driver == "telegram" && strings.TrimSpace(w.Token) == "" {
			add("%s.token is required for telegram workers", path)
		}
		if w.Control {
			controls++
			if driver != "telegram" {
				add("%s: only telegram workers can be the control worker", path)
			}
		}
		if _, err := ParseDurationField(path+".latency", w.Latency); err != nil {
			errs = append(errs, err)
		}
	}
	if controls > 1 {
		add("workers: at most one control worker (got %d)", controls)
	}

	d := cfg.Dispatch
	if d.HistorySize < 0 {
		add("dispatch.history_size must be >= 0")
	}
	if d.RetryMax < 0 {
		add("dispatch.retry_max must be >= 0")
	}
	for path, raw := range map[string]string{
		"dispatch.retry_base":      d.RetryBase,
		"dispatch.retry_max_delay": d.RetryMaxDelay,
		"dispatch.send_timeout":    d.SendTimeout,
		"dispatch.stop_timeout":    d.StopTimeout,
		"telegram.poll_timeout":    cfg.Telegram.PollTimeout,
		"telegram.probe_interval":  cfg.Telegram.ProbeInterval,
		"storage.busy_timeout":     cfg.Storage.BusyTimeout,
		"monitor.interval":         cfg.Monitor.Interval,
		"ops.read_timeout":         cfg.Ops.ReadTimeout,
		"ops.write_timeout":        cfg.Ops.WriteTimeout,
		"ops.idle_timeout":         cfg.Ops.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); drv {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for driver %q", drv)
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	return errors.Join(errs...)
}
