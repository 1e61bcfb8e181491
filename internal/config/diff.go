package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "guildcast/pkg/logx"
)

// Change describes a reload.
type Change struct {
	// Sections lists changed top-level sections, sorted.
	Sections []string
	// Fields are safe log attributes; tokens are never included.
	Fields []logx.Field
	// Restart lists changes that only take effect after a restart.
	Restart []string
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// SummarizeChange compares two configs section by section.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
		ch.Fields = append(ch.Fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		ch.Sections = append(ch.Sections, "telegram")
		ch.Fields = append(ch.Fields,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
		)
		if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout ||
			oldCfg.Telegram.ProbeInterval != newCfg.Telegram.ProbeInterval ||
			oldCfg.Telegram.APIURL != newCfg.Telegram.APIURL {
			ch.Restart = append(ch.Restart, "telegram.connection")
		}
	}

	if !reflect.DeepEqual(oldCfg.Workers, newCfg.Workers) {
		ch.Sections = append(ch.Sections, "workers")
		ch.Fields = append(ch.Fields, logx.Int("workers.count", len(newCfg.Workers)))
		if !sameWorkerSet(oldCfg.Workers, newCfg.Workers) {
			ch.Restart = append(ch.Restart, "workers.set")
		}
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		ch.Sections = append(ch.Sections, "dispatch")
		ch.Fields = append(ch.Fields,
			logx.Int("dispatch.history_size", newCfg.Dispatch.HistorySize),
			logx.Int("dispatch.retry_max", newCfg.Dispatch.RetryMax),
			logx.String("dispatch.retry_base", newCfg.Dispatch.RetryBase),
			logx.String("dispatch.send_timeout", newCfg.Dispatch.SendTimeout),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		ch.Sections = append(ch.Sections, "storage")
		ch.Fields = append(ch.Fields,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
		ch.Restart = append(ch.Restart, "storage")
	}

	if oldCfg.Monitor != newCfg.Monitor {
		ch.Sections = append(ch.Sections, "monitor")
		ch.Fields = append(ch.Fields,
			logx.Bool("monitor.enabled", newCfg.Monitor.Enabled),
			logx.String("monitor.interval", newCfg.Monitor.Interval),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		ch.Sections = append(ch.Sections, "ops")
		ch.Fields = append(ch.Fields,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(ch.Sections)
	return ch
}

// sameWorkerSet ignores capacity; everything else needs new sessions.
func sameWorkerSet(a, b []WorkerConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		x.CapacityPerSec, y.CapacityPerSec = 0, 0
		if x != y {
			return false
		}
	}
	return true
}
