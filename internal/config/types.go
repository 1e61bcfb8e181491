package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("250ms", "5s"); empty means the component default.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Workers  []WorkerConfig `json:"workers"`
	Dispatch DispatchConfig `json:"dispatch"`
	Storage  StorageConfig  `json:"storage"`
	Monitor  MonitorConfig  `json:"monitor"`
	Ops      OpsConfig      `json:"ops"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warnings and errors to a chat through the control
// worker.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	// OwnerUserIDs may issue broadcast commands.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	PollTimeout  string  `json:"poll_timeout"`
	// ProbeInterval controls how often each worker checks connectivity.
	ProbeInterval string `json:"probe_interval,omitempty"`
	// APIURL overrides the Bot API endpoint.
	APIURL string `json:"api_url,omitempty"`
}

// WorkerConfig is one outbound connection.
//
// Driver values:
//   - "telegram": a bot token
//   - "dryrun": logs sends, never delivers
type WorkerConfig struct {
	ID             string `json:"id"`
	Driver         string `json:"driver"`
	Token          string `json:"token,omitempty"`
	CapacityPerSec int    `json:"capacity_per_sec"`
	// Control marks the worker that receives operator commands. At most one.
	Control bool `json:"control,omitempty"`
	// Latency is the simulated send time for dryrun workers.
	Latency string `json:"latency,omitempty"`
}

type DispatchConfig struct {
	HistorySize   int    `json:"history_size,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	PreviewLen    int    `json:"preview_len,omitempty"`
	// StopTimeout bounds how long shutdown waits for pipelines.
	StopTimeout string `json:"stop_timeout,omitempty"`
}

// StorageConfig selects the member directory backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/guildcast.sqlite" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type MonitorConfig struct {
	Enabled bool `json:"enabled"`
	// Interval between snapshots (default "5s").
	Interval string `json:"interval,omitempty"`
	// Watchdog pings systemd on every tick when WATCHDOG_USEC is set.
	Watchdog bool `json:"watchdog,omitempty"`
}

// OpsConfig controls the ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // bearer token (never logged)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// ControlWorker returns the worker marked control, if any.
func (c *Config) ControlWorker() (WorkerConfig, bool) {
	for _, w := range c.Workers {
		if w.Control {
			return w, true
		}
	}
	return WorkerConfig{}, false
}

// IsOwner reports whether id may issue commands.
func (c *Config) IsOwner(id int64) bool {
	for _, o := range c.Telegram.OwnerUserIDs {
		if o == id {
			return true
		}
	}
	return false
}
