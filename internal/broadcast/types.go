package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a broadcast job.
type Status int32

const (
	StatusQueued Status = iota
	StatusRunning
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	for st := StatusQueued; st <= StatusFailed; st++ {
		if string(b) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown job status %q", b)
}

// Config holds the dispatch tunables. Zero values take defaults.
type Config struct {
	// HistorySize bounds the recent-jobs ring. Negative disables history.
	HistorySize int
	// RetryMax is the number of retries after the first attempt for
	// retryable failures. Negative disables retries.
	RetryMax int
	// RetryBase is the first backoff delay; each retry doubles it.
	RetryBase time.Duration
	// RetryMaxDelay caps backoff, including provider retry hints.
	RetryMaxDelay time.Duration
	// SendTimeout bounds one send call. Timeouts count as transient.
	SendTimeout time.Duration
	// PreviewLen is the number of characters kept in message previews.
	PreviewLen int
}

const (
	DefaultHistorySize   = 20
	DefaultRetryMax      = 2
	DefaultRetryBase     = 250 * time.Millisecond
	DefaultRetryMaxDelay = 5 * time.Second
	DefaultSendTimeout   = 5 * time.Second
	DefaultPreviewLen    = 120
)

func (c Config) withDefaults() Config {
	switch {
	case c.HistorySize == 0:
		c.HistorySize = DefaultHistorySize
	case c.HistorySize < 0:
		c.HistorySize = 0
	}
	switch {
	case c.RetryMax == 0:
		c.RetryMax = DefaultRetryMax
	case c.RetryMax < 0:
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PreviewLen <= 0 {
		c.PreviewLen = DefaultPreviewLen
	}
	return c
}

// StartRequest is an authorized request to DM every member of a guild.
type StartRequest struct {
	Initiator string
	GuildID   string
	Message   string
}

// CancelRequest is an authorized request to stop a running job.
type CancelRequest struct {
	JobID     string
	Requestor string
}

// Failures breaks the failure counter down by cause.
type Failures struct {
	Blocked     int64 `json:"blocked"`
	RateLimited int64 `json:"rate_limited"`
	Transient   int64 `json:"transient"`
	Unavailable int64 `json:"unavailable"`
	Unknown     int64 `json:"unknown"`
	Cancelled   int64 `json:"cancelled"`
}

// JobSummary is a point-in-time copy of a job.
type JobSummary struct {
	ID             string        `json:"id"`
	Initiator      string        `json:"initiator"`
	GuildID        string        `json:"guild_id"`
	Status         Status        `json:"status"`
	TargetCount    int64         `json:"target_count"`
	Success        int64         `json:"success"`
	Failure        int64         `json:"failure"`
	Remaining      int64         `json:"remaining"`
	Progress       int           `json:"progress"`
	Retries        int64         `json:"retries"`
	Runtime        time.Duration `json:"runtime"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at,omitzero"`
	MessagePreview string        `json:"message_preview"`
	Failures       Failures      `json:"failures"`
	Error          string        `json:"error,omitempty"`
}

// ClientLoad reports one worker's outstanding assignments.
type ClientLoad struct {
	ClientID    string `json:"client_id"`
	CurrentLoad int64  `json:"current_load"`
	Capacity    int    `json:"capacity_per_sec"`
	Connected   bool   `json:"connected"`
}

// DashboardState is the read-only projection served to status surfaces.
type DashboardState struct {
	At         time.Time     `json:"at"`
	Stats      StatsSnapshot `json:"stats"`
	ActiveJobs []JobSummary  `json:"active_jobs"`
	RecentJobs []JobSummary  `json:"recent_jobs"`
	ClientLoad []ClientLoad  `json:"client_load"`
}

// Preview returns the first n characters of msg.
func Preview(msg string, n int) string {
	if n <= 0 {
		n = DefaultPreviewLen
	}
	i := 0
	for pos := range msg {
		if i == n {
			return msg[:pos]
		}
		i++
	}
	return msg
}

func validate(req StartRequest) error {
	if strings.TrimSpace(req.GuildID) == "" {
		return invalid("guild id is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return invalid("message is empty")
	}
	return nil
}
