package broadcast

import (
	"sync/atomic"
	"time"
)

// StatsAggregator keeps lifetime totals. Every field is its own atomic so
// readers never contend with folds.
type StatsAggregator struct {
	broadcasts atomic.Int64
	targeted   atomic.Int64
	success    atomic.Int64
	failures   atomic.Int64
	completed  atomic.Int64
	cancelled  atomic.Int64
	failed     atomic.Int64
	last       atomic.Pointer[lastBroadcast]
}

type lastBroadcast struct {
	at      time.Time
	message string
}

type StatsSnapshot struct {
	TotalBroadcasts      int64     `json:"total_broadcasts"`
	TotalMembersTargeted int64     `json:"total_members_targeted"`
	TotalSuccess         int64     `json:"total_success"`
	TotalFailures        int64     `json:"total_failures"`
	Completed            int64     `json:"completed"`
	Cancelled            int64     `json:"cancelled"`
	Failed               int64     `json:"failed"`
	SuccessRate          float64   `json:"success_rate"`
	LastBroadcastAt      time.Time `json:"last_broadcast_at,omitzero"`
	LastBroadcastMessage string    `json:"last_broadcast_message,omitempty"`
}

// Fold adds a terminal job to the totals. A job folds at most once.
func (s *StatsAggregator) Fold(j *Job, now time.Time) {
	if !j.folded.CompareAndSwap(false, true) {
		return
	}
	sum := j.Summary(now)
	s.broadcasts.Add(1)
	s.targeted.Add(sum.TargetCount)
	s.success.Add(sum.Success)
	s.failures.Add(sum.Failure)
	switch sum.Status {
	case StatusCompleted:
		s.completed.Add(1)
	case StatusCancelled:
		s.cancelled.Add(1)
	case StatusFailed:
		s.failed.Add(1)
	}
	at := sum.CompletedAt
	if at.IsZero() {
		at = now
	}
	s.last.Store(&lastBroadcast{at: at, message: j.message})
}

func (s *StatsAggregator) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalBroadcasts:      s.broadcasts.Load(),
		TotalMembersTargeted: s.targeted.Load(),
		TotalSuccess:         s.success.Load(),
		TotalFailures:        s.failures.Load(),
		Completed:            s.completed.Load(),
		Cancelled:            s.cancelled.Load(),
		Failed:               s.failed.Load(),
	}
	snap.SuccessRate = SuccessRate(snap.TotalSuccess, snap.TotalFailures)
	if lb := s.last.Load(); lb != nil {
		snap.LastBroadcastAt = lb.at
		snap.LastBroadcastMessage = lb.message
	}
	return snap
}

// SuccessRate is 100*success/max(1, success+failure), in [0, 100].
func SuccessRate(success, failure int64) float64 {
	return 100 * float64(success) / float64(max(1, success+failure))
}
