package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"guildcast/internal/transport"
)

// failure slots: one per transport.Reason plus cancellation.
const (
	slotCancelled = int(transport.ReasonUnavailable) + 1
	numSlots      = slotCancelled + 1
)

// Job is one broadcast. Counters are atomics shared by the job's pipelines;
// remaining is derived, so success+failure+remaining always equals target.
type Job struct {
	id        string
	initiator string
	guildID   string
	message   string
	preview   string

	target  atomic.Int64
	success atomic.Int64
	failure atomic.Int64
	retries atomic.Int64
	reasons [numSlots]atomic.Int64

	cancelRequested atomic.Bool
	folded          atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      Status
	startedAt   time.Time
	completedAt time.Time
	errMsg      string
}

func newJob(parent context.Context, id string, req StartRequest, previewLen int, now time.Time) *Job {
	ctx, cancel := context.WithCancel(parent)
	return &Job{
		id:        id,
		initiator: req.Initiator,
		guildID:   req.GuildID,
		message:   req.Message,
		preview:   Preview(req.Message, previewLen),
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusQueued,
		startedAt: now,
	}
}

func (j *Job) ID() string { return j.id }

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// setTarget fixes the audience size. Called once while queued.
func (j *Job) setTarget(n int) { j.target.Store(int64(n)) }

func (j *Job) markRunning() {
	j.mu.Lock()
	if j.status == StatusQueued {
		j.status = StatusRunning
	}
	j.mu.Unlock()
}

func (j *Job) recordSuccess() { j.success.Add(1) }

func (j *Job) recordFailure(r transport.Reason, n int) {
	if n <= 0 {
		return
	}
	j.reasons[r].Add(int64(n))
	j.failure.Add(int64(n))
}

// foldCancelled counts never-attempted members of a cancelled job.
func (j *Job) foldCancelled(n int) {
	if n <= 0 {
		return
	}
	j.reasons[slotCancelled].Add(int64(n))
	j.failure.Add(int64(n))
}

// requestCancel flips the cancel flag once. False when the job is already
// terminal or already cancelled.
func (j *Job) requestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() || !j.cancelRequested.CompareAndSwap(false, true) {
		return false
	}
	j.cancel()
	return true
}

func (j *Job) cancelled() bool { return j.cancelRequested.Load() }

// finish performs the single terminal transition. A Completed outcome
// becomes Cancelled when cancellation was requested.
func (j *Job) finish(st Status, cause error, now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	if st == StatusCompleted && j.cancelRequested.Load() {
		st = StatusCancelled
	}
	if st == StatusFailed {
		// A job that could not start never had an audience.
		j.target.Store(0)
	}
	if cause != nil {
		j.errMsg = cause.Error()
	}
	j.status = st
	j.completedAt = now
	j.cancel()
	return true
}

// Summary copies the job. It never waits on pipelines.
func (j *Job) Summary(now time.Time) JobSummary {
	j.mu.Lock()
	st := j.status
	started := j.startedAt
	completed := j.completedAt
	errMsg := j.errMsg
	j.mu.Unlock()

	target := j.target.Load()
	success := j.success.Load()
	failure := j.failure.Load()

	runtime := now.Sub(started)
	if st.Terminal() {
		runtime = completed.Sub(started)
	}
	return JobSummary{
		ID:             j.id,
		Initiator:      j.initiator,
		GuildID:        j.guildID,
		Status:         st,
		TargetCount:    target,
		Success:        success,
		Failure:        failure,
		Remaining:      target - success - failure,
		Progress:       progress(st, target, success+failure),
		Retries:        j.retries.Load(),
		Runtime:        max(runtime, 0),
		StartedAt:      started,
		CompletedAt:    completed,
		MessagePreview: j.preview,
		Failures: Failures{
			Blocked:     j.reasons[transport.ReasonBlocked].Load(),
			RateLimited: j.reasons[transport.ReasonRateLimited].Load(),
			Transient:   j.reasons[transport.ReasonTransient].Load(),
			Unavailable: j.reasons[transport.ReasonUnavailable].Load(),
			Unknown:     j.reasons[transport.ReasonUnknown].Load(),
			Cancelled:   j.reasons[slotCancelled].Load(),
		},
		Error: errMsg,
	}
}

// progress is floor(100*processed/target). An empty audience reads 100 once
// completed and 0 otherwise.
func progress(st Status, target, processed int64) int {
	if target <= 0 {
		if st == StatusCompleted {
			return 100
		}
		return 0
	}
	return int(processed * 100 / target)
}
