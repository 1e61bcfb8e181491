package broadcast

import (
	"sort"
	"sync"
	"time"
)

// JobRegistry tracks active jobs and a bounded ring of finished summaries.
type JobRegistry struct {
	mu     sync.Mutex
	active map[string]*Job

	ring []JobSummary
	next int
	size int
}

func NewJobRegistry(historySize int) *JobRegistry {
	return &JobRegistry{
		active: map[string]*Job{},
		ring:   make([]JobSummary, max(historySize, 0)),
	}
}

func (r *JobRegistry) Add(j *Job) {
	r.mu.Lock()
	r.active[j.id] = j
	r.mu.Unlock()
}

// Get returns an active job.
func (r *JobRegistry) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.active[id]
	return j, ok
}

// Complete moves a terminal job from active to history in one step,
// evicting the oldest summary when the ring is full. fold, when set, runs
// under the same lock: a reader holding it sees the job either active and
// unfolded or in history and folded.
func (r *JobRegistry) Complete(j *Job, now time.Time, fold func()) {
	sum := j.Summary(now)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, j.id)
	r.pushLocked(sum)
	if fold != nil {
		fold()
	}
}

func (r *JobRegistry) pushLocked(sum JobSummary) {
	if len(r.ring) == 0 {
		return
	}
	r.ring[r.next] = sum
	r.next = (r.next + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
}

// recentLocked lists history most-recent-first.
func (r *JobRegistry) recentLocked() []JobSummary {
	out := make([]JobSummary, 0, r.size)
	for i := 0; i < r.size; i++ {
		idx := (r.next - 1 - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Snapshot copies active jobs (oldest first) and history (newest first).
// read, when set, runs under the lock alongside the copy.
func (r *JobRegistry) Snapshot(now time.Time, read func()) (active, recent []JobSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if read != nil {
		read()
	}
	active = make([]JobSummary, 0, len(r.active))
	for _, j := range r.active {
		active = append(active, j.Summary(now))
	}
	sort.Slice(active, func(i, k int) bool {
		if !active[i].StartedAt.Equal(active[k].StartedAt) {
			return active[i].StartedAt.Before(active[k].StartedAt)
		}
		return active[i].ID < active[k].ID
	})
	return active, r.recentLocked()
}

// Lookup finds a job in active or history.
func (r *JobRegistry) Lookup(id string, now time.Time) (JobSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.active[id]; ok {
		return j.Summary(now), true
	}
	for _, s := range r.recentLocked() {
		if s.ID == id {
			return s, true
		}
	}
	return JobSummary{}, false
}

// Actives lists the active jobs.
func (r *JobRegistry) Actives() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Job, 0, len(r.active))
	for _, j := range r.active {
		out = append(out, j)
	}
	return out
}

// Resize changes history capacity, keeping the newest entries.
func (r *JobRegistry) Resize(historySize int) {
	historySize = max(historySize, 0)
	r.mu.Lock()
	defer r.mu.Unlock()
	if historySize == len(r.ring) {
		return
	}
	recent := r.recentLocked()
	r.ring = make([]JobSummary, historySize)
	r.next, r.size = 0, 0
	for i := min(len(recent), historySize) - 1; i >= 0; i-- {
		r.pushLocked(recent[i])
	}
}
