package broadcast

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

// fakeSession is an in-memory worker connection.
type fakeSession struct {
	id        string
	connected atomic.Bool

	roster    []transport.Member
	rosterErr error

	// dropAfter disconnects the session once that many sends succeeded (0 = never).
	dropAfter int64
	sends     atomic.Int64

	// fail classifies one attempt; nil means delivered.
	fail   func(member string, attempt int) error
	onSend func(member string, n int64)
	// hang blocks every send until its context ends.
	hang bool
	// onMembers runs when the roster is enumerated.
	onMembers func()

	mu       sync.Mutex
	attempts map[string]int
	order    []string
}

func newFake(id string, members ...string) *fakeSession {
	f := &fakeSession{id: id, attempts: map[string]int{}}
	f.connected.Store(true)
	for _, m := range members {
		f.roster = append(f.roster, transport.Member{ID: m})
	}
	return f
}

func (f *fakeSession) ClientID() string { return f.id }
func (f *fakeSession) Connected() bool  { return f.connected.Load() }

func (f *fakeSession) SendDirect(ctx context.Context, member, _ string) error {
	if !f.Connected() {
		return transport.ErrDisconnected
	}
	f.mu.Lock()
	attempt := f.attempts[member]
	f.attempts[member]++
	f.order = append(f.order, member)
	f.mu.Unlock()

	if f.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.fail != nil {
		if err := f.fail(member, attempt); err != nil {
			return err
		}
	}
	n := f.sends.Add(1)
	if f.onSend != nil {
		f.onSend(member, n)
	}
	if f.dropAfter > 0 && n >= f.dropAfter {
		f.connected.Store(false)
	}
	return nil
}

func (f *fakeSession) Members(context.Context, string) iter.Seq2[transport.Member, error] {
	if f.onMembers != nil {
		f.onMembers()
	}
	return transport.SliceMembers(f.roster, f.rosterErr)
}

func (f *fakeSession) attemptsFor(member string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[member]
}

func (f *fakeSession) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func memberIDs(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%03d", prefix, i)
	}
	return out
}

func startService(t *testing.T, cfg Config, workers ...*WorkerHandle) *Service {
	t.Helper()
	s := New(cfg, workers, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// waitTerminal polls until the job has moved to history, which happens
// after its stats are folded.
func waitTerminal(t *testing.T, s *Service, id string, timeout time.Duration) JobSummary {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, active := s.registry.Get(id); !active {
			if sum, ok := s.Job(id); ok && sum.Status.Terminal() {
				return sum
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	sum, _ := s.Job(id)
	t.Fatalf("job %s not terminal after %s: %+v", id, timeout, sum)
	return JobSummary{}
}

func checkCounters(t *testing.T, sum JobSummary) {
	t.Helper()
	if sum.Success+sum.Failure+sum.Remaining != sum.TargetCount {
		t.Fatalf("counters do not add up: %+v", sum)
	}
	if sum.Success < 0 || sum.Failure < 0 || sum.Remaining < 0 {
		t.Fatalf("negative counter: %+v", sum)
	}
}
