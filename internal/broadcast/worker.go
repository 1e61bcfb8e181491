package broadcast

import (
	"context"
	"iter"
	"sync/atomic"

	"guildcast/internal/transport"
)

// WorkerHandle wraps one session with its rate limiter and load counter.
// Handles live for the whole process and may serve several jobs at once.
type WorkerHandle struct {
	session  transport.Session
	limiter  *RateLimiter
	capacity atomic.Int64
	load     atomic.Int64
}

func NewWorkerHandle(s transport.Session, capacityPerSecond int) *WorkerHandle {
	capacityPerSecond = max(capacityPerSecond, 1)
	w := &WorkerHandle{session: s, limiter: NewRateLimiter(capacityPerSecond)}
	w.capacity.Store(int64(capacityPerSecond))
	return w
}

func (w *WorkerHandle) ClientID() string { return w.session.ClientID() }

func (w *WorkerHandle) Connected() bool { return w.session.Connected() }

func (w *WorkerHandle) Capacity() int { return int(w.capacity.Load()) }

// SetCapacity retunes the worker. Partitions already handed out keep their
// members; the new rate applies from the next token.
func (w *WorkerHandle) SetCapacity(perSecond int) {
	perSecond = max(perSecond, 1)
	w.capacity.Store(int64(perSecond))
	w.limiter.SetCapacity(perSecond)
}

// CurrentLoad is the number of assigned but unresolved members across jobs.
func (w *WorkerHandle) CurrentLoad() int64 { return w.load.Load() }

func (w *WorkerHandle) assign(n int)  { w.load.Add(int64(n)) }
func (w *WorkerHandle) resolve(n int) { w.load.Add(-int64(n)) }

func (w *WorkerHandle) acquire(ctx context.Context) error { return w.limiter.Acquire(ctx) }

func (w *WorkerHandle) send(ctx context.Context, memberID, text string) error {
	return w.session.SendDirect(ctx, memberID, text)
}

// EnumerateMembers yields non-bot member ids of a guild.
func (w *WorkerHandle) EnumerateMembers(ctx context.Context, guildID string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for m, err := range w.session.Members(ctx, guildID) {
			if err != nil {
				yield("", err)
				return
			}
			if m.Bot || m.ID == "" {
				continue
			}
			if !yield(m.ID, nil) {
				return
			}
		}
	}
}

func (w *WorkerHandle) clientLoad() ClientLoad {
	return ClientLoad{
		ClientID:    w.ClientID(),
		CurrentLoad: w.CurrentLoad(),
		Capacity:    w.Capacity(),
		Connected:   w.Connected(),
	}
}
