package broadcast

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

type sendOutcome int

const (
	outcomeOK sendOutcome = iota
	outcomeFailed
	// outcomeAborted: the job was cancelled before the member was attempted.
	outcomeAborted
	// outcomeUnavailable: the worker dropped; the member was not delivered.
	outcomeUnavailable
	// outcomeCancelled: the job was cancelled while the member waited to retry.
	outcomeCancelled
)

// run drives a running job to its terminal state: one pipeline per
// non-empty partition, then the terminal transition.
func (s *Service) run(sendCtx context.Context, j *Job, parts []Partition, cfg Config) {
	var wg sync.WaitGroup
	for _, p := range parts {
		if len(p.Members) == 0 {
			continue
		}
		wg.Add(1)
		go func(p Partition) {
			defer wg.Done()
			s.pipeline(sendCtx, j, p, cfg)
		}(p)
	}
	wg.Wait()
	s.finalize(j, StatusCompleted, nil)
}

// pipeline delivers one partition sequentially. Whatever it does not
// resolve is folded into failure on the way out, panics included.
func (s *Service) pipeline(sendCtx context.Context, j *Job, p Partition, cfg Config) {
	w := p.Worker
	log := s.log.With(logx.String("job", j.id), logx.String("client", w.ClientID()))
	resolved := 0
	foldAs := transport.ReasonUnknown
	foldCancelled := false

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		rest := len(p.Members) - resolved
		if rest <= 0 {
			return
		}
		if foldCancelled {
			j.foldCancelled(rest)
		} else {
			j.recordFailure(foldAs, rest)
		}
		w.resolve(rest)
	}()

	for _, member := range p.Members {
		if j.cancelled() {
			foldCancelled = true
			log.Debug("pipeline stopped by cancel", logx.Int("unattempted", len(p.Members)-resolved))
			return
		}
		if !w.Connected() {
			foldAs = transport.ReasonUnavailable
			log.Warn("worker unavailable; folding partition", logx.Int("unresolved", len(p.Members)-resolved))
			return
		}

		out, reason, err := s.deliver(sendCtx, j, w, member, cfg)
		switch out {
		case outcomeOK:
			j.recordSuccess()
		case outcomeFailed:
			j.recordFailure(reason, 1)
			log.Debug("member delivery failed", logx.String("member", member), logx.String("reason", reason.String()), logx.Err(err))
		case outcomeCancelled:
			j.foldCancelled(1)
			log.Debug("member retry cancelled", logx.String("member", member), logx.String("reason", reason.String()), logx.Err(err))
		case outcomeAborted:
			foldCancelled = true
			return
		case outcomeUnavailable:
			foldAs = transport.ReasonUnavailable
			log.Warn("worker disconnected mid-job; folding partition", logx.Int("unresolved", len(p.Members)-resolved), logx.Err(err))
			return
		}
		resolved++
		w.resolve(1)
	}
}

// deliver sends to one member with bounded retries. Only throttling and
// transient failures are retried; each attempt takes a rate-limit token.
func (s *Service) deliver(sendCtx context.Context, j *Job, w *WorkerHandle, member string, cfg Config) (sendOutcome, transport.Reason, error) {
	for attempt := 0; ; attempt++ {
		if err := w.acquire(j.ctx); err != nil {
			if attempt == 0 {
				return outcomeAborted, transport.ReasonUnknown, err
			}
			s.metrics.SendResult(sendCtx, w.ClientID(), outcomeCancelledLabel)
			return outcomeCancelled, transport.ReasonUnknown, err
		}

		ctx, cancel := context.WithTimeout(sendCtx, cfg.SendTimeout)
		err := w.send(ctx, member, j.message)
		cancel()
		if err == nil {
			s.metrics.SendResult(sendCtx, w.ClientID(), outcomeDelivered)
			return outcomeOK, 0, nil
		}

		reason := transport.ReasonOf(err)
		if reason == transport.ReasonUnavailable {
			s.metrics.SendResult(sendCtx, w.ClientID(), reason.String())
			return outcomeUnavailable, reason, err
		}
		if !reason.Retryable() || attempt >= cfg.RetryMax {
			s.metrics.SendResult(sendCtx, w.ClientID(), reason.String())
			return outcomeFailed, reason, err
		}

		delay := retryDelay(cfg, attempt, transport.RetryAfterOf(err))
		j.retries.Add(1)
		s.metrics.SendRetry(sendCtx, w.ClientID(), reason.String())
		s.log.Debug("send retry scheduled",
			logx.String("job", j.id),
			logx.String("client", w.ClientID()),
			logx.String("member", member),
			logx.Int("attempt", attempt+2),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		t := time.NewTimer(delay)
		select {
		case <-j.ctx.Done():
			t.Stop()
			s.metrics.SendResult(sendCtx, w.ClientID(), outcomeCancelledLabel)
			return outcomeCancelled, reason, err
		case <-t.C:
		}
	}
}

// retryDelay doubles RetryBase per attempt (250ms, 500ms by default). A
// provider hint wins when longer. Both are capped by RetryMaxDelay.
func retryDelay(cfg Config, attempt int, hint time.Duration) time.Duration {
	d := cfg.RetryBase << attempt
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if hint > d {
		d = min(hint, cfg.RetryMaxDelay)
	}
	return d
}
