package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"guildcast/internal/eventbus"
	rtsup "guildcast/internal/runtime/supervisor"
	logx "guildcast/pkg/logx"
)

// Event types published on the bus. Data is a JobSummary.
const (
	EventStarted   = "broadcast.started"
	EventCompleted = "broadcast.completed"
	EventCancelled = "broadcast.cancelled"
	EventFailed    = "broadcast.failed"
)

// Service is the dispatch facade: Dispatch, Cancel and Snapshot.
type Service struct {
	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	log     logx.Logger
	bus     eventbus.Bus
	metrics Metrics
	now     func() time.Time
	newID   func() string

	workers     []*WorkerHandle
	distributor MemberDistributor
	registry    *JobRegistry
	stats       *StatsAggregator
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// New builds the service over a fixed worker pool, in registration order.
func New(cfg Config, workers []*WorkerHandle, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		log:      log,
		metrics:  nopMetrics{},
		now:      time.Now,
		newID:    newJobID,
		workers:  append([]*WorkerHandle(nil), workers...),
		registry: NewJobRegistry(cfg.HistorySize),
		stats:    &StatsAggregator{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "bc_" + id.String()
}

// Apply swaps dispatch tunables. Running jobs keep the settings they
// started with; history is resized in place.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.registry.Resize(cfg.HistorySize)
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Workers returns the pool in registration order.
func (s *Service) Workers() []*WorkerHandle { return append([]*WorkerHandle(nil), s.workers...) }

// Worker finds a handle by client id.
func (s *Service) Worker(clientID string) (*WorkerHandle, bool) {
	for _, w := range s.workers {
		if w.ClientID() == clientID {
			return w, true
		}
	}
	return nil, false
}

// Supervisor returns the job supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start enables dispatching. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.log.Info("service started", logx.Int("workers", len(s.workers)), logx.Int("history", s.cfg.HistorySize))
}

// Stop cancels every active job and waits for pipelines to drain. In-flight
// sends finish unless ctx ends first.
func (s *Service) Stop(ctx context.Context) error {
	start := s.now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}

	for _, j := range s.registry.Actives() {
		if j.requestCancel() {
			s.log.Info("job cancelled by shutdown", logx.String("job", j.id))
		}
	}
	err := sup.Wait(ctx)
	sup.Cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("stop timed out; pipelines abandoned", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", s.now().Sub(start)))
	return err
}

// Dispatch validates req, resolves and partitions the audience and returns
// once the job is running. It never waits for delivery.
//
// Only invalid requests and a stopped service are reported as errors. A job
// that cannot start (no connected workers, enumeration failure) is returned
// by id and ends Failed.
func (s *Service) Dispatch(ctx context.Context, req StartRequest) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	if len(s.workers) == 0 {
		return "", invalid("no workers registered")
	}
	s.mu.Lock()
	sup := s.sup
	cfg := s.cfg
	s.mu.Unlock()
	if sup == nil {
		return "", ErrStopped
	}

	j := newJob(sup.Context(), s.newID(), req, cfg.PreviewLen, s.now())
	s.registry.Add(j)
	log := s.log.With(logx.String("job", j.id), logx.String("guild", j.guildID))

	parts, total, err := s.distributor.Distribute(ctx, req.GuildID, s.workers)
	if err != nil {
		log.Warn("job failed to start", logx.Err(err))
		s.finalize(j, StatusFailed, err)
		return j.id, nil
	}
	j.setTarget(total)
	for _, p := range parts {
		p.Worker.assign(len(p.Members))
	}
	j.markRunning()
	log.Info("job running",
		logx.String("initiator", j.initiator),
		logx.Int("target", total),
		logx.Int("partitions", countNonEmpty(parts)),
	)
	s.publish(EventStarted, j.Summary(s.now()))

	if total == 0 {
		s.finalize(j, StatusCompleted, nil)
		return j.id, nil
	}
	// Stop may have run since sup was read; pipelines only start on the
	// supervisor Stop has not yet waited for.
	sendCtx := sup.Context()
	s.mu.Lock()
	live := s.sup == sup
	if live {
		sup.Go0("broadcast.job", func(context.Context) { s.run(sendCtx, j, parts, cfg) })
	}
	s.mu.Unlock()
	if !live {
		j.requestCancel()
		for _, p := range parts {
			p.Worker.resolve(len(p.Members))
		}
		j.foldCancelled(total)
		log.Info("job cancelled by shutdown before delivery")
		s.finalize(j, StatusCancelled, nil)
	}
	return j.id, nil
}

// Cancel requests cooperative cancellation. False for unknown, finished or
// already-cancelled jobs.
func (s *Service) Cancel(jobID string) bool {
	j, ok := s.registry.Get(jobID)
	if !ok {
		return false
	}
	if !j.requestCancel() {
		return false
	}
	s.log.Info("job cancel requested", logx.String("job", jobID))
	return true
}

// Snapshot is safe to call at any time.
func (s *Service) Snapshot() DashboardState {
	now := s.now()
	var stats StatsSnapshot
	active, recent := s.registry.Snapshot(now, func() { stats = s.stats.Snapshot() })
	loads := make([]ClientLoad, 0, len(s.workers))
	for _, w := range s.workers {
		loads = append(loads, w.clientLoad())
	}
	return DashboardState{
		At:         now,
		Stats:      stats,
		ActiveJobs: active,
		RecentJobs: recent,
		ClientLoad: loads,
	}
}

// Job looks a job up in the active set or history.
func (s *Service) Job(id string) (JobSummary, bool) {
	return s.registry.Lookup(id, s.now())
}

// finalize runs the terminal bookkeeping exactly once: the job moves to
// history and its totals fold into stats as one step for snapshot readers.
func (s *Service) finalize(j *Job, st Status, cause error) {
	now := s.now()
	if !j.finish(st, cause, now) {
		return
	}
	s.registry.Complete(j, now, func() { s.stats.Fold(j, now) })

	sum := j.Summary(now)
	s.metrics.JobFinished(context.Background(), sum.Status.String(), sum.Runtime)
	switch sum.Status {
	case StatusCompleted:
		s.publish(EventCompleted, sum)
	case StatusCancelled:
		s.publish(EventCancelled, sum)
	case StatusFailed:
		s.publish(EventFailed, sum)
	}
	fields := []logx.Field{
		logx.String("job", sum.ID),
		logx.String("status", sum.Status.String()),
		logx.Int64("target", sum.TargetCount),
		logx.Int64("success", sum.Success),
		logx.Int64("failure", sum.Failure),
		logx.Int64("retries", sum.Retries),
		logx.Duration("runtime", sum.Runtime),
	}
	if sum.Failure > 0 || sum.Status != StatusCompleted {
		s.log.Warn("job finished with failures", fields...)
		return
	}
	s.log.Info("job finished", fields...)
}

func (s *Service) publish(typ string, sum JobSummary) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: sum})
}

func countNonEmpty(parts []Partition) int {
	n := 0
	for _, p := range parts {
		if len(p.Members) > 0 {
			n++
		}
	}
	return n
}
