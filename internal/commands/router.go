// Package commands turns operator chat traffic on the control worker into
// broadcast requests, and records group senders into the member directory.
package commands

import (
	"context"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"guildcast/internal/broadcast"
	rtsup "guildcast/internal/runtime/supervisor"
	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

// Dispatcher is the broadcast facade as seen by commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, req broadcast.StartRequest) (string, error)
	Cancel(jobID string) bool
	Job(id string) (broadcast.JobSummary, bool)
	Snapshot() broadcast.DashboardState
}

type Replier interface {
	Reply(ctx context.Context, chatID int64, text string) error
}

type Request struct {
	Msg     *transport.Message
	Command string
	// Args is the raw text after the command word.
	Args  string
	ReqID string
	Log   logx.Logger
}

type command struct {
	name    string
	usage   string
	desc    string
	timeout time.Duration
	handle  HandlerFunc
}

const (
	workerCount = 2
	queueCap    = 64
	maxOrigins  = 1024
)

type Router struct {
	reply Replier
	disp  Dispatcher
	rec   transport.Recorder
	log   logx.Logger

	mu     sync.RWMutex
	owners []int64

	cmds  map[string]command
	order []string

	origMu  sync.Mutex
	origins map[string]int64 // job id -> chat that started it

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

// New wires a router. rec may be nil when no directory is kept.
func New(reply Replier, disp Dispatcher, rec transport.Recorder, owners []int64, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		reply:   reply,
		disp:    disp,
		rec:     rec,
		log:     log.With(logx.String("comp", "commands")),
		owners:  slices.Clone(owners),
		origins: map[string]int64{},
	}
	r.register(
		command{name: "broadcast", usage: "/broadcast [guild_id] <text>", desc: "DM every member of a guild", timeout: 30 * time.Second, handle: r.handleBroadcast},
		command{name: "cancel", usage: "/cancel <job_id>", desc: "stop a running broadcast", timeout: 5 * time.Second, handle: r.handleCancel},
		command{name: "bstatus", usage: "/bstatus [job_id]", desc: "show broadcast status", timeout: 5 * time.Second, handle: r.handleStatus},
		command{name: "help", usage: "/help", desc: "list commands", timeout: 5 * time.Second, handle: r.handleHelp},
	)
	return r
}

func (r *Router) register(cmds ...command) {
	r.cmds = map[string]command{}
	for _, c := range cmds {
		r.cmds[c.name] = c
		r.order = append(r.order, c.name)
	}
}

// SetOwners replaces the operator allow-list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := slices.Clone(owners)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// Supervisor returns the worker pool supervisor (nil if not running).
func (r *Router) Supervisor() *rtsup.Supervisor {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.sup
}

// Run consumes updates until ctx ends or the channel closes. Handlers run
// on a small worker pool so a slow reply never stalls recording.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		rtsup.WithCancelOnError(false),
	)
	r.runMu.Lock()
	r.sup = sup
	r.runMu.Unlock()

	jobs := make(chan func(), queueCap)
	for i := range workerCount {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-jobs:
					r.runJob(idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	r.log.Info("command router started", logx.Int("workers", workerCount), logx.Int("job_queue_cap", queueCap))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.runMu.Lock()
		r.sup = nil
		r.runMu.Unlock()
		r.log.Info("command router stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			job := r.route(ctx, up)
			if job == nil {
				continue
			}
			select {
			case jobs <- job:
			default:
				_ = r.reply.Reply(ctx, up.Message.ChatID, "busy, try again")
			}
		}
	}
}

func (r *Router) runJob(worker int, job func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("panic in command job", logx.Int("worker", worker), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

// route records the sender and returns the command job, if any.
func (r *Router) route(ctx context.Context, up transport.Update) func() {
	msg := up.Message
	if msg == nil {
		return nil
	}
	r.record(ctx, msg)

	name, args, ok := parseCommand(msg.Text)
	if !ok || msg.FromIsBot {
		return nil
	}
	cmd, known := r.cmds[name]
	if !known {
		// Groups carry other bots' commands.
		if !msg.IsGroup {
			_ = r.reply.Reply(ctx, msg.ChatID, "unknown command, try /help")
		}
		return nil
	}
	if !r.isOwner(msg.FromID) {
		r.log.Warn("command refused", logx.String("cmd", name), logx.Int64("from_id", msg.FromID), logx.Int64("chat_id", msg.ChatID))
		_ = r.reply.Reply(ctx, msg.ChatID, "unauthorized")
		return nil
	}

	rid := newReqID()
	req := &Request{
		Msg:     msg,
		Command: name,
		Args:    args,
		ReqID:   rid,
		Log: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", name),
		),
	}
	final := Chain(cmd.handle,
		MWPanicRecover(),
		MWRequestLog(),
		MWTimeout(cmd.timeout),
	)
	return func() { _ = final(ctx, req) }
}

func (r *Router) record(ctx context.Context, msg *transport.Message) {
	if r.rec == nil || !msg.IsGroup || msg.FromID == 0 {
		return
	}
	guild := strconv.FormatInt(msg.ChatID, 10)
	m := transport.Member{ID: strconv.FormatInt(msg.FromID, 10), Bot: msg.FromIsBot}
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.rec.UpsertMember(rctx, guild, m); err != nil {
		r.log.Warn("member not recorded", logx.String("guild", guild), logx.String("member", m.ID), logx.Err(err))
	}
}

// watchOrigin remembers which chat to notify when jobID ends.
func (r *Router) watchOrigin(jobID string, chatID int64) {
	r.origMu.Lock()
	defer r.origMu.Unlock()
	if len(r.origins) >= maxOrigins {
		for id := range r.origins {
			delete(r.origins, id)
			break
		}
	}
	r.origins[jobID] = chatID
}

// takeOrigin claims the notification for jobID. Only one caller wins.
func (r *Router) takeOrigin(jobID string) (int64, bool) {
	r.origMu.Lock()
	defer r.origMu.Unlock()
	chat, ok := r.origins[jobID]
	if ok {
		delete(r.origins, jobID)
	}
	return chat, ok
}
