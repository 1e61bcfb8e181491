package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"guildcast/internal/broadcast"
	"guildcast/internal/eventbus"
	logx "guildcast/pkg/logx"
)

func initiator(r *Request) string {
	if u := strings.TrimSpace(r.Msg.FromUsername); u != "" {
		return "@" + u
	}
	return strconv.FormatInt(r.Msg.FromID, 10)
}

func (r *Router) handleBroadcast(ctx context.Context, req *Request) error {
	guild, text := "", req.Args
	if first, rest := cutWord(req.Args); isChatID(first) && rest != "" {
		guild, text = first, rest
	}
	if guild == "" {
		if !req.Msg.IsGroup {
			return r.reply.Reply(ctx, req.Msg.ChatID, "usage: /broadcast <guild_id> <text> (guild is optional inside a group)")
		}
		guild = strconv.FormatInt(req.Msg.ChatID, 10)
	}
	if strings.TrimSpace(text) == "" {
		return r.reply.Reply(ctx, req.Msg.ChatID, "usage: /broadcast [guild_id] <text>")
	}

	id, err := r.disp.Dispatch(ctx, broadcast.StartRequest{
		Initiator: initiator(req),
		GuildID:   guild,
		Message:   text,
	})
	switch {
	case errors.Is(err, broadcast.ErrInvalidRequest):
		return r.reply.Reply(ctx, req.Msg.ChatID, "rejected: "+err.Error())
	case err != nil:
		_ = r.reply.Reply(ctx, req.Msg.ChatID, "broadcast unavailable, try again later")
		return err
	}
	req.Log.Info("broadcast requested", logx.String("job", id), logx.String("guild", guild))

	r.watchOrigin(id, req.Msg.ChatID)
	sum, ok := r.disp.Job(id)
	if ok && sum.Status.Terminal() {
		// Finished before we could watch it; the event may already be gone.
		if chat, mine := r.takeOrigin(id); mine {
			return r.reply.Reply(ctx, chat, formatFinished(sum))
		}
		return nil
	}
	return r.reply.Reply(ctx, req.Msg.ChatID,
		fmt.Sprintf("broadcast %s started: %d members in %s\ncancel with /cancel %s", id, sum.TargetCount, guild, id))
}

func (r *Router) handleCancel(ctx context.Context, req *Request) error {
	id, _ := cutWord(req.Args)
	if id == "" {
		return r.reply.Reply(ctx, req.Msg.ChatID, "usage: /cancel <job_id>")
	}
	cr := broadcast.CancelRequest{JobID: id, Requestor: initiator(req)}
	if !r.disp.Cancel(cr.JobID) {
		return r.reply.Reply(ctx, req.Msg.ChatID, fmt.Sprintf("job %s is not running", id))
	}
	req.Log.Info("cancel requested", logx.String("job", cr.JobID), logx.String("requestor", cr.Requestor))
	return r.reply.Reply(ctx, req.Msg.ChatID, fmt.Sprintf("cancelling %s", id))
}

func (r *Router) handleStatus(ctx context.Context, req *Request) error {
	if id, _ := cutWord(req.Args); id != "" {
		sum, ok := r.disp.Job(id)
		if !ok {
			return r.reply.Reply(ctx, req.Msg.ChatID, fmt.Sprintf("job %s not found", id))
		}
		return r.reply.Reply(ctx, req.Msg.ChatID, formatJob(sum))
	}
	return r.reply.Reply(ctx, req.Msg.ChatID, formatDashboard(r.disp.Snapshot()))
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, name := range r.order {
		c := r.cmds[name]
		fmt.Fprintf(&b, "%s  %s\n", c.usage, c.desc)
	}
	return r.reply.Reply(ctx, req.Msg.ChatID, strings.TrimRight(b.String(), "\n"))
}

// Notify replies to the originating chat whenever a job it started ends.
// It blocks until ctx ends.
func (r *Router) Notify(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(64, broadcast.EventCompleted, broadcast.EventCancelled, broadcast.EventFailed)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			sum, ok := e.Data.(broadcast.JobSummary)
			if !ok {
				continue
			}
			chat, mine := r.takeOrigin(sum.ID)
			if !mine {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := r.reply.Reply(rctx, chat, formatFinished(sum)); err != nil {
				r.log.Warn("completion notice failed", logx.String("job", sum.ID), logx.Int64("chat_id", chat), logx.Err(err))
			}
			cancel()
		}
	}
}

func formatFinished(s broadcast.JobSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "broadcast %s %s: %d/%d delivered, %d failed", s.ID, s.Status, s.Success, s.TargetCount, s.Failure)
	if s.Retries > 0 {
		fmt.Fprintf(&b, ", %d retries", s.Retries)
	}
	fmt.Fprintf(&b, " in %s", s.Runtime.Round(time.Second))
	if f := failureBreakdown(s.Failures); f != "" {
		b.WriteString("\n" + f)
	}
	if s.Error != "" {
		b.WriteString("\nerror: " + s.Error)
	}
	return b.String()
}

func formatJob(s broadcast.JobSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %d%%\n", s.ID, s.Status, s.Progress)
	fmt.Fprintf(&b, "guild %s by %s\n", s.GuildID, s.Initiator)
	fmt.Fprintf(&b, "sent %d, failed %d, remaining %d of %d\n", s.Success, s.Failure, s.Remaining, s.TargetCount)
	if f := failureBreakdown(s.Failures); f != "" {
		b.WriteString(f + "\n")
	}
	fmt.Fprintf(&b, "runtime %s\n", s.Runtime.Round(time.Second))
	fmt.Fprintf(&b, "message: %s", s.MessagePreview)
	if s.Error != "" {
		b.WriteString("\nerror: " + s.Error)
	}
	return b.String()
}

func failureBreakdown(f broadcast.Failures) string {
	parts := []struct {
		name string
		n    int64
	}{
		{"blocked", f.Blocked},
		{"rate_limited", f.RateLimited},
		{"transient", f.Transient},
		{"unavailable", f.Unavailable},
		{"cancelled", f.Cancelled},
		{"unknown", f.Unknown},
	}
	var out []string
	for _, p := range parts {
		if p.n > 0 {
			out = append(out, fmt.Sprintf("%s=%d", p.name, p.n))
		}
	}
	if len(out) == 0 {
		return ""
	}
	return "failures: " + strings.Join(out, " ")
}

func formatDashboard(d broadcast.DashboardState) string {
	var b strings.Builder
	st := d.Stats
	fmt.Fprintf(&b, "broadcasts: %d (completed %d, cancelled %d, failed %d)\n", st.TotalBroadcasts, st.Completed, st.Cancelled, st.Failed)
	fmt.Fprintf(&b, "delivered %d, failed %d, success rate %.1f%%\n", st.TotalSuccess, st.TotalFailures, st.SuccessRate)

	if len(d.ActiveJobs) == 0 {
		b.WriteString("no active jobs\n")
	} else {
		b.WriteString("active:\n")
		for _, j := range d.ActiveJobs {
			fmt.Fprintf(&b, "  %s %d%% (%d/%d) guild %s\n", j.ID, j.Progress, j.Success+j.Failure, j.TargetCount, j.GuildID)
		}
	}
	if len(d.RecentJobs) > 0 {
		b.WriteString("recent:\n")
		for _, j := range d.RecentJobs[:min(len(d.RecentJobs), 5)] {
			fmt.Fprintf(&b, "  %s %s %d/%d\n", j.ID, j.Status, j.Success, j.TargetCount)
		}
	}
	b.WriteString("workers:\n")
	for _, w := range d.ClientLoad {
		state := "up"
		if !w.Connected {
			state = "down"
		}
		fmt.Fprintf(&b, "  %s %s load=%d cap=%d/s\n", w.ClientID, state, w.CurrentLoad, w.Capacity)
	}
	return strings.TrimRight(b.String(), "\n")
}
