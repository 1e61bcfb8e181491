package commands

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"guildcast/internal/broadcast"
	"guildcast/internal/eventbus"
	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

type sent struct {
	chat int64
	text string
}

type fakeReplier struct {
	mu  sync.Mutex
	out []sent
}

func (f *fakeReplier) Reply(_ context.Context, chatID int64, text string) error {
	f.mu.Lock()
	f.out = append(f.out, sent{chatID, text})
	f.mu.Unlock()
	return nil
}

func (f *fakeReplier) all() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.out...)
}

func (f *fakeReplier) last(t *testing.T) sent {
	t.Helper()
	all := f.all()
	if len(all) == 0 {
		t.Fatal("no reply sent")
	}
	return all[len(all)-1]
}

type fakeDispatcher struct {
	mu        sync.Mutex
	reqs      []broadcast.StartRequest
	err       error
	jobs      map[string]broadcast.JobSummary
	cancelled []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req broadcast.StartRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.reqs = append(d.reqs, req)
	return "bc_test", nil
}

func (d *fakeDispatcher) Cancel(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, id)
	sum, ok := d.jobs[id]
	return ok && !sum.Status.Terminal()
}

func (d *fakeDispatcher) Job(id string) (broadcast.JobSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sum, ok := d.jobs[id]
	return sum, ok
}

func (d *fakeDispatcher) Snapshot() broadcast.DashboardState {
	return broadcast.DashboardState{
		ActiveJobs: []broadcast.JobSummary{{ID: "bc_live", GuildID: "-100", Progress: 50, TargetCount: 10, Success: 5}},
		ClientLoad: []broadcast.ClientLoad{{ClientID: "A", Connected: true, Capacity: 30}},
	}
}

type fakeRecorder struct {
	mu   sync.Mutex
	seen map[string][]transport.Member
}

func (f *fakeRecorder) UpsertMember(_ context.Context, guild string, m transport.Member) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string][]transport.Member{}
	}
	f.seen[guild] = append(f.seen[guild], m)
	return nil
}

const owner = 7

func newRouter(disp *fakeDispatcher, rec transport.Recorder) (*Router, *fakeReplier) {
	rep := &fakeReplier{}
	return New(rep, disp, rec, []int64{owner}, logx.Nop()), rep
}

func msg(chat, from int64, group bool, text string) transport.Update {
	return transport.Update{Message: &transport.Message{ChatID: chat, FromID: from, FromUsername: "op", IsGroup: group, Text: text}}
}

// exec routes the update and runs its handler inline.
func exec(r *Router, up transport.Update) bool {
	job := r.route(context.Background(), up)
	if job == nil {
		return false
	}
	job()
	return true
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, name, rest string
		ok             bool
	}{
		{"/broadcast hello", "broadcast", "hello", true},
		{"/Broadcast@guildcast_bot -100 hi\nthere", "broadcast", "-100 hi\nthere", true},
		{"  /bstatus  ", "bstatus", "", true},
		{"hello /broadcast", "", "", false},
		{"/", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		name, rest, ok := parseCommand(tc.in)
		if name != tc.name || rest != tc.rest || ok != tc.ok {
			t.Fatalf("parseCommand(%q) = %q, %q, %v", tc.in, name, rest, ok)
		}
	}
}

func TestRecordsGroupSenders(t *testing.T) {
	t.Parallel()

	rec := &fakeRecorder{}
	r, rep := newRouter(&fakeDispatcher{}, rec)

	if exec(r, msg(-100, 55, true, "hello all")) {
		t.Fatal("plain text should not produce a job")
	}
	up := msg(-100, 56, true, "beep")
	up.Message.FromIsBot = true
	exec(r, up)
	exec(r, msg(55, 55, false, "private hello"))

	got := rec.seen["-100"]
	if len(got) != 2 || got[0] != (transport.Member{ID: "55"}) || got[1] != (transport.Member{ID: "56", Bot: true}) {
		t.Fatalf("recorded = %+v", rec.seen)
	}
	if _, ok := rec.seen["55"]; ok {
		t.Fatal("private chats are not guilds")
	}
	if len(rep.all()) != 0 {
		t.Fatalf("unexpected replies %+v", rep.all())
	}
}

func TestOwnerOnly(t *testing.T) {
	t.Parallel()

	disp := &fakeDispatcher{}
	r, rep := newRouter(disp, nil)
	if exec(r, msg(-100, 99, true, "/broadcast hi")) {
		t.Fatal("non-owner must not get a job")
	}
	if got := rep.last(t); got.text != "unauthorized" || got.chat != -100 {
		t.Fatalf("reply = %+v", got)
	}
	if len(disp.reqs) != 0 {
		t.Fatal("dispatch must not run")
	}

	r.SetOwners([]int64{99})
	if !exec(r, msg(-100, 99, true, "/broadcast hi")) {
		t.Fatal("new owner should be accepted after SetOwners")
	}
}

func TestUnknownCommand(t *testing.T) {
	t.Parallel()

	r, rep := newRouter(&fakeDispatcher{}, nil)
	exec(r, msg(-100, owner, true, "/other_bot_cmd"))
	if len(rep.all()) != 0 {
		t.Fatal("unknown commands in groups stay silent")
	}
	exec(r, msg(owner, owner, false, "/nope"))
	if !strings.Contains(rep.last(t).text, "/help") {
		t.Fatalf("reply = %+v", rep.last(t))
	}
}

func TestBroadcastGuildSelection(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		up        transport.Update
		wantGuild string
		wantText  string
	}{
		{"group default", msg(-100, owner, true, "/broadcast hello\nworld"), "-100", "hello\nworld"},
		{"explicit guild", msg(owner, owner, false, "/broadcast -1001 hi there"), "-1001", "hi there"},
		{"number only is text", msg(-100, owner, true, "/broadcast 42"), "-100", "42"},
	}
	for _, tc := range cases {
		disp := &fakeDispatcher{jobs: map[string]broadcast.JobSummary{"bc_test": {ID: "bc_test", Status: broadcast.StatusRunning, TargetCount: 3}}}
		r, rep := newRouter(disp, nil)
		exec(r, tc.up)
		if len(disp.reqs) != 1 {
			t.Fatalf("%s: dispatched %d", tc.name, len(disp.reqs))
		}
		req := disp.reqs[0]
		if req.GuildID != tc.wantGuild || req.Message != tc.wantText || req.Initiator != "@op" {
			t.Fatalf("%s: request = %+v", tc.name, req)
		}
		if got := rep.last(t).text; !strings.Contains(got, "bc_test started: 3 members") {
			t.Fatalf("%s: reply = %q", tc.name, got)
		}
	}
}

func TestBroadcastUsage(t *testing.T) {
	t.Parallel()

	disp := &fakeDispatcher{}
	r, rep := newRouter(disp, nil)
	exec(r, msg(owner, owner, false, "/broadcast hello"))
	if !strings.HasPrefix(rep.last(t).text, "usage:") {
		t.Fatalf("reply = %q", rep.last(t).text)
	}
	exec(r, msg(-100, owner, true, "/broadcast"))
	if !strings.HasPrefix(rep.last(t).text, "usage:") {
		t.Fatalf("reply = %q", rep.last(t).text)
	}
	if len(disp.reqs) != 0 {
		t.Fatal("nothing should be dispatched")
	}
}

func TestBroadcastFinishedBeforeWatch(t *testing.T) {
	t.Parallel()

	done := broadcast.JobSummary{ID: "bc_test", Status: broadcast.StatusCompleted, Runtime: time.Second}
	disp := &fakeDispatcher{jobs: map[string]broadcast.JobSummary{"bc_test": done}}
	r, rep := newRouter(disp, nil)
	exec(r, msg(-100, owner, true, "/broadcast hi"))

	if got := rep.last(t).text; !strings.HasPrefix(got, "broadcast bc_test completed: 0/0 delivered") {
		t.Fatalf("reply = %q", got)
	}
	if _, ok := r.takeOrigin("bc_test"); ok {
		t.Fatal("origin should already be claimed")
	}
}

func TestCancelAndStatus(t *testing.T) {
	t.Parallel()

	disp := &fakeDispatcher{jobs: map[string]broadcast.JobSummary{
		"bc_1": {ID: "bc_1", Status: broadcast.StatusRunning, GuildID: "-100", Initiator: "@op", TargetCount: 4, Success: 1, Remaining: 3, Progress: 25},
		"bc_2": {ID: "bc_2", Status: broadcast.StatusCompleted},
	}}
	r, rep := newRouter(disp, nil)

	exec(r, msg(owner, owner, false, "/cancel bc_1"))
	if got := rep.last(t).text; got != "cancelling bc_1" {
		t.Fatalf("cancel reply = %q", got)
	}
	exec(r, msg(owner, owner, false, "/cancel bc_2"))
	if got := rep.last(t).text; got != "job bc_2 is not running" {
		t.Fatalf("cancel finished reply = %q", got)
	}
	exec(r, msg(owner, owner, false, "/cancel"))
	if !strings.HasPrefix(rep.last(t).text, "usage:") {
		t.Fatalf("cancel usage reply = %q", rep.last(t).text)
	}

	exec(r, msg(owner, owner, false, "/bstatus bc_1"))
	if got := rep.last(t).text; !strings.HasPrefix(got, "bc_1 [running] 25%") || !strings.Contains(got, "remaining 3 of 4") {
		t.Fatalf("job status = %q", got)
	}
	exec(r, msg(owner, owner, false, "/bstatus nope"))
	if got := rep.last(t).text; got != "job nope not found" {
		t.Fatalf("missing job = %q", got)
	}
	exec(r, msg(owner, owner, false, "/bstatus"))
	if got := rep.last(t).text; !strings.Contains(got, "bc_live 50%") || !strings.Contains(got, "A up load=0 cap=30/s") {
		t.Fatalf("dashboard = %q", got)
	}
}

func TestNotifyRepliesOnce(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	r, rep := newRouter(&fakeDispatcher{}, nil)
	r.watchOrigin("bc_1", -100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Notify(ctx, bus)
	}()

	sum := broadcast.JobSummary{ID: "bc_1", Status: broadcast.StatusCancelled, TargetCount: 10, Success: 2, Failure: 8,
		Failures: broadcast.Failures{Cancelled: 8}}
	deadline := time.Now().Add(3 * time.Second)
	for len(rep.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no completion notice")
		}
		// Notify subscribes asynchronously; keep publishing until it lands.
		bus.Publish(eventbus.Event{Type: broadcast.EventCancelled, Data: sum})
		bus.Publish(eventbus.Event{Type: broadcast.EventCompleted, Data: broadcast.JobSummary{ID: "bc_other"}})
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	all := rep.all()
	if len(all) != 1 {
		t.Fatalf("replies = %+v", all)
	}
	if all[0].chat != -100 || !strings.Contains(all[0].text, "bc_1 cancelled: 2/10 delivered, 8 failed") || !strings.Contains(all[0].text, "cancelled=8") {
		t.Fatalf("notice = %+v", all[0])
	}
}

func TestRunHandlesUpdates(t *testing.T) {
	t.Parallel()

	r, rep := newRouter(&fakeDispatcher{}, nil)
	updates := make(chan transport.Update, 4)
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), updates) }()

	updates <- msg(owner, owner, false, "/help")
	deadline := time.Now().Add(3 * time.Second)
	for len(rep.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no reply from worker pool")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := rep.last(t).text; !strings.Contains(got, "/broadcast [guild_id] <text>") || !strings.Contains(got, "/cancel <job_id>") {
		t.Fatalf("help = %q", got)
	}

	close(updates)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the channel closed")
	}
	if r.Supervisor() != nil {
		t.Fatal("supervisor should be cleared after Run")
	}
}
