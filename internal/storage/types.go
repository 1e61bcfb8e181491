package storage

import (
	"context"
	"errors"
	"time"

	"guildcast/internal/transport"
)

var ErrClosed = errors.New("storage: closed")

// Config configures storage. An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the member directory plus an append-only audit trail.
type Store interface {
	UpsertMember(ctx context.Context, guildID string, m transport.Member) error
	// ListMembers returns a guild roster in first-seen order.
	ListMembers(ctx context.Context, guildID string) ([]transport.Member, error)
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records one finished broadcast.
type AuditEntry struct {
	At        time.Time `json:"at"`
	JobID     string    `json:"job_id"`
	Initiator string    `json:"initiator"`
	GuildID   string    `json:"guild_id"`
	Status    string    `json:"status"`
	Target    int64     `json:"target"`
	Success   int64     `json:"success"`
	Failure   int64     `json:"failure"`
	Retries   int64     `json:"retries"`
	TookMS    int64     `json:"took_ms"`
	Preview   string    `json:"preview,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// roster is the in-memory directory shared by the memory and file drivers.
type roster struct {
	guilds map[string]*guildRoster
}

type guildRoster struct {
	order []string
	byID  map[string]transport.Member
}

func newRoster() *roster { return &roster{guilds: map[string]*guildRoster{}} }

// put reports whether the roster changed.
func (r *roster) put(guildID string, m transport.Member) bool {
	g := r.guilds[guildID]
	if g == nil {
		g = &guildRoster{byID: map[string]transport.Member{}}
		r.guilds[guildID] = g
	}
	old, ok := g.byID[m.ID]
	if ok && old == m {
		return false
	}
	if !ok {
		g.order = append(g.order, m.ID)
	}
	g.byID[m.ID] = m
	return true
}

func (r *roster) list(guildID string) []transport.Member {
	g := r.guilds[guildID]
	if g == nil {
		return nil
	}
	out := make([]transport.Member, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.byID[id])
	}
	return out
}

func (r *roster) size() int {
	n := 0
	for _, g := range r.guilds {
		n += len(g.order)
	}
	return n
}
