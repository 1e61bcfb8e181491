// Package dryrun is a Session that logs instead of delivering. It is meant
// for staging: the audience comes from the member directory and every send
// succeeds after an optional delay.
package dryrun

import (
	"context"
	"iter"
	"sync/atomic"
	"time"

	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

type Config struct {
	ID string
	// Latency simulates a provider round trip per send.
	Latency time.Duration
}

type Session struct {
	cfg       Config
	dir       transport.Directory
	log       logx.Logger
	connected atomic.Bool
	sent      atomic.Int64
}

var _ transport.Session = (*Session)(nil)

func New(cfg Config, dir transport.Directory, log logx.Logger) *Session {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{cfg: cfg, dir: dir, log: log}
	s.connected.Store(true)
	return s
}

func (s *Session) ClientID() string { return s.cfg.ID }
func (s *Session) Connected() bool  { return s.connected.Load() }

// SetConnected flips the simulated connection state.
func (s *Session) SetConnected(v bool) { s.connected.Store(v) }

// Sent counts successful sends.
func (s *Session) Sent() int64 { return s.sent.Load() }

func (s *Session) SendDirect(ctx context.Context, memberID, text string) error {
	if !s.Connected() {
		return transport.ErrDisconnected
	}
	if s.cfg.Latency > 0 {
		t := time.NewTimer(s.cfg.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return transport.Transient(ctx.Err())
		case <-t.C:
		}
	}
	s.sent.Add(1)
	s.log.Debug("dry-run send", logx.String("member", memberID), logx.Int("len", len(text)))
	return nil
}

func (s *Session) Members(ctx context.Context, guildID string) iter.Seq2[transport.Member, error] {
	if s.dir == nil {
		return transport.SliceMembers(nil, nil)
	}
	return transport.SliceMembers(s.dir.ListMembers(ctx, guildID))
}
