// Package telegram implements transport.Session on top of telebot.
//
// Telegram does not let bots enumerate group members, so a guild roster is
// the member directory (senders seen in the group) plus the chat admins.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "guildcast/internal/runtime/supervisor"
	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

type Config struct {
	ID          string
	Token       string
	PollTimeout time.Duration
	// ProbeInterval is how often getMe runs to track connectivity.
	ProbeInterval time.Duration
	// URL overrides the Bot API endpoint (tests, local bot API servers).
	URL string
}

type Session struct {
	cfg Config
	log logx.Logger
	dir transport.Directory

	bot       *tele.Bot
	connected atomic.Bool
	out       atomic.Value // chan<- transport.Update

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var (
	_ transport.Session        = (*Session)(nil)
	_ transport.ControlSession = (*Session)(nil)
)

// New builds a session without touching the network; connectivity is
// established by Start.
func New(cfg Config, dir transport.Directory, log logx.Logger) (*Session, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram worker %q: token is empty", cfg.ID)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Session{cfg: cfg, log: log, dir: dir}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: cfg.PollTimeout},
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			s.log.Warn("telebot handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	s.bot = b
	var nilOut chan<- transport.Update
	s.out.Store(nilOut)
	s.registerHandlers()
	return s, nil
}

func (s *Session) ClientID() string { return s.cfg.ID }

func (s *Session) Connected() bool { return s.connected.Load() }

// Supervisor returns the session's goroutine supervisor (nil if not started).
func (s *Session) Supervisor() *rtsup.Supervisor {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.sup
}

func (s *Session) registerHandlers() {
	s.bot.Handle(tele.OnText, func(c tele.Context) error {
		if m := c.Message(); m != nil {
			s.sendUpdate(toUpdate(m, m.Sender))
		}
		return nil
	})
	s.bot.Handle(tele.OnUserJoined, func(c tele.Context) error {
		if m := c.Message(); m != nil && m.UserJoined != nil {
			up := toUpdate(m, m.UserJoined)
			up.Message.Text = ""
			s.sendUpdate(up)
		}
		return nil
	})
}

func toUpdate(m *tele.Message, from *tele.User) transport.Update {
	msg := &transport.Message{ID: m.ID, Text: m.Text}
	if m.Chat != nil {
		msg.ChatID = m.Chat.ID
		msg.ChatTitle = m.Chat.Title
		msg.IsGroup = m.Chat.Type == tele.ChatGroup || m.Chat.Type == tele.ChatSuperGroup
	}
	if from != nil {
		msg.FromID = from.ID
		msg.FromUsername = from.Username
		msg.FromIsBot = from.IsBot
	}
	return transport.Update{Message: msg}
}

func (s *Session) sendUpdate(up transport.Update) {
	out, _ := s.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		s.droppedUpdates.Add(1)
	}
}

// Start probes the API and keeps probing in the background. When out is
// non-nil the session also long-polls updates into it.
func (s *Session) Start(ctx context.Context, out chan<- transport.Update) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = true
	if out != nil {
		s.out.Store(out)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.runMu.Unlock()

	if err := s.probe(); err != nil {
		s.log.Warn("telegram not reachable yet; will keep probing", logx.Err(err))
	}

	sup.Go0("telegram.probe", func(c context.Context) {
		t := time.NewTicker(s.cfg.ProbeInterval)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if err := s.probe(); err != nil {
					s.log.Debug("probe failed", logx.Err(err))
				}
			}
		}
	})

	if out == nil {
		return nil
	}

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				s.reportDropped(cap(out))
				return
			case <-ticker.C:
				s.reportDropped(cap(out))
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		s.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		s.log.Info("polling started")
		s.bot.Start()
		s.log.Info("polling stopped")
		return c.Err()
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (s *Session) reportDropped(capacity int) {
	if n := s.droppedUpdates.Swap(0); n > 0 {
		s.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}

// probe runs getMe and records the outcome as the connection state.
func (s *Session) probe() error {
	raw, err := s.bot.Raw("getMe", nil)
	if err != nil {
		if s.connected.Swap(false) {
			s.log.Warn("worker disconnected", logx.Err(err))
		}
		return err
	}
	var resp struct {
		Result tele.User `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if !s.connected.Swap(true) {
		s.log.Info("worker connected", logx.String("username", resp.Result.Username))
	}
	return nil
}

func (s *Session) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	wasRunning := s.running
	s.running = false
	var nilOut chan<- transport.Update
	s.out.Store(nilOut)
	s.runMu.Unlock()

	s.connected.Store(false)
	if !wasRunning || sup == nil {
		return nil
	}
	// Cancelling the supervisor also stops the poller via telebot.stop_on_cancel.
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		s.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// SendDirect delivers text as a private message. telebot calls are not
// context-aware, so the call is abandoned (not aborted) when ctx ends.
func (s *Session) SendDirect(ctx context.Context, memberID, text string) error {
	if !s.Connected() {
		return transport.ErrDisconnected
	}
	id, err := strconv.ParseInt(memberID, 10, 64)
	if err != nil {
		return transport.Blocked(fmt.Errorf("member id %q: %w", memberID, err))
	}
	return s.sendChunks(ctx, &tele.User{ID: id}, text)
}

// Reply sends plain text to a chat.
func (s *Session) Reply(ctx context.Context, chatID int64, text string) error {
	return s.sendChunks(ctx, &tele.Chat{ID: chatID}, text)
}

func (s *Session) sendChunks(ctx context.Context, to tele.Recipient, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		done := make(chan error, 1)
		go func() {
			_, err := s.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true})
			done <- err
		}()
		select {
		case <-ctx.Done():
			return transport.Transient(ctx.Err())
		case err := <-done:
			if err != nil {
				return s.classify(err)
			}
		}
	}
	return nil
}

// Members yields the directory roster for the chat, then its admins.
func (s *Session) Members(ctx context.Context, guildID string) iter.Seq2[transport.Member, error] {
	return func(yield func(transport.Member, error) bool) {
		if !s.Connected() {
			yield(transport.Member{}, transport.ErrDisconnected)
			return
		}
		chatID, err := strconv.ParseInt(guildID, 10, 64)
		if err != nil {
			yield(transport.Member{}, fmt.Errorf("guild id %q is not a telegram chat id: %w", guildID, err))
			return
		}

		seen := map[string]struct{}{}
		if s.dir != nil {
			roster, err := s.dir.ListMembers(ctx, guildID)
			if err != nil {
				yield(transport.Member{}, fmt.Errorf("member directory: %w", err))
				return
			}
			for _, m := range roster {
				seen[m.ID] = struct{}{}
				if !yield(m, nil) {
					return
				}
			}
		}

		admins, err := s.bot.AdminsOf(&tele.Chat{ID: chatID})
		if err != nil {
			if len(seen) == 0 {
				yield(transport.Member{}, fmt.Errorf("list admins of %d: %w", chatID, err))
				return
			}
			s.log.Warn("admin lookup failed; using directory only", logx.String("guild", guildID), logx.Err(err))
			return
		}
		for _, a := range admins {
			if a.User == nil {
				continue
			}
			id := strconv.FormatInt(a.User.ID, 10)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if !yield(transport.Member{ID: id, Bot: a.User.IsBot}, nil) {
				return
			}
		}
	}
}

// statusRe matches the "(NNN)" suffix telebot puts on API errors it has no
// sentinel for.
var statusRe = regexp.MustCompile(`\((\d{3})\)$`)

// classify maps Bot API failures onto delivery reasons.
func (s *Session) classify(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound):
		return transport.Blocked(err)
	case errors.Is(err, tele.ErrUnauthorized):
		s.connected.Store(false)
		return fmt.Errorf("%w: %v", transport.ErrDisconnected, err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.Throttled(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	switch code := statusCode(err); {
	case code == http.StatusTooManyRequests:
		return transport.Throttled(err, 0)
	case code == http.StatusForbidden:
		return transport.Blocked(err)
	case code >= 500:
		return transport.Transient(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return transport.Transient(err)
	}
	// A proxy or gateway answered with a non-JSON page.
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return transport.Transient(err)
	}
	return err
}

// statusCode returns the HTTP-style code of a Bot API error, or 0.
func statusCode(err error) int {
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if m := statusRe.FindStringSubmatch(strings.TrimSpace(err.Error())); m != nil {
		code, _ := strconv.Atoi(m[1])
		return code
	}
	return 0
}
