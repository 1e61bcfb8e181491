package transport

import (
	"context"
	"iter"
)

// Member is one guild member as seen by a worker connection.
type Member struct {
	ID  string `json:"id"`
	Bot bool   `json:"bot,omitempty"`
}

// Session is one authenticated outbound connection ("worker").
//
// SendDirect returns nil on delivery, or an error classified by ReasonOf.
// Members yields the guild roster lazily; a yielded error aborts enumeration.
type Session interface {
	ClientID() string
	Connected() bool
	SendDirect(ctx context.Context, memberID, text string) error
	Members(ctx context.Context, guildID string) iter.Seq2[Member, error]
}

// Directory resolves a guild roster from local state.
type Directory interface {
	ListMembers(ctx context.Context, guildID string) ([]Member, error)
}

// Recorder remembers members observed in guild traffic.
type Recorder interface {
	UpsertMember(ctx context.Context, guildID string, m Member) error
}

type Message struct {
	ID           int
	ChatID       int64
	ChatTitle    string
	FromID       int64
	FromUsername string
	FromIsBot    bool
	Text         string
	IsGroup      bool
}

type Update struct {
	Message *Message
}

// ControlSession is a session that also receives operator traffic.
type ControlSession interface {
	Session
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	Reply(ctx context.Context, chatID int64, text string) error
}

// SliceMembers adapts a resolved roster to the lazy Members shape.
func SliceMembers(ms []Member, err error) iter.Seq2[Member, error] {
	return func(yield func(Member, error) bool) {
		if err != nil {
			yield(Member{}, err)
			return
		}
		for _, m := range ms {
			if !yield(m, nil) {
				return
			}
		}
	}
}
