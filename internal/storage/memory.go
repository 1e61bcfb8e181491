package storage

import (
	"context"
	"sync"

	"guildcast/internal/transport"
)

const memoryAuditCap = 1000

type memoryStore struct {
	mu     sync.Mutex
	roster *roster
	audit  []AuditEntry
	closed bool
}

func newMemory() *memoryStore { return &memoryStore{roster: newRoster()} }

func (s *memoryStore) UpsertMember(_ context.Context, guildID string, m transport.Member) error {
	if !validMember(guildID, m) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.roster.put(guildID, m)
	return nil
}

func (s *memoryStore) ListMembers(_ context.Context, guildID string) ([]transport.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.roster.list(guildID), nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if len(s.audit) == memoryAuditCap {
		copy(s.audit, s.audit[1:])
		s.audit = s.audit[:memoryAuditCap-1]
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
