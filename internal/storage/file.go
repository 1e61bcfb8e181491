package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

// fileStore keeps the roster in memory and persists it as a journal.
//
// Files:
//   - <prefix>.audit.jsonl            (append-only JSON Lines)
//   - <prefix>.members.snapshot.json  (periodic snapshot)
//   - <prefix>.members.journal.jsonl  (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	snapshotPath string
	journalFile  *os.File
	roster       *roster

	writes       int
	compactEvery int
}

type memberRecord struct {
	Guild string `json:"guild"`
	ID    string `json:"id"`
	Bot   bool   `json:"bot,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".members.snapshot.json"
	journalPath := prefix + ".members.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	r := newRoster()
	if err := loadSnapshot(snapPath, r); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("member snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, r); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("member journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("members", r.size()))

	return &fileStore{
		log:          log,
		auditFile:    af,
		snapshotPath: snapPath,
		journalFile:  jf,
		roster:       r,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.journalFile != nil {
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	return errors.Join(err1, err2)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) UpsertMember(_ context.Context, guildID string, m transport.Member) error {
	if !validMember(guildID, m) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if !s.roster.put(guildID, m) {
		return nil
	}
	if err := json.NewEncoder(s.journalFile).Encode(memberRecord{Guild: guildID, ID: m.ID, Bot: m.Bot}); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("member journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListMembers(_ context.Context, guildID string) ([]transport.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	return s.roster.list(guildID), nil
}

func (s *fileStore) compactLocked() error {
	var recs []memberRecord
	for guild, g := range s.roster.guilds {
		for _, id := range g.order {
			recs = append(recs, memberRecord{Guild: guild, ID: id, Bot: g.byID[id].Bot})
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, r *roster) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []memberRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, rec := range recs {
		r.put(rec.Guild, transport.Member{ID: rec.ID, Bot: rec.Bot})
	}
	return nil
}

func replayJournal(path string, r *roster) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec memberRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Guild == "" || rec.ID == "" {
			continue
		}
		r.put(rec.Guild, transport.Member{ID: rec.ID, Bot: rec.Bot})
	}
	return sc.Err()
}
