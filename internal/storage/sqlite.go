package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Warn("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log}
	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertMember(ctx context.Context, guildID string, m transport.Member) error {
	if !validMember(guildID, m) {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(guild_id, id, bot, seen_at) VALUES(?,?,?,?)
		 ON CONFLICT(guild_id, id) DO UPDATE SET bot = excluded.bot, seen_at = excluded.seen_at`,
		guildID, m.ID, boolInt(m.Bot), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListMembers(ctx context.Context, guildID string) ([]transport.Member, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, bot FROM members WHERE guild_id = ? ORDER BY seq`, guildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []transport.Member
	for rows.Next() {
		var (
			m   transport.Member
			bot int
		)
		if err := rows.Scan(&m.ID, &bot); err != nil {
			return nil, err
		}
		m.Bot = bot != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, job_id, initiator, guild_id, status, target, success, failure, retries, took_ms, preview, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.JobID, e.Initiator, e.GuildID, e.Status,
		e.Target, e.Success, e.Failure, e.Retries, e.TookMS, nullStr(e.Preview), nullStr(e.Error),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
