package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"guildcast/internal/transport"
	logx "guildcast/pkg/logx"
)

func openDriver(t *testing.T, driver string) (Store, Config) {
	t.Helper()
	cfg := Config{Driver: driver}
	switch driver {
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "guildcast.db")
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "guildcast.sqlite")
	}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	return st, cfg
}

func TestStoreRoster(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"memory", "file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st, _ := openDriver(t, driver)
			defer st.Close()

			ctx := context.Background()
			ups := []struct {
				guild string
				m     transport.Member
			}{
				{"g1", transport.Member{ID: "u2"}},
				{"g1", transport.Member{ID: "u1"}},
				{"g1", transport.Member{ID: "bot", Bot: true}},
				{"g1", transport.Member{ID: "u2"}},
				{"g2", transport.Member{ID: "u9"}},
				{"", transport.Member{ID: "ignored"}},
				{"g1", transport.Member{ID: ""}},
			}
			for _, u := range ups {
				if err := st.UpsertMember(ctx, u.guild, u.m); err != nil {
					t.Fatalf("UpsertMember: %v", err)
				}
			}

			got, err := st.ListMembers(ctx, "g1")
			if err != nil {
				t.Fatalf("ListMembers: %v", err)
			}
			want := []transport.Member{{ID: "u2"}, {ID: "u1"}, {ID: "bot", Bot: true}}
			if len(got) != len(want) {
				t.Fatalf("roster = %+v, want %+v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("roster[%d] = %+v, want %+v", i, got[i], want[i])
				}
			}
			if other, _ := st.ListMembers(ctx, "g2"); len(other) != 1 {
				t.Fatalf("g2 roster = %+v", other)
			}
			if none, _ := st.ListMembers(ctx, "nope"); len(none) != 0 {
				t.Fatalf("unknown guild roster = %+v", none)
			}

			if err := st.AppendAudit(ctx, AuditEntry{At: time.Now(), JobID: "bc_1", GuildID: "g1", Status: "completed", Target: 3, Success: 3}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	st, cfg := openDriver(t, "file")
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := st.UpsertMember(ctx, "g", transport.Member{ID: id}); err != nil {
			t.Fatalf("UpsertMember: %v", err)
		}
	}
	fs := st.(*fileStore)
	fs.mu.Lock()
	if err := fs.compactLocked(); err != nil {
		fs.mu.Unlock()
		t.Fatalf("compact: %v", err)
	}
	fs.mu.Unlock()
	if err := st.UpsertMember(ctx, "g", transport.Member{ID: "d", Bot: true}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	if err := st.AppendAudit(ctx, AuditEntry{JobID: "bc_1", Status: "cancelled"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.UpsertMember(ctx, "g", transport.Member{ID: "e"}); err != ErrClosed {
		t.Fatalf("after Close: err = %v", err)
	}

	re, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	got, _ := re.ListMembers(ctx, "g")
	if len(got) != 4 || got[0].ID != "a" || got[3] != (transport.Member{ID: "d", Bot: true}) {
		t.Fatalf("roster after reopen = %+v", got)
	}

	f, err := os.Open(filepath.Join(filepath.Dir(cfg.Path), "guildcast.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("audit journal empty")
	}
	var e AuditEntry
	if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.JobID != "bc_1" || e.Status != "cancelled" {
		t.Fatalf("audit entry = %+v err=%v", e, err)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	st, cfg := openDriver(t, "sqlite")
	ctx := context.Background()
	if err := st.UpsertMember(ctx, "g", transport.Member{ID: "x"}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	if err := st.UpsertMember(ctx, "g", transport.Member{ID: "x", Bot: true}); err != nil {
		t.Fatalf("UpsertMember: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	re, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer re.Close()
	got, err := re.ListMembers(ctx, "g")
	if err != nil || len(got) != 1 || !got[0].Bot {
		t.Fatalf("roster = %+v err=%v", got, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path should fail")
	}
}
