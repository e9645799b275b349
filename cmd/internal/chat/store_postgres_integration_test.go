package chat

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"duet/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when DUET_TEST_DATABASE_URL is set.

func TestPostgresStore_CreateOrGetActive_Concurrent(t *testing.T) {
	t.Parallel()

	store, pool := mustNewPGStore(t)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		seen    = map[string]struct{}{}
		created int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u-alice", "u-bob"
			if i%2 == 0 {
				a, b = b, a
			}
			c, isNew, err := store.CreateOrGetActive(ctx, a, b, time.Now().UTC())
			if err != nil {
				t.Errorf("CreateOrGetActive: %v", err)
				return
			}
			mu.Lock()
			seen[c.ID] = struct{}{}
			if isNew {
				created++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(seen) != 1 || created != 1 {
		t.Fatalf("expected one conversation created once, got ids=%d created=%d", len(seen), created)
	}

	var id string
	for k := range seen {
		id = k
	}
	if err := store.Tombstone(ctx, id, time.Now().UTC()); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	next, isNew, err := store.CreateOrGetActive(ctx, "u-alice", "u-bob", time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateOrGetActive after tombstone: %v", err)
	}
	if !isNew || next.ID == id {
		t.Fatalf("expected a fresh conversation after tombstone")
	}
}

func TestPostgresStore_Append_Page_Read(t *testing.T) {
	t.Parallel()

	store, pool := mustNewPGStore(t)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, _, err := store.CreateOrGetActive(ctx, "u-a", "u-b", time.Now().UTC())
	if err != nil {
		t.Fatalf("CreateOrGetActive: %v", err)
	}

	// Same timestamp for every append: the store must still order strictly.
	frozen := time.Now().UTC()
	for i := 1; i <= 7; i++ {
		sender := "u-a"
		if i%2 == 0 {
			sender = "u-b"
		}
		if _, err := store.Append(ctx, Message{
			ConversationID: conv.ID,
			SenderID:       sender,
			Type:           MessageText,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      frozen,
		}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	var all []Message
	var before *time.Time
	for {
		page, err := store.Page(ctx, conv.ID, before, 3)
		if err != nil {
			t.Fatalf("Page: %v", err)
		}
		all = append(all, page...)
		if len(page) < 3 {
			break
		}
		cur := page[len(page)-1].CreatedAt
		before = &cur
	}
	if len(all) != 7 {
		t.Fatalf("expected 7 messages across pages, got %d", len(all))
	}
	for i := range all {
		want := fmt.Sprintf("m%d", 7-i)
		if all[i].Content != want {
			t.Fatalf("all[%d]=%q want %q", i, all[i].Content, want)
		}
	}

	n, err := store.CountUnread(ctx, conv.ID, "u-a")
	if err != nil || n != 3 {
		t.Fatalf("CountUnread(u-a)=%d err=%v want 3", n, err)
	}

	latest, err := store.LatestUnreadFrom(ctx, conv.ID, "u-a")
	if err != nil {
		t.Fatalf("LatestUnreadFrom: %v", err)
	}
	if latest.Content != "m6" {
		t.Fatalf("latest unread=%q want m6", latest.Content)
	}
	ok, err := store.MarkRead(ctx, latest.ID, time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("MarkRead: ok=%v err=%v", ok, err)
	}
	ok, err = store.MarkRead(ctx, latest.ID, time.Now().UTC())
	if err != nil || ok {
		t.Fatalf("second MarkRead must be a no-op: ok=%v err=%v", ok, err)
	}

	if err := store.UpdateLastMessage(ctx, conv.ID, LastMessage{Text: "m7", At: frozen, By: "u-a"}); err != nil {
		t.Fatalf("UpdateLastMessage: %v", err)
	}
	list, err := store.ListActiveForUser(ctx, "u-b")
	if err != nil || len(list) != 1 || list[0].LastMessage != "m7" {
		t.Fatalf("ListActiveForUser: %+v err=%v", list, err)
	}
}

func mustNewPGStore(t *testing.T) (*PostgresStore, *pgxpool.Pool) {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("DUET_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DUET_TEST_DATABASE_URL not set; skipping Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}

	suffix, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "duet_it_" + strings.ToLower(suffix)

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		pool.Close()
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		_, _ = pool.Exec(dctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	conversations := pgIdent(schema, "conversations")
	messages := pgIdent(schema, "messages")

	// Mirrors migrations/0001_chat.sql.
	ddl := fmt.Sprintf(`
CREATE TABLE %s (
  id              TEXT PRIMARY KEY,
  participant_a   TEXT NOT NULL,
  participant_b   TEXT NOT NULL,
  pair_key        TEXT NOT NULL,
  last_message    TEXT,
  last_message_at TIMESTAMPTZ,
  last_message_by TEXT,
  created_at      TIMESTAMPTZ NOT NULL,
  updated_at      TIMESTAMPTZ NOT NULL,
  deleted_at      TIMESTAMPTZ,
  CHECK (participant_a < participant_b)
);
CREATE UNIQUE INDEX ON %s (pair_key) WHERE deleted_at IS NULL;

CREATE TABLE %s (
  id              TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL REFERENCES %s (id),
  sender_id       TEXT NOT NULL,
  type            TEXT NOT NULL,
  content         TEXT NOT NULL,
  file_name       TEXT,
  read            BOOLEAN NOT NULL DEFAULT false,
  read_at         TIMESTAMPTZ,
  deleted_at      TIMESTAMPTZ,
  created_at      TIMESTAMPTZ NOT NULL,
  UNIQUE (conversation_id, created_at)
);
`, conversations, conversations, messages, conversations)

	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		t.Fatalf("apply schema: %v", err)
	}

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		pool.Close()
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return store, pool
}
