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

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Integration tests are enabled when DUET_TEST_MONGO_URI is set.

func TestMongoStore_SingleActivePair(t *testing.T) {
	t.Parallel()

	store := mustNewMongoStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]struct{}{}
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "u-1", "u-2"
			if i%2 == 1 {
				a, b = b, a
			}
			c, _, err := store.CreateOrGetActive(ctx, a, b, time.Now())
			if err != nil {
				t.Errorf("CreateOrGetActive: %v", err)
				return
			}
			mu.Lock()
			seen[c.ID] = struct{}{}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(seen) != 1 {
		t.Fatalf("expected a single active conversation, got %d", len(seen))
	}

	var id string
	for k := range seen {
		id = k
	}
	if err := store.Tombstone(ctx, id, time.Now()); err != nil {
		t.Fatalf("Tombstone: %v", err)
	}
	got, err := store.FindByID(ctx, id)
	if err != nil || got.Active() {
		t.Fatalf("expected tombstoned conversation, got %+v err=%v", got, err)
	}
	next, isNew, err := store.CreateOrGetActive(ctx, "u-2", "u-1", time.Now())
	if err != nil || !isNew || next.ID == id {
		t.Fatalf("expected new conversation after tombstone: %+v new=%v err=%v", next, isNew, err)
	}
}

func TestMongoStore_ClockAndPaging(t *testing.T) {
	t.Parallel()

	store := mustNewMongoStore(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, _, err := store.CreateOrGetActive(ctx, "u-x", "u-y", time.Now())
	if err != nil {
		t.Fatalf("CreateOrGetActive: %v", err)
	}

	frozen := time.Now().UTC()
	var prev time.Time
	for i := 1; i <= 5; i++ {
		m, err := store.Append(ctx, Message{
			ConversationID: conv.ID,
			SenderID:       "u-x",
			Type:           MessageText,
			Content:        fmt.Sprintf("m%d", i),
			CreatedAt:      frozen,
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if !m.CreatedAt.After(prev) {
			t.Fatalf("createdAt not strictly increasing: %v then %v", prev, m.CreatedAt)
		}
		prev = m.CreatedAt
	}

	first, err := store.Page(ctx, conv.ID, nil, 2)
	if err != nil || len(first) != 2 || first[0].Content != "m5" {
		t.Fatalf("first page: %+v err=%v", first, err)
	}
	cursor := first[1].CreatedAt
	second, err := store.Page(ctx, conv.ID, &cursor, 10)
	if err != nil || len(second) != 3 || second[0].Content != "m3" || second[2].Content != "m1" {
		t.Fatalf("second page: %+v err=%v", second, err)
	}

	n, err := store.CountUnread(ctx, conv.ID, "u-y")
	if err != nil || n != 5 {
		t.Fatalf("CountUnread=%d err=%v want 5", n, err)
	}
	latest, err := store.LatestUnreadFrom(ctx, conv.ID, "u-y")
	if err != nil || latest.Content != "m5" {
		t.Fatalf("LatestUnreadFrom=%+v err=%v", latest, err)
	}
	if ok, err := store.MarkRead(ctx, latest.ID, time.Now()); err != nil || !ok {
		t.Fatalf("MarkRead ok=%v err=%v", ok, err)
	}
	if ok, err := store.MarkRead(ctx, latest.ID, time.Now()); err != nil || ok {
		t.Fatalf("MarkRead twice ok=%v err=%v", ok, err)
	}
	n, _ = store.CountUnread(ctx, conv.ID, "u-y")
	if n != 4 {
		t.Fatalf("CountUnread after read=%d want 4", n)
	}
}

func mustNewMongoStore(t *testing.T) *MongoStore {
	t.Helper()

	uri := strings.TrimSpace(os.Getenv("DUET_TEST_MONGO_URI"))
	if uri == "" {
		t.Skip("DUET_TEST_MONGO_URI not set; skipping Mongo integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect: %v", err)
	}

	suffix, err := ids.NewULID(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	db := client.Database("duet_it_" + strings.ToLower(suffix))

	t.Cleanup(func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		_ = db.Drop(cctx)
		_ = client.Disconnect(cctx)
	})

	store, err := NewMongoStore(ctx, db)
	if err != nil {
		t.Fatalf("NewMongoStore: %v", err)
	}
	return store
}
