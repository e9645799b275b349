package chatclient

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"duet/cmd/identity"
	"duet/cmd/internal/chat"
	"duet/cmd/internal/chatapi"
	"duet/cmd/internal/media"
	"duet/cmd/internal/realtime"
)

type stack struct {
	server *httptest.Server
	tokens *identity.JWTProvider
}

func newStack(t *testing.T) *stack {
	t.Helper()
	t.Setenv("DUET_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("DUET_WS_DEV_INSECURE", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := realtime.NewMetrics(nil)
	hub := realtime.NewHub(log, metrics)
	presence := realtime.NewPresence(log, nil)

	store := chat.NewMemoryStore()
	svc, err := chat.NewService(chat.Options{
		Log:           log,
		Conversations: store,
		Messages:      store,
		Media:         media.NewMemoryStore("http://media.test"),
		Notifier:      chat.Notifiers{realtime.NewRoomNotifier(hub), metrics},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tokens, err := identity.NewJWTProvider("test-secret-0123456789", "duet", time.Hour, 0)
	if err != nil {
		t.Fatalf("NewJWTProvider: %v", err)
	}

	gw, err := realtime.NewWSGateway(log, hub, presence, svc, tokens, metrics)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}
	api, err := chatapi.NewHandler(log, svc, tokens, chatapi.LoadConfigFromEnv(), chatapi.WithPresence(presence))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	api.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &stack{server: ts, tokens: tokens}
}

func (s *stack) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := s.tokens.Issue(userID, "", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (s *stack) api(t *testing.T, userID string) *API {
	return NewAPI(s.server.URL, s.token(t, userID), s.server.Client())
}

func (s *stack) dial(t *testing.T, userID string, markRead bool) *WSConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(s.server.URL, "http")+"/ws", DialOptions{
		Token:             s.token(t, userID),
		SelfID:            userID,
		MarkReadOnReceive: markRead,
		Log:               slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newEngine(t *testing.T, convID, selfID string, s Sender, h History) *Engine {
	t.Helper()
	e, err := NewEngine(Options{
		ConversationID: convID,
		SelfID:         selfID,
		Sender:         s,
		History:        h,
		Log:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestWSConn_SendReconcileAndRead(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv, err := st.api(t, "u-alice").GetOrCreate(ctx, "u-bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	aliceWS := st.dial(t, "u-alice", false)
	bobWS := st.dial(t, "u-bob", true)

	alice := newEngine(t, conv.ID, "u-alice", aliceWS, st.api(t, "u-alice"))
	bob := newEngine(t, conv.ID, "u-bob", bobWS, st.api(t, "u-bob"))
	aliceWS.Attach(alice)
	bobWS.Attach(bob)

	for _, c := range []*WSConn{aliceWS, bobWS} {
		if err := JoinWithRetry(ctx, func(ctx context.Context) error { return c.Join(ctx, conv.ID) }); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	ent, err := alice.Send(ctx, Draft{Content: "hello over ws"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ent.Status != StatusSent || strings.HasPrefix(ent.Message.ID, tempIDPrefix) {
		t.Fatalf("send entry=%+v", ent)
	}

	waitUntil(t, func() bool {
		es := bob.Entries()
		return len(es) == 1 && es[0].Message.ID == ent.Message.ID
	})
	// Bob marks read on receive; the read fanout reaches Alice.
	waitUntil(t, func() bool {
		es := alice.Entries()
		return len(es) == 1 && es[0].Message.Read
	})
	if n := countID(alice.Entries(), ent.Message.ID); n != 1 {
		t.Fatalf("alice has %d copies of the message", n)
	}

	if err := bob.LoadInitial(ctx); err != nil {
		t.Fatalf("LoadInitial: %v", err)
	}
	if es := bob.Entries(); len(es) != 1 || !es[0].Message.Read {
		t.Fatalf("bob history=%+v", es)
	}
}

func TestWSConn_TypingClearedOnDisconnect(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv, err := st.api(t, "u-alice").GetOrCreate(ctx, "u-bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	aliceWS := st.dial(t, "u-alice", false)
	bobWS := st.dial(t, "u-bob", false)
	aliceWS.Attach(newEngine(t, conv.ID, "u-alice", aliceWS, nil))
	bobWS.Attach(newEngine(t, conv.ID, "u-bob", bobWS, nil))

	if err := aliceWS.Join(ctx, conv.ID); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := bobWS.Join(ctx, conv.ID); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	if err := bobWS.SetTyping(ctx, conv.ID, true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	waitUntil(t, func() bool { return reflect.DeepEqual(aliceWS.Typing(conv.ID), []string{"u-bob"}) })

	_ = bobWS.Close()
	waitUntil(t, func() bool { return len(aliceWS.Typing(conv.ID)) == 0 })
}

func TestWSConn_JoinDeniedAndBadToken(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conv, err := st.api(t, "u-alice").GetOrCreate(ctx, "u-bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	eve := st.dial(t, "u-eve", false)
	start := time.Now()
	err = JoinWithRetry(ctx, func(ctx context.Context) error { return eve.Join(ctx, conv.ID) })
	if CodeOf(err) != "forbidden" {
		t.Fatalf("join err=%v want forbidden", err)
	}
	if time.Since(start) > 900*time.Millisecond {
		t.Fatalf("forbidden join must not be retried")
	}

	if _, err := eve.CreateMessage(ctx, conv.ID, Draft{Content: "let me in"}); CodeOf(err) != "forbidden" {
		t.Fatalf("send err=%v want forbidden", err)
	}
	if _, err := eve.CreateMessage(ctx, conv.ID, Draft{Type: "image", Data: []byte{1}}); err != ErrAttachmentOverWS {
		t.Fatalf("attachment err=%v", err)
	}

	_, err = Dial(ctx, "ws"+strings.TrimPrefix(st.server.URL, "http")+"/ws", DialOptions{Token: "garbage"})
	if CodeOf(err) != "unauthorized" {
		t.Fatalf("dial err=%v want unauthorized", err)
	}
}

func TestAPI_AttachmentAndPresence(t *testing.T) {
	st := newStack(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	api := st.api(t, "u-alice")
	conv, err := api.GetOrCreate(ctx, "u-bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	e := newEngine(t, conv.ID, "u-alice", api, api)

	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 32)...)
	ent, err := e.Send(ctx, Draft{FileName: "cat.png", Data: png})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ent.Message.Type != "image" || ent.Message.FileName != "cat.png" || !strings.HasPrefix(ent.Message.Content, "http://media.test/") {
		t.Fatalf("image entry=%+v", ent)
	}

	if _, err := api.GetOrCreate(ctx, "u-alice"); CodeOf(err) != "validation_failed" {
		t.Fatalf("self conversation err=%v", err)
	}
	if _, err := st.api(t, "u-eve").GetConversation(ctx, conv.ID); CodeOf(err) != "forbidden" {
		t.Fatalf("eve get err=%v", err)
	}

	online, err := api.Online(ctx, "u-bob")
	if err != nil || online {
		t.Fatalf("bob online=%v err=%v", online, err)
	}
	_ = st.dial(t, "u-bob", false)
	waitUntil(t, func() bool {
		online, err := api.Online(ctx, "u-bob")
		return err == nil && online
	})

	if err := st.api(t, "u-bob").MarkRead(ctx, conv.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := api.DeleteConversation(ctx, conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if list, err := api.ListConversations(ctx); err != nil || len(list) != 0 {
		t.Fatalf("list after delete=%+v err=%v", list, err)
	}
}
