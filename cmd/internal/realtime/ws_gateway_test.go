package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"duet/cmd/identity"
	"duet/cmd/internal/chat"
	v1 "duet/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

type wsTestEnv struct {
	svc    *chat.Service
	gw     *WSGateway
	tokens *identity.JWTProvider
	server *httptest.Server
}

func newWSTestEnv(t *testing.T) *wsTestEnv {
	t.Helper()
	return newWSTestEnvWithStores(t, nil)
}

// brokenLookupStore fails conversation lookups the way a lost database would.
type brokenLookupStore struct {
	*chat.MemoryStore
}

func (brokenLookupStore) FindByID(context.Context, string) (chat.Conversation, error) {
	return chat.Conversation{}, errors.New("pgconn: dial tcp 10.0.0.7:5432: connection refused")
}

func newWSTestEnvWithStores(t *testing.T, convs chat.ConversationStore) *wsTestEnv {
	t.Helper()
	t.Setenv("DUET_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("DUET_WS_DEV_INSECURE", "false")

	log := quietLogger()
	metrics := NewMetrics(nil)
	hub := NewHub(log, metrics)

	store := chat.NewMemoryStore()
	if convs == nil {
		convs = store
	}
	svc, err := chat.NewService(chat.Options{
		Log:           log,
		Conversations: convs,
		Messages:      store,
		Notifier:      chat.Notifiers{NewRoomNotifier(hub), metrics},
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	tokens, err := identity.NewJWTProvider("test-secret-0123456789", "duet", time.Hour, 0)
	if err != nil {
		t.Fatalf("NewJWTProvider: %v", err)
	}

	gw, err := NewWSGateway(log, hub, NewPresence(log, nil), svc, tokens, metrics)
	if err != nil {
		t.Fatalf("NewWSGateway: %v", err)
	}

	ts := httptest.NewServer(http.HandlerFunc(gw.HandleWS))
	t.Cleanup(ts.Close)

	return &wsTestEnv{svc: svc, gw: gw, tokens: tokens, server: ts}
}

func (e *wsTestEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := e.tokens.Issue(userID, "", time.Now())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (e *wsTestEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, e.server.URL, e.token(t, userID), false)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func dialWS(t *testing.T, baseURL, token string, viaQuery bool) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	u.Scheme = "ws"

	h := http.Header{}
	if token != "" {
		if viaQuery {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		} else {
			h.Set("Authorization", "Bearer "+token)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	env, err := v1.NewEnvelope(typ, "c-"+typ, time.Now().UTC(), payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			t.Fatalf("conn.Read waiting for %q: %v", typ, err)
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func decodePayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()
	var out T
	if err := env.Decode(&out); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return out
}

func join(t *testing.T, conn *websocket.Conn, convID string) v1.JoinedConversationPayload {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.TypeJoinConversation, v1.ConversationRef{ConversationID: convID})
	return decodePayload[v1.JoinedConversationPayload](t, readUntilType(t, conn, v1.TypeJoinedConversation, 5))
}

func TestWSGateway_RejectsBeforeUpgrade(t *testing.T) {
	env := newWSTestEnv(t)
	other, _ := identity.NewJWTProvider("another-secret-abcdefgh", "duet", time.Hour, 0)
	foreign, _, _ := other.Issue("alice", "", time.Now())

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-token"},
		{"wrong signature", foreign},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := dialWS(t, env.server.URL, tt.token, false)
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			if err == nil {
				t.Fatalf("expected handshake failure")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				status := 0
				if resp != nil {
					status = resp.StatusCode
				}
				t.Fatalf("expected 401, got status=%d err=%v", status, err)
			}
		})
	}
}

func TestWSGateway_TokenQueryParam(t *testing.T) {
	env := newWSTestEnv(t)
	conn, resp, err := dialWS(t, env.server.URL, env.token(t, "alice"), true)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	waitFor(t, func() bool { return env.gw.Presence().Online("alice") })
}

func TestWSGateway_JoinIsAuthorized(t *testing.T) {
	env := newWSTestEnv(t)
	conv, err := env.svc.GetOrCreate(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	carol := env.dial(t, "carol")

	got := join(t, carol, conv.ID)
	if got.Success || got.Code != "forbidden" || got.ConversationID != conv.ID {
		t.Fatalf("non-participant join=%+v", got)
	}
	if env.gw.Hub().RoomCount() != 0 {
		t.Fatalf("failed join must not create a room")
	}

	got = join(t, carol, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if got.Success || got.Code != "not_found" {
		t.Fatalf("unknown conversation join=%+v", got)
	}

	alice := env.dial(t, "alice")
	if got := join(t, alice, conv.ID); !got.Success {
		t.Fatalf("participant join=%+v", got)
	}

	writeEnvelopeWS(t, alice, v1.TypeLeaveConversation, v1.ConversationRef{ConversationID: conv.ID})
	left := decodePayload[v1.ConversationRef](t, readUntilType(t, alice, v1.TypeLeftConversation, 5))
	if left.ConversationID != conv.ID {
		t.Fatalf("left=%+v", left)
	}
	waitFor(t, func() bool { return env.gw.Hub().RoomCount() == 0 })
}

func TestWSGateway_JoinHidesInternalErrors(t *testing.T) {
	env := newWSTestEnvWithStores(t, brokenLookupStore{chat.NewMemoryStore()})

	alice := env.dial(t, "alice")
	got := join(t, alice, "01HZZZZZZZZZZZZZZZZZZZZZZZ")
	if got.Success || got.Code != "internal" {
		t.Fatalf("join=%+v", got)
	}
	if got.Error != "internal error" {
		t.Fatalf("join ack leaked %q", got.Error)
	}

	writeEnvelopeWS(t, alice, v1.TypeMessageRead, v1.ConversationRef{ConversationID: "01HZZZZZZZZZZZZZZZZZZZZZZZ"})
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 5))
	if e.Code != "internal" || strings.Contains(e.Message, "pgconn") {
		t.Fatalf("error=%+v", e)
	}
}

func TestWSGateway_SendAckAndFanout(t *testing.T) {
	env := newWSTestEnv(t)
	conv, err := env.svc.GetOrCreate(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	join(t, alice, conv.ID)
	join(t, bob, conv.ID)

	writeEnvelopeWS(t, alice, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: conv.ID,
		ClientMsgID:    "temp-1",
		Type:           "text",
		Content:        "  hello bob  ",
	})

	ack := decodePayload[v1.MessageAckPayload](t, readUntilType(t, alice, v1.TypeMessageAck, 5))
	if ack.ClientMsgID != "temp-1" || ack.Message.ID == "" || ack.Message.Content != "hello bob" {
		t.Fatalf("ack=%+v", ack)
	}

	got := decodePayload[v1.Message](t, readUntilType(t, bob, v1.TypeMessageNew, 5))
	if got.ID != ack.Message.ID || got.SenderID != "alice" || got.Read {
		t.Fatalf("bob message:new=%+v", got)
	}

	// Bob reads; alice sees the cursor move.
	writeEnvelopeWS(t, bob, v1.TypeMessageRead, v1.ConversationRef{ConversationID: conv.ID})
	read := decodePayload[v1.MessageReadPayload](t, readUntilType(t, alice, v1.TypeMessageRead, 5))
	if read.UserID != "bob" || read.ConversationID != conv.ID {
		t.Fatalf("message:read=%+v", read)
	}
}

func TestWSGateway_SendErrorsCarryClientMsgID(t *testing.T) {
	env := newWSTestEnv(t)
	conv, _ := env.svc.GetOrCreate(context.Background(), "alice", "bob")

	carol := env.dial(t, "carol")
	writeEnvelopeWS(t, carol, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: conv.ID,
		ClientMsgID:    "temp-x",
		Content:        "let me in",
	})
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, carol, v1.TypeError, 5))
	if e.Code != "forbidden" || e.ClientMsgID != "temp-x" {
		t.Fatalf("error=%+v", e)
	}

	alice := env.dial(t, "alice")
	writeEnvelopeWS(t, alice, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: conv.ID,
		ClientMsgID:    "temp-y",
		Content:        "   ",
	})
	e = decodePayload[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 5))
	if e.Code != "validation_failed" || e.ClientMsgID != "temp-y" {
		t.Fatalf("error=%+v", e)
	}
}

func TestWSGateway_TypingRequiresJoinAndStopsOnDisconnect(t *testing.T) {
	env := newWSTestEnv(t)
	conv, _ := env.svc.GetOrCreate(context.Background(), "alice", "bob")

	alice := env.dial(t, "alice")
	join(t, alice, conv.ID)

	bob := env.dial(t, "bob")
	writeEnvelopeWS(t, bob, v1.TypeTyping, v1.TypingPayload{ConversationID: conv.ID, IsTyping: true})
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, bob, v1.TypeError, 5))
	if e.Code != "not_joined" {
		t.Fatalf("error=%+v", e)
	}

	join(t, bob, conv.ID)
	writeEnvelopeWS(t, bob, v1.TypeTyping, v1.TypingPayload{ConversationID: conv.ID, IsTyping: true})
	typing := decodePayload[v1.TypingPayload](t, readUntilType(t, alice, v1.TypeTyping, 5))
	if typing.UserID != "bob" || !typing.IsTyping {
		t.Fatalf("typing=%+v", typing)
	}

	_ = bob.Close(websocket.StatusNormalClosure, "bye")

	typing = decodePayload[v1.TypingPayload](t, readUntilType(t, alice, v1.TypeTyping, 5))
	if typing.UserID != "bob" || typing.IsTyping {
		t.Fatalf("disconnect must clear typing, got %+v", typing)
	}
	waitFor(t, func() bool { return !env.gw.Presence().Online("bob") })
}

func TestWSGateway_BadFrames(t *testing.T) {
	env := newWSTestEnv(t)
	alice := env.dial(t, "alice")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := alice.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	e := decodePayload[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 5))
	if e.Code != "bad_json" {
		t.Fatalf("error=%+v", e)
	}

	if err := alice.Write(ctx, websocket.MessageText, []byte(`{"v":"v0","type":"typing"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	e = decodePayload[v1.ErrorPayload](t, readUntilType(t, alice, v1.TypeError, 5))
	if e.Code != "bad_envelope" || !strings.Contains(e.Message, "version") {
		t.Fatalf("error=%+v", e)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
