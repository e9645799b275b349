package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"duet/cmd/identity"
	"duet/cmd/internal/chat"
	"duet/cmd/internal/media"
	v1 "duet/shared/contracts/realtime/v1"
)

type apiTestEnv struct {
	tokens *identity.JWTProvider
	server *httptest.Server
	media  *media.MemoryStore
}

type fakePresence map[string]bool

func (f fakePresence) IsOnline(_ context.Context, userID string) bool { return f[userID] }

func newAPITestEnv(t *testing.T, cfg Config) *apiTestEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := chat.NewMemoryStore()
	mem := media.NewMemoryStore("http://media.test")
	svc, err := chat.NewService(chat.Options{
		Log:           log,
		Conversations: store,
		Messages:      store,
		Directory:     chat.NewStaticDirectory(chat.Profile{ID: "u-alice", Name: "Alice"}, chat.Profile{ID: "u-bob", Name: "Bob"}),
		Media:         mem,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tokens, err := identity.NewJWTProvider("test-secret-0123456789", "duet", time.Hour, 0)
	if err != nil {
		t.Fatalf("NewJWTProvider: %v", err)
	}
	h, err := NewHandler(log, svc, tokens, cfg, WithPresence(fakePresence{"u-bob": true}))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &apiTestEnv{tokens: tokens, server: ts, media: mem}
}

func testConfig() Config {
	return Config{
		MaxJSONBytes:      64 << 10,
		MaxUploadBytes:    chat.MaxFileBytes + (1 << 20),
		MessageRate:       100,
		MessageRateWindow: 10 * time.Second,
	}
}

func (e *apiTestEnv) do(t *testing.T, userID, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != "" {
		tok, _, err := e.tokens.Issue(userID, "", time.Now())
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *apiTestEnv) doJSON(t *testing.T, userID, method, path string, v any) *http.Response {
	t.Helper()
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	return e.do(t, userID, method, path, body, "application/json")
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func expectError(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("status=%d want %d", resp.StatusCode, status)
	}
	body := decodeBody[errorResponse](t, resp)
	if body.Error.Code != code {
		t.Fatalf("error code=%q want %q", body.Error.Code, code)
	}
}

func (e *apiTestEnv) createConversation(t *testing.T, userID, other string) v1.Conversation {
	t.Helper()
	resp := e.doJSON(t, userID, http.MethodPost, "/api/chats/conversations", createConversationRequest{ParticipantID: other})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create conversation status=%d", resp.StatusCode)
	}
	return decodeBody[conversationEnvelope](t, resp).Conversation
}

func TestChatAPI_RequiresAuth(t *testing.T) {
	env := newAPITestEnv(t, testConfig())

	cases := []struct {
		name   string
		header string
	}{
		{name: "missing"},
		{name: "garbage", header: "Bearer not-a-token"},
		{name: "empty bearer", header: "Bearer "},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/chats/conversations", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Do: %v", err)
			}
			defer func() { _ = resp.Body.Close() }()
			expectError(t, resp, http.StatusUnauthorized, "unauthorized")
		})
	}
}

func TestChatAPI_ConversationLifecycle(t *testing.T) {
	env := newAPITestEnv(t, testConfig())

	conv := env.createConversation(t, "u-alice", "u-bob")
	if conv.OtherParticipant.ID != "u-bob" || conv.OtherParticipant.Name != "Bob" {
		t.Fatalf("otherParticipant=%+v", conv.OtherParticipant)
	}
	if len(conv.Participants) != 2 {
		t.Fatalf("participants=%+v", conv.Participants)
	}

	again := env.createConversation(t, "u-bob", "u-alice")
	if again.ID != conv.ID {
		t.Fatalf("expected same conversation, got %q and %q", conv.ID, again.ID)
	}
	if again.OtherParticipant.ID != "u-alice" {
		t.Fatalf("otherParticipant for bob=%+v", again.OtherParticipant)
	}

	expectError(t, env.doJSON(t, "u-alice", http.MethodPost, "/api/chats/conversations", createConversationRequest{ParticipantID: "u-alice"}),
		http.StatusBadRequest, "validation_failed")
	expectError(t, env.do(t, "u-alice", http.MethodPost, "/api/chats/conversations", strings.NewReader(`{"participantId":"u-bob","extra":1}`), "application/json"),
		http.StatusBadRequest, "invalid_json")

	expectError(t, env.do(t, "u-eve", http.MethodGet, "/api/chats/conversations/"+conv.ID, nil, ""), http.StatusForbidden, "forbidden")
	expectError(t, env.do(t, "u-alice", http.MethodGet, "/api/chats/conversations/missing", nil, ""), http.StatusNotFound, "not_found")

	list := decodeBody[conversationsEnvelope](t, env.do(t, "u-bob", http.MethodGet, "/api/chats/conversations", nil, ""))
	if len(list.Conversations) != 1 || list.Conversations[0].ID != conv.ID {
		t.Fatalf("list=%+v", list)
	}

	expectError(t, env.do(t, "u-eve", http.MethodDelete, "/api/chats/conversations/"+conv.ID, nil, ""), http.StatusForbidden, "forbidden")
	resp := env.do(t, "u-bob", http.MethodDelete, "/api/chats/conversations/"+conv.ID, nil, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status=%d", resp.StatusCode)
	}
	// The tombstone is shared by both participants.
	expectError(t, env.do(t, "u-alice", http.MethodGet, "/api/chats/conversations/"+conv.ID, nil, ""), http.StatusNotFound, "not_found")

	fresh := env.createConversation(t, "u-alice", "u-bob")
	if fresh.ID == conv.ID {
		t.Fatalf("expected a new conversation after delete")
	}
}

func TestChatAPI_MessagesPagingAndRead(t *testing.T) {
	env := newAPITestEnv(t, testConfig())
	conv := env.createConversation(t, "u-alice", "u-bob")

	for _, text := range []string{"one", "two", "three"} {
		resp := env.doJSON(t, "u-alice", http.MethodPost, "/api/chats/messages", createMessageRequest{ConversationID: conv.ID, Content: text})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %q status=%d", text, resp.StatusCode)
		}
		m := decodeBody[messageEnvelope](t, resp).Message
		if m.Type != "text" || m.Content != text || m.SenderID != "u-alice" {
			t.Fatalf("message=%+v", m)
		}
	}

	expectError(t, env.doJSON(t, "u-alice", http.MethodPost, "/api/chats/messages", createMessageRequest{ConversationID: conv.ID, Content: "   "}),
		http.StatusBadRequest, "validation_failed")
	expectError(t, env.doJSON(t, "u-eve", http.MethodPost, "/api/chats/messages", createMessageRequest{ConversationID: conv.ID, Content: "hi"}),
		http.StatusForbidden, "forbidden")

	page := decodeBody[messagesEnvelope](t, env.do(t, "u-bob", http.MethodGet, "/api/chats/conversations/"+conv.ID+"/messages?limit=2", nil, ""))
	if len(page.Messages) != 2 || page.Messages[0].Content != "two" || page.Messages[1].Content != "three" {
		t.Fatalf("first page=%+v", page.Messages)
	}
	cursor := page.Messages[0].CreatedAt.Format(time.RFC3339Nano)
	older := decodeBody[messagesEnvelope](t, env.do(t, "u-bob", http.MethodGet, "/api/chats/conversations/"+conv.ID+"/messages?limit=2&beforeDate="+url.QueryEscape(cursor), nil, ""))
	if len(older.Messages) != 1 || older.Messages[0].Content != "one" {
		t.Fatalf("second page=%+v", older.Messages)
	}

	expectError(t, env.do(t, "u-bob", http.MethodGet, "/api/chats/conversations/"+conv.ID+"/messages?beforeDate=yesterday", nil, ""),
		http.StatusBadRequest, "invalid_request")
	expectError(t, env.do(t, "u-bob", http.MethodGet, "/api/chats/conversations/"+conv.ID+"/messages?limit=abc", nil, ""),
		http.StatusBadRequest, "invalid_request")

	list := decodeBody[conversationsEnvelope](t, env.do(t, "u-bob", http.MethodGet, "/api/chats/conversations", nil, ""))
	if len(list.Conversations) != 1 || list.Conversations[0].UnreadCount != 3 || list.Conversations[0].LastMessage != "three" {
		t.Fatalf("bob list before read=%+v", list.Conversations)
	}

	read := decodeBody[readResponse](t, env.do(t, "u-bob", http.MethodPatch, "/api/chats/conversations/"+conv.ID+"/read", nil, ""))
	if !read.Advanced || read.ConversationID != conv.ID {
		t.Fatalf("first read=%+v", read)
	}
	read = decodeBody[readResponse](t, env.do(t, "u-bob", http.MethodPatch, "/api/chats/conversations/"+conv.ID+"/read", nil, ""))
	if read.Advanced {
		t.Fatalf("second read should not advance")
	}
}

func TestChatAPI_MultipartUpload(t *testing.T) {
	env := newAPITestEnv(t, testConfig())
	conv := env.createConversation(t, "u-alice", "u-bob")

	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)

	resp := env.postMultipart(t, "u-alice", map[string]string{"conversationId": conv.ID}, "photo.png", png)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status=%d", resp.StatusCode)
	}
	m := decodeBody[messageEnvelope](t, resp).Message
	if m.Type != "image" || m.FileName != "photo.png" || !strings.HasPrefix(m.Content, "http://media.test/") {
		t.Fatalf("uploaded message=%+v", m)
	}

	list := decodeBody[conversationsEnvelope](t, env.do(t, "u-alice", http.MethodGet, "/api/chats/conversations", nil, ""))
	if list.Conversations[0].LastMessage != chat.ImagePlaceholder {
		t.Fatalf("lastMessage=%q want image placeholder", list.Conversations[0].LastMessage)
	}

	big := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, chat.MaxImageBytes)...)
	expectError(t, env.postMultipart(t, "u-alice", map[string]string{"conversationId": conv.ID, "type": "image"}, "big.png", big),
		http.StatusBadRequest, "validation_failed")

	expectError(t, env.postMultipart(t, "u-alice", map[string]string{"conversationId": conv.ID, "type": "text"}, "notes.txt", []byte("hello")),
		http.StatusBadRequest, "validation_failed")
}

func (e *apiTestEnv) postMultipart(t *testing.T, userID string, fields map[string]string, fileName string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return e.do(t, userID, http.MethodPost, "/api/chats/messages", &buf, mw.FormDataContentType())
}

func TestChatAPI_MessageRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MessageRate = 2
	env := newAPITestEnv(t, cfg)
	conv := env.createConversation(t, "u-alice", "u-bob")

	for i := 0; i < 2; i++ {
		resp := env.doJSON(t, "u-alice", http.MethodPost, "/api/chats/messages", createMessageRequest{ConversationID: conv.ID, Content: "hi"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("message %d status=%d", i, resp.StatusCode)
		}
	}
	resp := env.doJSON(t, "u-alice", http.MethodPost, "/api/chats/messages", createMessageRequest{ConversationID: conv.ID, Content: "hi"})
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	expectError(t, resp, http.StatusTooManyRequests, "rate_limited")

	// Limits are per user.
	resp = env.doJSON(t, "u-bob", http.MethodPost, "/api/chats/messages", createMessageRequest{ConversationID: conv.ID, Content: "hey"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("bob status=%d", resp.StatusCode)
	}
}

func TestHandler_IdleLimitersArePruned(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := chat.NewMemoryStore()
	svc, err := chat.NewService(chat.Options{Log: log, Conversations: store, Messages: store})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tokens, err := identity.NewJWTProvider("test-secret-0123456789", "duet", time.Hour, 0)
	if err != nil {
		t.Fatalf("NewJWTProvider: %v", err)
	}

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.MessageRate = 1
	h, err := NewHandler(log, svc, tokens, cfg, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}

	for i := 0; i < 50; i++ {
		if !h.allow(fmt.Sprintf("u-%d", i)) {
			t.Fatalf("first message of u-%d rejected", i)
		}
	}
	if h.allow("u-0") {
		t.Fatalf("u-0 should be limited inside the window")
	}

	now = now.Add(cfg.MessageRateWindow)
	if !h.allow("u-late") {
		t.Fatalf("u-late rejected")
	}
	h.limMu.Lock()
	n := len(h.limiters)
	h.limMu.Unlock()
	if n != 1 {
		t.Fatalf("expected idle limiters to be dropped, %d remain", n)
	}
	if !h.allow("u-0") {
		t.Fatalf("u-0 should be admitted again after the window")
	}
}

func TestChatAPI_Presence(t *testing.T) {
	env := newAPITestEnv(t, testConfig())

	got := decodeBody[presenceResponse](t, env.do(t, "u-alice", http.MethodGet, "/api/chats/presence/u-bob", nil, ""))
	if !got.Online || got.UserID != "u-bob" {
		t.Fatalf("presence=%+v", got)
	}
	got = decodeBody[presenceResponse](t, env.do(t, "u-alice", http.MethodGet, "/api/chats/presence/u-eve", nil, ""))
	if got.Online {
		t.Fatalf("u-eve should be offline")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DUET_API_MAX_BODY_BYTES", "2048")
	t.Setenv("DUET_API_MAX_UPLOAD_BYTES", "10")
	t.Setenv("DUET_API_MESSAGE_RATE", "bogus")
	t.Setenv("DUET_API_MESSAGE_RATE_WINDOW", "1m")

	cfg := LoadConfigFromEnv()
	if cfg.MaxJSONBytes != 2048 {
		t.Fatalf("MaxJSONBytes=%d", cfg.MaxJSONBytes)
	}
	if cfg.MaxUploadBytes < chat.MaxFileBytes {
		t.Fatalf("MaxUploadBytes=%d must cover the file limit", cfg.MaxUploadBytes)
	}
	if cfg.MessageRate != 30 || cfg.MessageRateWindow != time.Minute {
		t.Fatalf("rate=%d window=%v", cfg.MessageRate, cfg.MessageRateWindow)
	}
}
