// Package main provides a CI-friendly WebSocket smoke test for duet realtime.
//
// It validates:
//   - dev token issue + bearer handshake + subprotocol selection
//   - conversation get-or-create over REST
//   - join acknowledgment for both participants
//   - send -> ack carrying the persisted message
//   - fanout message:new to both participants
//   - typing fanout with the server-filled userId
//   - read fanout after message:read
//   - REST history contains the message
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	v1 "duet/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	token  string
	conn   *websocket.Conn

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the duet server")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("a", "smoke-alice", "User ID of participant A")
		userB   = flag.String("b", "smoke-bob", "User ID of participant B")
		text    = flag.String("text", "hello duet 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	base := strings.TrimRight(*baseURL, "/")
	wsURL, err := toWSURL(base)
	if err != nil {
		fatalf("invalid -base: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()

	a := &smokeClient{name: "A", userID: *userA}
	b := &smokeClient{name: "B", userID: *userB}
	a.token = mustDevToken(root, base, a.userID, *timeout)
	b.token = mustDevToken(root, base, b.userID, *timeout)

	convID := mustGetOrCreate(root, base, a.token, b.userID, *timeout)

	a.mustConnect(root, wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	b.mustConnect(root, wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s conv=%s origin=%q\n", a.userID, b.userID, convID, *origin)
	}

	a.mustJoin(root, convID, *timeout)
	b.mustJoin(root, convID, *timeout)

	clientMsgID := fmt.Sprintf("smoke-%d", time.Now().UnixNano())
	msg := a.mustSendAndAssertAck(root, convID, clientMsgID, *text, *timeout)

	b.mustAssertNew(root, msg, *timeout)
	a.mustAssertNew(root, msg, *timeout)

	a.mustWrite(root, v1.TypeTyping, v1.TypingPayload{ConversationID: convID, IsTyping: true}, *timeout)
	b.mustAssertTyping(root, convID, a.userID, *timeout)

	b.mustWrite(root, v1.TypeMessageRead, v1.ConversationRef{ConversationID: convID}, *timeout)
	a.mustAssertRead(root, convID, b.userID, *timeout)

	mustHistoryContains(root, base, b.token, convID, msg.ID, *timeout)

	fmt.Printf("OK: A=%s B=%s conv_id=%s message_id=%s\n", a.userID, b.userID, convID, msg.ID)
}

func toWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", errors.New("missing host")
	}
	u.Path = "/ws"
	return u.String(), nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustDevToken(parent context.Context, base, userID string, stepTimeout time.Duration) string {
	var out struct {
		Token string `json:"token"`
	}
	mustDoJSON(parent, http.MethodPost, base+"/dev/tokens", "", map[string]string{"userId": userID}, http.StatusCreated, &out, stepTimeout)
	if out.Token == "" {
		fatalf("dev token for %s: empty token (is DUET_DEV_TOKENS enabled?)", userID)
	}
	return out.Token
}

func mustGetOrCreate(parent context.Context, base, token, participantID string, stepTimeout time.Duration) string {
	var out struct {
		Conversation v1.Conversation `json:"conversation"`
	}
	mustDoJSON(parent, http.MethodPost, base+"/api/chats/conversations", token,
		map[string]string{"participantId": participantID}, http.StatusOK, &out, stepTimeout)
	if out.Conversation.ID == "" {
		fatalf("get-or-create returned no conversation id")
	}
	return out.Conversation.ID
}

func mustHistoryContains(parent context.Context, base, token, convID, messageID string, stepTimeout time.Duration) {
	var out struct {
		Messages []v1.Message `json:"messages"`
	}
	mustDoJSON(parent, http.MethodGet, base+"/api/chats/conversations/"+url.PathEscape(convID)+"/messages?limit=10", token,
		nil, http.StatusOK, &out, stepTimeout)
	for _, m := range out.Messages {
		if m.ID == messageID {
			return
		}
	}
	fatalf("history missing message %s (%d messages)", messageID, len(out.Messages))
}

func mustDoJSON(parent context.Context, method, target, token string, in any, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		body = bytes.NewReader(mustJSON(in))
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, target, resp.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		fatalf("%s %s: decode: %v", method, target, err)
	}
}

func (c *smokeClient) mustConnect(parent context.Context, wsURL, origin string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", c.name, err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", c.name, conn.Subprotocol(), v1.Subprotocol)
	}

	conn.SetReadLimit(maxReadBytes)

	c.conn = conn
	c.inbox = make(chan v1.Envelope, 512)
	c.errCh = make(chan error, 1)
	c.startReadLoop()
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) mustJoin(parent context.Context, convID string, stepTimeout time.Duration) {
	c.mustWrite(parent, v1.TypeJoinConversation, v1.ConversationRef{ConversationID: convID}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeJoinedConversation, stepTimeout)

	var p v1.JoinedConversationPayload
	mustDecode(c, env, &p)
	if p.ConversationID != convID {
		fatalf("joined conversationId mismatch (%s): got=%q want=%q", c.name, p.ConversationID, convID)
	}
	if !p.Success {
		fatalf("join failed (%s): code=%q error=%q", c.name, p.Code, p.Error)
	}
}

func (c *smokeClient) mustSendAndAssertAck(parent context.Context, convID, clientMsgID, text string, stepTimeout time.Duration) v1.Message {
	c.mustWrite(parent, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: convID,
		ClientMsgID:    clientMsgID,
		Type:           "text",
		Content:        text,
	}, stepTimeout)

	env := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, v1.TypeMessageNew)

	var p v1.MessageAckPayload
	mustDecode(c, env, &p)
	if p.ClientMsgID != clientMsgID {
		fatalf("ack clientMsgId mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	m := p.Message
	if strings.TrimSpace(m.ID) == "" {
		fatalf("ack missing message id (%s)", c.name)
	}
	if m.ConversationID != convID || m.SenderID != c.userID || m.Content != text {
		fatalf("ack message mismatch (%s): %+v", c.name, m)
	}
	if m.CreatedAt.IsZero() {
		fatalf("ack createdAt missing (%s)", c.name)
	}
	return m
}

// mustAssertNew reads until the message:new for want. The sender may have
// already consumed its own copy while waiting for the ack.
func (c *smokeClient) mustAssertNew(parent context.Context, want v1.Message, stepTimeout time.Duration) {
	if c.userID == want.SenderID {
		if env, ok := c.readOptional(parent, v1.TypeMessageNew, 750*time.Millisecond); ok {
			c.assertNewPayload(env, want)
		}
		return
	}
	c.assertNewPayload(c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, v1.TypeTyping), want)
}

func (c *smokeClient) assertNewPayload(env v1.Envelope, want v1.Message) {
	var m v1.Message
	mustDecode(c, env, &m)
	if m.ID != want.ID || m.ConversationID != want.ConversationID || m.Content != want.Content {
		fatalf("message:new mismatch (%s): got=%+v want id=%s", c.name, m, want.ID)
	}
}

func (c *smokeClient) mustAssertTyping(parent context.Context, convID, userID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeTyping, stepTimeout)

	var p v1.TypingPayload
	mustDecode(c, env, &p)
	if p.ConversationID != convID || p.UserID != userID || !p.IsTyping {
		fatalf("typing mismatch (%s): %+v", c.name, p)
	}
}

func (c *smokeClient) mustAssertRead(parent context.Context, convID, readerID string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageRead, stepTimeout, v1.TypeMessageNew, v1.TypeTyping)

	var p v1.MessageReadPayload
	mustDecode(c, env, &p)
	if p.ConversationID != convID || p.UserID != readerID {
		fatalf("message:read mismatch (%s): %+v", c.name, p)
	}
}

func (c *smokeClient) readOptional(parent context.Context, wantType string, wait time.Duration) (v1.Envelope, bool) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return v1.Envelope{}, false
		case env, ok := <-c.inbox:
			if !ok {
				return v1.Envelope{}, false
			}
			if env.Type == wantType {
				return env, true
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes ...string) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = env.Decode(&ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if slices.Contains(skipTypes, env.Type) {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func (c *smokeClient) mustWrite(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	now := time.Now().UTC()
	env, err := v1.NewEnvelope(typ, fmt.Sprintf("%s-%s-%d", c.name, typ, now.UnixNano()), now, payload)
	if err != nil {
		fatalf("build envelope: %v", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write failed (%s): %v", c.name, err)
	}
}

func mustDecode(c *smokeClient, env v1.Envelope, dst any) {
	if err := env.Decode(dst); err != nil {
		fatalf("decode %s payload (%s): %v", env.Type, c.name, err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
