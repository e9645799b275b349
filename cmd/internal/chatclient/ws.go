package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"duet/cmd/identity/ids"
	v1 "duet/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	wsMaxReadBytes  = 1 << 20
	wsWriteTimeout  = 5 * time.Second
	wsTypingTimeout = 2 * time.Second
)

// DialOptions configures a websocket connection.
type DialOptions struct {
	Token  string
	Origin string

	// SelfID is the authenticated user; foreign messages are those from anyone else.
	SelfID string

	// MarkReadOnReceive sends message:read when a foreign message lands in an
	// attached conversation.
	MarkReadOnReceive bool

	// TypingExpiry drops stale typing indicators; zero trusts explicit stops.
	TypingExpiry time.Duration

	// OnTyping is called when the typing set of a conversation changes.
	OnTyping func(conversationID string, users []string)

	Log *slog.Logger
}

type ackResult struct {
	msg v1.Message
	err error
}

// WSConn is a realtime connection feeding attached Engines.
type WSConn struct {
	conn *websocket.Conn
	opts DialOptions
	log  *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine
	typing  map[string]*TypingTracker
	acks    map[string]chan ackResult
	joins   map[string]chan v1.JoinedConversationPayload

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial connects to wsURL and starts the read loop.
func Dial(ctx context.Context, wsURL string, opts DialOptions) (*WSConn, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	h := http.Header{}
	if t := strings.TrimSpace(opts.Token); t != "" {
		h.Set("Authorization", "Bearer "+t)
	}
	if o := strings.TrimSpace(opts.Origin); o != "" {
		h.Set("Origin", o)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, &RemoteError{Status: resp.StatusCode, Code: "unauthorized", Message: "handshake rejected"}
		}
		return nil, fmt.Errorf("chatclient: dial: %w", err)
	}
	if conn.Subprotocol() != v1.Subprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return nil, fmt.Errorf("chatclient: server selected subprotocol %q", conn.Subprotocol())
	}
	conn.SetReadLimit(wsMaxReadBytes)

	c := &WSConn{
		conn:    conn,
		opts:    opts,
		log:     opts.Log,
		engines: make(map[string]*Engine),
		typing:  make(map[string]*TypingTracker),
		acks:    make(map[string]chan ackResult),
		joins:   make(map[string]chan v1.JoinedConversationPayload),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed when the connection ends.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection ended, once Done is closed.
func (c *WSConn) Err() error {
	<-c.done
	return c.closeErr
}

// Close ends the connection.
func (c *WSConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "bye")
	c.shutdown(ErrClosed)
	return err
}

// Attach routes events for e's conversation into e.
func (c *WSConn) Attach(e *Engine) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.engines[e.ConversationID()] = e
	if _, ok := c.typing[e.ConversationID()]; !ok {
		c.typing[e.ConversationID()] = NewTypingTracker(c.opts.TypingExpiry)
	}
}

// Detach stops routing events for conversationID.
func (c *WSConn) Detach(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.engines, conversationID)
	delete(c.typing, conversationID)
}

// Join joins one conversation room and waits for the ack.
func (c *WSConn) Join(ctx context.Context, conversationID string) error {
	ch := make(chan v1.JoinedConversationPayload, 1)
	c.mu.Lock()
	if _, busy := c.joins[conversationID]; busy {
		c.mu.Unlock()
		return errors.New("chatclient: join already in flight for " + conversationID)
	}
	c.joins[conversationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.joins, conversationID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, v1.TypeJoinConversation, v1.ConversationRef{ConversationID: conversationID}); err != nil {
		return err
	}

	select {
	case ack := <-ch:
		if !ack.Success {
			return &RemoteError{Code: ack.Code, Message: ack.Error}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closeErr
	}
}

// Leave leaves a conversation room. The server always accepts.
func (c *WSConn) Leave(ctx context.Context, conversationID string) error {
	return c.write(ctx, v1.TypeLeaveConversation, v1.ConversationRef{ConversationID: conversationID})
}

// SetTyping publishes the caller's typing state.
func (c *WSConn) SetTyping(ctx context.Context, conversationID string, isTyping bool) error {
	return c.write(ctx, v1.TypeTyping, v1.TypingPayload{ConversationID: conversationID, IsTyping: isTyping})
}

// Debouncer returns a TypingDebouncer publishing over this connection.
func (c *WSConn) Debouncer(conversationID string) *TypingDebouncer {
	return NewTypingDebouncer(func(isTyping bool) {
		ctx, cancel := context.WithTimeout(context.Background(), wsTypingTimeout)
		defer cancel()
		if err := c.SetTyping(ctx, conversationID, isTyping); err != nil {
			c.log.Debug("chat.client.typing.fail", "conversation_id", conversationID, "err", err)
		}
	}, DefaultTypingIdle, nil)
}

// Typing returns the users currently typing in conversationID.
func (c *WSConn) Typing(conversationID string) []string {
	c.mu.Lock()
	tr := c.typing[conversationID]
	c.mu.Unlock()
	if tr == nil {
		return nil
	}
	return tr.Typing(time.Now())
}

// MarkRead asks the server to advance the caller's read cursor.
func (c *WSConn) MarkRead(ctx context.Context, conversationID string) error {
	return c.write(ctx, v1.TypeMessageRead, v1.ConversationRef{ConversationID: conversationID})
}

// CreateMessage implements Sender for text and link messages.
func (c *WSConn) CreateMessage(ctx context.Context, conversationID string, d Draft) (v1.Message, error) {
	if len(d.Data) > 0 || hasAttachment(d.Type) {
		return v1.Message{}, ErrAttachmentOverWS
	}
	id, err := ids.NewULID(time.Now())
	if err != nil {
		return v1.Message{}, err
	}
	clientMsgID := "c-" + id

	ch := make(chan ackResult, 1)
	c.mu.Lock()
	c.acks[clientMsgID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.acks, clientMsgID)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, v1.TypeMessageSend, v1.MessageSendPayload{
		ConversationID: conversationID,
		ClientMsgID:    clientMsgID,
		Type:           d.Type,
		Content:        d.Content,
	}); err != nil {
		return v1.Message{}, err
	}

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		return v1.Message{}, ctx.Err()
	case <-c.done:
		return v1.Message{}, c.closeErr
	}
}

func (c *WSConn) write(ctx context.Context, typ string, payload any) error {
	select {
	case <-c.done:
		return c.closeErr
	default:
	}

	env, err := v1.NewEnvelope(typ, "", time.Now().UTC(), payload)
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, b)
}

func (c *WSConn) readLoop() {
	for {
		typ, data, err := c.conn.Read(context.Background())
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("chat.client.frame.bad_json", "err", err)
			continue
		}
		if err := env.Validate(); err != nil {
			c.log.Warn("chat.client.frame.invalid", "type", env.Type, "err", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *WSConn) dispatch(env v1.Envelope) {
	switch env.Type {
	case v1.TypeMessageNew:
		var m v1.Message
		if err := env.Decode(&m); err != nil {
			c.log.Warn("chat.client.frame.decode", "type", env.Type, "err", err)
			return
		}
		c.onMessageNew(m)

	case v1.TypeMessageAck:
		var p v1.MessageAckPayload
		if err := env.Decode(&p); err != nil {
			c.log.Warn("chat.client.frame.decode", "type", env.Type, "err", err)
			return
		}
		c.resolveAck(p.ClientMsgID, ackResult{msg: p.Message})

	case v1.TypeError:
		var p v1.ErrorPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if p.ClientMsgID != "" {
			c.resolveAck(p.ClientMsgID, ackResult{err: &RemoteError{Code: p.Code, Message: p.Message}})
			return
		}
		c.log.Warn("chat.client.server_error", "code", p.Code, "message", p.Message)

	case v1.TypeJoinedConversation:
		var p v1.JoinedConversationPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.mu.Lock()
		ch := c.joins[p.ConversationID]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- p:
			default:
			}
		}

	case v1.TypeMessageRead:
		var p v1.MessageReadPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if e := c.engine(p.ConversationID); e != nil {
			e.ApplyRead(p)
		}

	case v1.TypeTyping:
		var p v1.TypingPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		c.onTyping(p)
	}
}

func (c *WSConn) onMessageNew(m v1.Message) {
	e := c.engine(m.ConversationID)
	if e == nil {
		return
	}
	out := e.ApplyBroadcast(m)

	if m.SenderID != c.opts.SelfID {
		// A message implies its sender stopped typing.
		c.onTyping(v1.TypingPayload{ConversationID: m.ConversationID, UserID: m.SenderID, IsTyping: false})
	}
	if out == OutcomeAppended && c.opts.MarkReadOnReceive && m.SenderID != c.opts.SelfID {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		defer cancel()
		if err := c.MarkRead(ctx, m.ConversationID); err != nil {
			c.log.Debug("chat.client.mark_read.fail", "conversation_id", m.ConversationID, "err", err)
		}
	}
}

func (c *WSConn) onTyping(p v1.TypingPayload) {
	c.mu.Lock()
	tr := c.typing[p.ConversationID]
	c.mu.Unlock()
	if tr == nil || p.UserID == "" {
		return
	}
	now := time.Now()
	tr.Set(p.UserID, p.IsTyping, now)
	if c.opts.OnTyping != nil {
		c.opts.OnTyping(p.ConversationID, tr.Typing(now))
	}
}

func (c *WSConn) engine(conversationID string) *Engine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.engines[conversationID]
}

func (c *WSConn) resolveAck(clientMsgID string, res ackResult) {
	c.mu.Lock()
	ch := c.acks[clientMsgID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (c *WSConn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
	})
}
