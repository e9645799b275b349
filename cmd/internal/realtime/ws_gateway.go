package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"duet/cmd/identity"
	"duet/cmd/internal/chat"
	v1 "duet/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const (
	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// ChatService is the slice of chat.Service the gateway drives.
type ChatService interface {
	GetByID(ctx context.Context, conversationID, requesterID string) (chat.ConversationView, error)
	CreateMessage(ctx context.Context, conversationID, senderID string, d chat.Draft) (chat.SendResult, error)
	MarkLatestRead(ctx context.Context, conversationID, readerID string) (bool, error)
}

// WSGateway is the websocket entrypoint.
//
// It authenticates before the upgrade, then enforces subprotocol selection,
// rate limits and heartbeats, and routes validated envelopes to the chat
// service and the hub. message:new and message:read fanout is produced by
// RoomNotifier, not here.
type WSGateway struct {
	log      *slog.Logger
	hub      *Hub
	presence *Presence
	svc      ChatService
	auth     identity.Provider
	metrics  *Metrics

	devInsecure    bool
	originRequired bool
	allowedOrigins []string
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults tuned by DUET_WS_* variables.
func NewWSGateway(log *slog.Logger, hub *Hub, presence *Presence, svc ChatService, auth identity.Provider, metrics *Metrics) (*WSGateway, error) {
	if svc == nil {
		return nil, errors.New("realtime: nil chat service")
	}
	if auth == nil {
		return nil, errors.New("realtime: nil identity provider")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log, metrics)
	}
	if presence == nil {
		presence = NewPresence(log, nil)
	}

	g := &WSGateway{log: log, hub: hub, presence: presence, svc: svc, auth: auth, metrics: metrics}

	// TLS verification knob for dev; not an origin policy.
	g.devInsecure = envBoolWS("DUET_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("DUET_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("DUET_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept runs its own origin check; derive its patterns from the
	// allowlist so the two layers agree.
	g.originPatterns = deriveOriginPatterns(g.allowedOrigins)

	g.writeTimeout = envDurationWS("DUET_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("DUET_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("DUET_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("DUET_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("DUET_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("DUET_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("DUET_WS_RATE_WINDOW", rateLimitWindow)

	return g, nil
}

// Hub returns the gateway's hub.
func (g *WSGateway) Hub() *Hub { return g.hub }

// Presence returns the gateway's presence registry.
func (g *WSGateway) Presence() *Presence { return g.presence }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection state owned by the read loop goroutine.
type session struct {
	client *Client
	rooms  map[string]struct{}
	typing map[string]struct{}
}

// HandleWS authenticates, upgrades and runs one realtime session.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sessionID, err := NewSessionID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.session.id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	s := &session{
		client: NewClient(claims.UserID, sessionID, g.sendQueueSize),
		rooms:  make(map[string]struct{}),
		typing: make(map[string]struct{}),
	}
	client := s.client

	g.presence.Add(client)
	g.metrics.connOpened()
	g.log.Info("ws.session.start", "session_id", sessionID, "user_id", client.UserID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown may run from the writer or heartbeat goroutine. It only tears
	// down the transport; room and presence cleanup happens after the read loop.
	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sessionID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sessionID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				g.presence.Touch(client)
			}
		}
	}()

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.sendError(client, "bad_json", "invalid JSON", "")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sessionID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now()) {
			g.sendError(client, "rate_limited", "too many events", "")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.sendError(client, "bad_envelope", err.Error(), "")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeJoinConversation:
			g.onJoin(ctx, s, env)
		case v1.TypeLeaveConversation:
			g.onLeave(ctx, s, env)
		case v1.TypeTyping:
			g.onTyping(ctx, s, env)
		case v1.TypeMessageSend:
			g.onMessageSend(ctx, s, env)
		case v1.TypeMessageRead:
			g.onMarkRead(ctx, s, env)
		default:
			g.sendError(client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type), "")
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	g.cleanup(s)

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

func (g *WSGateway) authenticate(r *http.Request) (identity.Claims, error) {
	tok := identity.BearerToken(r.Header.Get("Authorization"))
	if tok == "" {
		tok = identity.BearerToken(r.URL.Query().Get("token"))
	}
	if tok == "" {
		return identity.Claims{}, identity.ErrMissingToken
	}
	return g.auth.Verify(r.Context(), tok)
}

// cleanup stops typing indicators, leaves every room and unregisters the session.
func (g *WSGateway) cleanup(s *session) {
	ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
	defer cancel()

	for convID := range s.typing {
		g.publishTyping(ctx, s.client, convID, false)
	}
	for convID := range s.rooms {
		g.hub.Leave(convID, s.client.SessionID)
	}
	s.typing = nil
	s.rooms = nil

	g.presence.Remove(s.client)
	g.metrics.connClosed()
	g.log.Info("ws.session.end", "session_id", s.client.SessionID, "user_id", s.client.UserID)
}

// ---- handlers ----

func (g *WSGateway) onJoin(ctx context.Context, s *session, env v1.Envelope) {
	var p v1.ConversationRef
	if err := env.Decode(&p); err != nil {
		g.sendError(s.client, "bad_payload", err.Error(), "")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)

	ack := v1.JoinedConversationPayload{ConversationID: convID}
	if convID == "" {
		ack.Error = "conversationId required"
		ack.Code = chat.Code(chat.ErrValidation)
		g.send(s.client, v1.TypeJoinedConversation, ack)
		return
	}

	if _, err := g.svc.GetByID(ctx, convID, s.client.UserID); err != nil {
		ack.Error = chat.PublicMessage(err)
		ack.Code = chat.Code(err)
		g.log.Info("ws.join.denied", "session_id", s.client.SessionID, "conversation_id", convID, "code", ack.Code, "err", err)
		g.send(s.client, v1.TypeJoinedConversation, ack)
		return
	}

	g.hub.Join(convID, s.client)
	s.rooms[convID] = struct{}{}

	ack.Success = true
	g.send(s.client, v1.TypeJoinedConversation, ack)
}

func (g *WSGateway) onLeave(ctx context.Context, s *session, env v1.Envelope) {
	var p v1.ConversationRef
	if err := env.Decode(&p); err != nil {
		g.sendError(s.client, "bad_payload", err.Error(), "")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)

	if _, ok := s.typing[convID]; ok {
		delete(s.typing, convID)
		g.publishTyping(ctx, s.client, convID, false)
	}
	if _, ok := s.rooms[convID]; ok {
		delete(s.rooms, convID)
		g.hub.Leave(convID, s.client.SessionID)
	}

	g.send(s.client, v1.TypeLeftConversation, v1.ConversationRef{ConversationID: convID})
}

func (g *WSGateway) onTyping(ctx context.Context, s *session, env v1.Envelope) {
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		g.sendError(s.client, "bad_payload", err.Error(), "")
		return
	}
	convID := strings.TrimSpace(p.ConversationID)
	if _, ok := s.rooms[convID]; !ok {
		g.sendError(s.client, "not_joined", "join the conversation first", "")
		return
	}

	if p.IsTyping {
		s.typing[convID] = struct{}{}
	} else {
		delete(s.typing, convID)
	}
	g.publishTyping(ctx, s.client, convID, p.IsTyping)
}

func (g *WSGateway) onMessageSend(ctx context.Context, s *session, env v1.Envelope) {
	var p v1.MessageSendPayload
	if err := env.Decode(&p); err != nil {
		g.sendError(s.client, "bad_payload", err.Error(), "")
		return
	}
	clientMsgID := strings.TrimSpace(p.ClientMsgID)
	if clientMsgID == "" {
		g.sendError(s.client, chat.Code(chat.ErrValidation), "clientMsgId required", "")
		return
	}

	typ := chat.MessageType(strings.TrimSpace(p.Type))
	if typ == "" {
		typ = chat.MessageText
	}
	if typ.HasAttachment() {
		g.sendError(s.client, chat.Code(chat.ErrValidation), "attachments are uploaded over HTTP", clientMsgID)
		return
	}

	res, err := g.svc.CreateMessage(ctx, strings.TrimSpace(p.ConversationID), s.client.UserID, chat.Draft{
		Type:    typ,
		Content: p.Content,
	})
	if err != nil {
		code := chat.Code(err)
		if code == "internal" {
			g.log.Error("ws.message.send.fail", "session_id", s.client.SessionID, "conversation_id", p.ConversationID, "err", err)
		}
		g.sendError(s.client, code, chat.PublicMessage(err), clientMsgID)
		return
	}

	g.send(s.client, v1.TypeMessageAck, v1.MessageAckPayload{
		ClientMsgID: clientMsgID,
		Message:     ToWireMessage(res.Message),
	})
}

func (g *WSGateway) onMarkRead(ctx context.Context, s *session, env v1.Envelope) {
	var p v1.ConversationRef
	if err := env.Decode(&p); err != nil {
		g.sendError(s.client, "bad_payload", err.Error(), "")
		return
	}
	if _, err := g.svc.MarkLatestRead(ctx, strings.TrimSpace(p.ConversationID), s.client.UserID); err != nil {
		g.sendError(s.client, chat.Code(err), chat.PublicMessage(err), "")
	}
}

// ---- send helpers ----

func (g *WSGateway) publishTyping(ctx context.Context, c *Client, conversationID string, isTyping bool) {
	env, err := newServerEnvelope(v1.TypeTyping, v1.TypingPayload{
		ConversationID: conversationID,
		UserID:         c.UserID,
		IsTyping:       isTyping,
	})
	if err != nil {
		g.log.Error("ws.encode.fail", "type", v1.TypeTyping, "err", err)
		return
	}
	g.hub.Publish(ctx, conversationID, env, c.SessionID)
}

func (g *WSGateway) send(c *Client, typ string, payload any) {
	env, err := newServerEnvelope(typ, payload)
	if err != nil {
		g.log.Error("ws.encode.fail", "type", typ, "err", err)
		return
	}
	if !c.offer(env) {
		g.metrics.dropped(1)
		g.log.Info("ws.enqueue.drop", "session_id", c.SessionID, "type", typ)
	}
}

func (g *WSGateway) sendError(c *Client, code, msg, clientMsgID string) {
	g.send(c, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg, ClientMsgID: clientMsgID})
}

// ---- envelope IO ----

var errBadJSON = errors.New("realtime: invalid json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)
	for _, a := range g.allowedOrigins {
		switch {
		case a == "*":
			return nil
		case origin == a:
			return nil
		case originHost != "" && originHost == originHostOnly(a):
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
		if s == "" {
			return ""
		}
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// deriveOriginPatterns returns sorted websocket.AcceptOptions.OriginPatterns
// for the allowlist. Accept matches patterns against host:port, so each host
// also gets a any-port pattern.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, 2*len(allowed))
	for _, a := range allowed {
		if a == "*" {
			seen["*"] = struct{}{}
			continue
		}
		if h := originHostOnly(a); h != "" {
			seen[h] = struct{}{}
			seen[h+":*"] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
