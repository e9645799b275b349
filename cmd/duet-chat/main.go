// Command duet-chat is a terminal client for a duet server. It opens (or
// creates) the conversation with -peer, streams it over the websocket and
// sends each stdin line as a message.
//
// Commands:
//
//	/more            load older messages
//	/retry <tempId>  resend a failed text message
//	/file <path>     upload an image or file
//	/online          show whether the peer is online
//	/quit            leave
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"duet/cmd/internal/chatclient"
	v1 "duet/shared/contracts/realtime/v1"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "duet-chat:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		baseURL = flag.String("base", "http://127.0.0.1:8080", "HTTP base URL of the duet server")
		token   = flag.String("token", os.Getenv("DUET_TOKEN"), "Bearer token; when empty a dev token is requested for -user")
		user    = flag.String("user", "", "User ID (required)")
		name    = flag.String("name", "", "Display name sent with the dev token request")
		peer    = flag.String("peer", "", "User ID of the other participant (required)")
		origin  = flag.String("origin", "", "Origin header for the websocket handshake")
		verbose = flag.Bool("v", false, "Verbose client logging")
	)
	flag.Parse()

	if *user == "" || *peer == "" {
		flag.Usage()
		return errors.New("-user and -peer are required")
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	base := strings.TrimRight(*baseURL, "/")
	hc := &http.Client{Timeout: 30 * time.Second}

	if *token == "" {
		t, err := devToken(ctx, hc, base, *user, *name)
		if err != nil {
			return err
		}
		*token = t
	}

	api := chatclient.NewAPI(base, *token, hc)
	conv, err := api.GetOrCreate(ctx, *peer)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}

	out := &printer{w: os.Stdout, self: *user, peerName: displayName(conv.OtherParticipant)}

	ws, err := chatclient.Dial(ctx, wsURL(base), chatclient.DialOptions{
		Token:             *token,
		Origin:            *origin,
		SelfID:            *user,
		MarkReadOnReceive: true,
		TypingExpiry:      6 * time.Second,
		OnTyping: func(_ string, users []string) {
			out.typing(len(users) > 0)
		},
		Log: log,
	})
	if err != nil {
		return err
	}
	defer ws.Close()

	var engine *chatclient.Engine
	engine, err = chatclient.NewEngine(chatclient.Options{
		ConversationID: conv.ID,
		SelfID:         *user,
		Sender:         routedSender{text: ws, files: api},
		History:        api,
		Log:            log,
		OnChange:       func() { out.render(engine.Entries()) },
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	ws.Attach(engine)
	if err := chatclient.JoinWithRetry(ctx, func(ctx context.Context) error {
		return ws.Join(ctx, conv.ID)
	}); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	if err := engine.LoadInitial(ctx); err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	_ = ws.MarkRead(ctx, conv.ID)

	fmt.Fprintf(os.Stdout, "-- chatting with %s (%s); /quit to leave\n", out.peerName, conv.ID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ws.Done():
			return fmt.Errorf("connection closed: %w", ws.Err())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, line, engine, api, *peer, out); quit {
				_ = ws.Leave(context.Background(), conv.ID)
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, line string, engine *chatclient.Engine, api *chatclient.API, peer string, out *printer) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit":
		return true
	case "/more":
		if !engine.HasMore() {
			out.note("no older messages")
			return false
		}
		n, err := engine.LoadMore(ctx)
		if err != nil {
			out.note("load more failed: " + err.Error())
			return false
		}
		out.note(fmt.Sprintf("loaded %d older messages", n))
		out.redraw(engine.Entries())
	case "/retry":
		if _, err := engine.Retry(ctx, arg); err != nil {
			out.note("retry failed: " + err.Error())
		}
	case "/file":
		data, err := os.ReadFile(arg)
		if err != nil {
			out.note("read file: " + err.Error())
			return false
		}
		if _, err := engine.Send(ctx, chatclient.Draft{FileName: filepath.Base(arg), Data: data}); err != nil {
			out.note("upload failed: " + err.Error())
		}
	case "/online":
		online, err := api.Online(ctx, peer)
		if err != nil {
			out.note("presence lookup failed: " + err.Error())
			return false
		}
		out.note(fmt.Sprintf("%s online: %t", out.peerName, online))
	default:
		if _, err := engine.Send(ctx, chatclient.Draft{Content: line}); err != nil {
			out.note("send failed: " + err.Error())
		}
	}
	return false
}

// routedSender sends text over the socket and attachments over REST.
type routedSender struct {
	text  chatclient.Sender
	files chatclient.Sender
}

func (s routedSender) CreateMessage(ctx context.Context, conversationID string, d chatclient.Draft) (v1.Message, error) {
	if len(d.Data) > 0 {
		return s.files.CreateMessage(ctx, conversationID, d)
	}
	return s.text.CreateMessage(ctx, conversationID, d)
}

// printer writes timeline changes as they happen. Entries are keyed by
// message ID; an entry is printed again only when its status changes.
type printer struct {
	w        io.Writer
	self     string
	peerName string

	mu       sync.Mutex
	seen     map[string]chatclient.Status
	isTyping bool
}

func (p *printer) render(entries []chatclient.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen == nil {
		p.seen = make(map[string]chatclient.Status)
	}
	for _, e := range entries {
		if st, ok := p.seen[e.Message.ID]; ok && st == e.Status {
			continue
		}
		p.seen[e.Message.ID] = e.Status
		fmt.Fprintln(p.w, p.format(e))
	}
}

func (p *printer) redraw(entries []chatclient.Entry) {
	p.mu.Lock()
	p.seen = nil
	p.mu.Unlock()
	fmt.Fprintln(p.w, "-- history --")
	p.render(entries)
}

func (p *printer) format(e chatclient.Entry) string {
	m := e.Message
	who := p.peerName
	if m.SenderID == p.self {
		who = "me"
	}

	body := m.Content
	if m.Type == "image" || m.Type == "file" {
		body = fmt.Sprintf("[%s %s] %s", m.Type, m.FileName, m.Content)
	}

	mark := ""
	switch e.Status {
	case chatclient.StatusPending:
		mark = " …"
	case chatclient.StatusFailed:
		mark = fmt.Sprintf(" (failed: %v; /retry %s)", e.Err, e.TempID)
	default:
		if m.SenderID == p.self && m.Read {
			mark = " ✓✓"
		}
	}
	return fmt.Sprintf("%s %s: %s%s", m.CreatedAt.Local().Format("15:04"), who, body, mark)
}

func (p *printer) typing(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on == p.isTyping {
		return
	}
	p.isTyping = on
	if on {
		fmt.Fprintf(p.w, "-- %s is typing\n", p.peerName)
	}
}

func (p *printer) note(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, "--", s)
}

func displayName(p v1.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + "/ws"
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + "/ws"
	default:
		return "ws://" + base + "/ws"
	}
}

func devToken(ctx context.Context, hc *http.Client, base, userID, name string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID, "name": name})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/dev/tokens", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("dev token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("dev token: status %d (set -token or enable DUET_DEV_TOKENS)", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("dev token: %w", err)
	}
	return out.Token, nil
}
