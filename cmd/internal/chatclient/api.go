package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	v1 "duet/shared/contracts/realtime/v1"
)

const maxResponseBytes = 4 << 20

// API is a REST client for the chat endpoints.
type API struct {
	base  string
	token string
	hc    *http.Client
}

// NewAPI constructs a client for baseURL (scheme and host, no trailing path).
// hc may be nil.
func NewAPI(baseURL, token string, hc *http.Client) *API {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), token: token, hc: hc}
}

// GetOrCreate returns the active conversation with participantID.
func (a *API) GetOrCreate(ctx context.Context, participantID string) (v1.Conversation, error) {
	var out struct {
		Conversation v1.Conversation `json:"conversation"`
	}
	err := a.doJSON(ctx, http.MethodPost, "/api/chats/conversations", map[string]string{"participantId": participantID}, &out)
	return out.Conversation, err
}

// ListConversations returns the caller's active conversations.
func (a *API) ListConversations(ctx context.Context) ([]v1.Conversation, error) {
	var out struct {
		Conversations []v1.Conversation `json:"conversations"`
	}
	err := a.doJSON(ctx, http.MethodGet, "/api/chats/conversations", nil, &out)
	return out.Conversations, err
}

// GetConversation returns one conversation.
func (a *API) GetConversation(ctx context.Context, id string) (v1.Conversation, error) {
	var out struct {
		Conversation v1.Conversation `json:"conversation"`
	}
	err := a.doJSON(ctx, http.MethodGet, "/api/chats/conversations/"+url.PathEscape(id), nil, &out)
	return out.Conversation, err
}

// DeleteConversation tombstones a conversation.
func (a *API) DeleteConversation(ctx context.Context, id string) error {
	return a.doJSON(ctx, http.MethodDelete, "/api/chats/conversations/"+url.PathEscape(id), nil, nil)
}

// ListMessages implements History.
func (a *API) ListMessages(ctx context.Context, conversationID string, limit int, before *time.Time) ([]v1.Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if before != nil {
		q.Set("beforeDate", before.UTC().Format(time.RFC3339Nano))
	}
	path := "/api/chats/conversations/" + url.PathEscape(conversationID) + "/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Messages []v1.Message `json:"messages"`
	}
	err := a.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out.Messages, err
}

// MarkRead advances the caller's read cursor.
func (a *API) MarkRead(ctx context.Context, conversationID string) error {
	return a.doJSON(ctx, http.MethodPatch, "/api/chats/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// Online reports whether userID has a live session.
func (a *API) Online(ctx context.Context, userID string) (bool, error) {
	var out struct {
		Online bool `json:"online"`
	}
	err := a.doJSON(ctx, http.MethodGet, "/api/chats/presence/"+url.PathEscape(userID), nil, &out)
	return out.Online, err
}

// CreateMessage implements Sender. Drafts with Data are sent as multipart.
func (a *API) CreateMessage(ctx context.Context, conversationID string, d Draft) (v1.Message, error) {
	var out struct {
		Message v1.Message `json:"message"`
	}
	if len(d.Data) == 0 {
		body := map[string]string{"conversationId": conversationID, "type": d.Type, "content": d.Content}
		err := a.doJSON(ctx, http.MethodPost, "/api/chats/messages", body, &out)
		return out.Message, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{{"conversationId", conversationID}, {"type", d.Type}, {"content", d.Content}}
	for _, f := range fields {
		if f[1] == "" {
			continue
		}
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return v1.Message{}, err
		}
	}
	fw, err := mw.CreateFormFile("file", d.FileName)
	if err != nil {
		return v1.Message{}, err
	}
	if _, err := fw.Write(d.Data); err != nil {
		return v1.Message{}, err
	}
	if err := mw.Close(); err != nil {
		return v1.Message{}, err
	}

	req, err := a.newRequest(ctx, http.MethodPost, "/api/chats/messages", &buf)
	if err != nil {
		return v1.Message{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	err = a.do(req, &out)
	return out.Message, err
}

func (a *API) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := a.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return a.do(req, out)
}

func (a *API) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	return req, nil
}

func (a *API) do(req *http.Request, out any) error {
	resp, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.NewDecoder(body).Decode(&env); err != nil || env.Error.Code == "" {
			return &RemoteError{Status: resp.StatusCode, Code: "http_" + strconv.Itoa(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		return &RemoteError{Status: resp.StatusCode, Code: env.Error.Code, Message: env.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, body)
		return nil
	}
	if err := json.NewDecoder(body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("chatclient: decode %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
