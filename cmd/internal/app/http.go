package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"duet/cmd/identity"
	"duet/cmd/internal/chat"
	"duet/cmd/internal/media"
	"duet/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	mediaRoutePrefix = "/media"
	devTokenMaxBytes = 4 << 10
)

func (a *App) registerHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", a.handleReady)

	if a.registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{
			ErrorLog: slogPromLogger{a.log},
		}))
	}

	if a.memMedia != nil {
		mux.HandleFunc("GET "+mediaRoutePrefix+"/{key...}", a.handleMedia)
	}

	if a.cfg.DevTokens && a.issuer != nil {
		mux.HandleFunc("POST /dev/tokens", a.handleDevToken)
	}

	a.api.Register(mux)
	mux.HandleFunc("/ws", a.ws.HandleWS)
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.ReadinessRequireDB && len(a.checks) == 0 {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	var b strings.Builder
	ready := true
	for _, c := range a.checks {
		if err := c.probe(r.Context()); err != nil {
			ready = false
			fmt.Fprintf(&b, "%s: not ready\n", c.name)
			a.log.Info("readyz.not_ready", "dependency", c.name, "err", err)
			continue
		}
		fmt.Fprintf(&b, "%s: ok\n", c.name)
	}
	// An open media breaker degrades attachments only; text chat keeps working.
	if a.guard != nil {
		fmt.Fprintf(&b, "media: %s\n", a.guard.State())
	}

	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(b.String()))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n" + b.String()))
}

func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	obj, err := a.memMedia.Get(r.PathValue("key"))
	if errors.Is(err, media.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		http.Error(w, "media unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

type devTokenRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
}

type devTokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// handleDevToken mints an access token for any user ID. In memory mode it also
// records the display profile so conversation views carry names.
func (a *App) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var req devTokenRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, devTokenMaxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || identity.NormalizeUserID(req.UserID) == "" {
		http.Error(w, "userId required", http.StatusBadRequest)
		return
	}
	req.UserID = identity.NormalizeUserID(req.UserID)

	now := time.Now()
	sid, err := realtime.NewSessionID(now)
	if err != nil {
		http.Error(w, "token unavailable", http.StatusInternalServerError)
		return
	}
	token, exp, err := a.issuer.Issue(req.UserID, sid, now)
	if err != nil {
		a.log.Error("dev_token.issue.fail", "user_id", req.UserID, "err", err)
		http.Error(w, "token unavailable", http.StatusInternalServerError)
		return
	}

	if a.static != nil {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			name = req.UserID
		}
		a.static.Put(chat.Profile{ID: req.UserID, Name: name, Email: identity.NormalizeEmail(req.Email)})
	}

	a.log.Info("dev_token.issued", "user_id", req.UserID, "expires_at", exp)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(devTokenResponse{Token: token, UserID: req.UserID, ExpiresAt: exp})
}

// slogPromLogger adapts slog to promhttp.Logger.
type slogPromLogger struct{ log Logger }

func (l slogPromLogger) Println(v ...any) {
	l.log.Error("metrics.handler.fail", "err", fmt.Sprint(v...))
}
