// ABOUTME: HTTP ingress that receives adapter updates and hands them to the relay engine
// ABOUTME: Serves /events/remote, /events/local and /health

package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/relaygram/internal/relay"
)

// maxEnvelopeBytes caps an inbound envelope body.
const maxEnvelopeBytes = 1 << 20

// Handler processes decoded events. *relay.Engine satisfies it.
type Handler interface {
	HandleRemote(ctx context.Context, ev relay.Event) error
	HandleLocal(ctx context.Context, ev relay.Event) error
}

// IngressConfig configures an Ingress.
type IngressConfig struct {
	// Token, when set, must be presented as a bearer token by adapters.
	Token string
	// LocalChatID drops local updates from any other chat when set.
	LocalChatID string
	// HandleTimeout bounds one event's processing. Zero means no bound.
	HandleTimeout time.Duration
}

// Ingress is the HTTP entry point for adapter updates.
type Ingress struct {
	handler     Handler
	remoteMedia Fetcher
	localMedia  Fetcher
	cfg         IngressConfig
	logger      *slog.Logger
}

// NewIngress creates an ingress. Media in remote updates is downloaded
// through remoteMedia, media in local updates through localMedia.
func NewIngress(h Handler, remoteMedia, localMedia Fetcher, cfg IngressConfig, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingress{
		handler:     h,
		remoteMedia: remoteMedia,
		localMedia:  localMedia,
		cfg:         cfg,
		logger:      logger.With("component", "ingress"),
	}
}

// Register adds the ingress routes to mux.
func (in *Ingress) Register(mux *http.ServeMux) {
	mux.HandleFunc("/events/remote", in.handleRemote)
	mux.HandleFunc("/events/local", in.handleLocal)
	mux.HandleFunc("/health", in.handleHealth)
}

func (in *Ingress) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (in *Ingress) handleRemote(w http.ResponseWriter, r *http.Request) {
	in.serveEvent(w, r, "remote", in.remoteMedia, in.handler.HandleRemote)
}

func (in *Ingress) handleLocal(w http.ResponseWriter, r *http.Request) {
	in.serveEvent(w, r, "local", in.localMedia, in.handler.HandleLocal)
}

func (in *Ingress) serveEvent(w http.ResponseWriter, r *http.Request, platform string, media Fetcher, handle func(context.Context, relay.Event) error) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !in.authorized(r) {
		sendJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var env Envelope
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEnvelopeBytes)).Decode(&env); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if platform == "local" && in.cfg.LocalChatID != "" && env.ChatID != in.cfg.LocalChatID {
		in.logger.Debug("ignoring update from another chat", "chat_id", env.ChatID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	ev, err := Decode(&env, media)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The adapter disconnecting must not abort a relay halfway through.
	ctx := context.WithoutCancel(r.Context())
	if in.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.cfg.HandleTimeout)
		defer cancel()
	}

	if err := handle(ctx, ev); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		sendJSONError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (in *Ingress) authorized(r *http.Request) bool {
	if in.cfg.Token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(got), []byte(in.cfg.Token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
