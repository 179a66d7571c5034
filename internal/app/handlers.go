package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/livevox/internal/history"
	"github.com/MrWong99/livevox/internal/observe"
	"github.com/MrWong99/livevox/internal/resilience"
	"github.com/MrWong99/livevox/internal/session"
	"github.com/MrWong99/livevox/internal/transcript"
	"github.com/MrWong99/livevox/pkg/audio"
	"github.com/MrWong99/livevox/pkg/provider/live"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200

	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 5 * time.Second
)

// routes builds the control-plane mux.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/session", a.handleStatus)
	mux.HandleFunc("POST /api/session/start", a.handleStart)
	mux.HandleFunc("POST /api/session/stop", a.handleStop)
	mux.HandleFunc("GET /api/session/events", a.handleEvents)
	mux.HandleFunc("POST /api/credential", a.handleCredential)
	mux.HandleFunc("GET /api/history", a.handleHistoryList)
	mux.HandleFunc("GET /api/history/{id}", a.handleHistoryGet)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	a.health.Register(mux)
	return mux
}

// ─── Session ─────────────────────────────────────────────────────────────────

// statusResponse is the body of GET /api/session and of successful start and
// stop requests.
type statusResponse struct {
	SessionID       string                   `json:"session_id,omitempty"`
	State           session.State            `json:"state"`
	NeedsCredential bool                     `json:"needs_credential"`
	Message         string                   `json:"message,omitempty"`
	Transcript      []transcript.Entry       `json:"transcript"`
	Pending         transcript.Pending       `json:"pending"`
	Transports      []resilience.EntryStatus `json:"transports"`
}

func (a *App) status() statusResponse {
	st := a.ctrl.State()
	entries := a.ctrl.Transcript()
	if entries == nil {
		entries = []transcript.Entry{}
	}
	return statusResponse{
		SessionID:       a.ctrl.SessionID(),
		State:           st,
		NeedsCredential: st.NeedsCredential(),
		Message:         st.Message(),
		Transcript:      entries,
		Pending:         a.ctrl.Pending(),
		Transports:      a.transportChain().Status(),
	}
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.status())
}

// startRequest optionally overrides the voice and system instruction. The
// override sticks for later sessions until the next config reload.
type startRequest struct {
	Voice             string `json:"voice"`
	SystemInstruction string `json:"system_instruction"`
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Voice != "" || req.SystemInstruction != "" {
		lc := a.ctrl.LiveConfig()
		if req.Voice != "" {
			lc.Voice = req.Voice
		}
		if req.SystemInstruction != "" {
			lc.SystemInstruction = req.SystemInstruction
		}
		a.ctrl.SetLiveConfig(lc)
	}

	// The dial outlives a disconnecting client; the controller owns the
	// session from here on.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), startTimeout)
	defer cancel()
	if err := a.ctrl.Start(ctx); err != nil {
		observe.Logger(r.Context()).Warn("session start failed", "err", err)
		res := errorResponse{Error: err.Error()}
		if !errors.Is(err, session.ErrStopping) {
			res.Kind = session.ClassifyFailure(err)
		}
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusAccepted, a.status())
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), stopTimeout)
	defer cancel()
	if err := a.ctrl.Stop(ctx); err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, a.status())
}

// handleEvents streams controller updates as JSON text messages. The first
// message is a snapshot of the current state.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observe.Logger(r.Context()).Debug("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	c := a.hub.add()
	defer a.hub.remove(c)

	// Clients never send; CloseRead handles control frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())

	if err := writeUpdate(ctx, conn, a.snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			_ = conn.Close(c.code, c.reason)
			return
		case u := <-c.updates:
			if err := writeUpdate(ctx, conn, u); err != nil {
				slog.Debug("websocket write failed", "err", err)
				return
			}
		}
	}
}

// snapshot describes the current state as a state update.
func (a *App) snapshot() session.Update {
	st := a.ctrl.State()
	p := a.ctrl.Pending()
	return session.Update{
		Kind:            session.UpdateState,
		SessionID:       a.ctrl.SessionID(),
		State:           st,
		PendingUser:     p.User,
		PendingModel:    p.Model,
		NeedsCredential: st.NeedsCredential(),
		Message:         st.Message(),
	}
}

func writeUpdate(ctx context.Context, conn *websocket.Conn, u session.Update) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, u)
}

// ─── Credential ──────────────────────────────────────────────────────────────

type credentialRequest struct {
	APIKey string `json:"api_key"`
}

func (a *App) handleCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, errors.New("api_key is required"))
		return
	}
	if err := a.SetAPIKey(req.APIKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── History ─────────────────────────────────────────────────────────────────

func (a *App) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("history disabled"))
		return
	}
	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	list, err := a.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []history.Summary{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *App) handleHistoryGet(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("history disabled"))
		return
	}
	rec, err := a.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Error string              `json:"error"`
	Kind  session.FailureKind `json:"kind,omitempty"` // set for failed starts
}

// statusFor maps a Start error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrStopping):
		return http.StatusConflict
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, live.ErrStaleKey):
		return http.StatusUnauthorized
	case errors.Is(err, live.ErrConnection),
		errors.Is(err, resilience.ErrAllFailed),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
