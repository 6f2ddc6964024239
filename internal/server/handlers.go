package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/banshohq/bansho/internal/auth"
	"github.com/banshohq/bansho/internal/model"
	"github.com/banshohq/bansho/internal/service/command"
	"github.com/banshohq/bansho/internal/storage"
)

const keepaliveInterval = 15 * time.Second

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	commandSvc          *command.Service
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	CommandSvc          *command.Service
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		commandSvc:          d.CommandSvc,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges a user ID and API key
// for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.UserID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "user_id and api_key are required")
		return
	}

	user, err := h.db.GetUser(r.Context(), req.UserID)
	if err != nil {
		// Constant-time-ish response regardless of whether the user exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user.UserID, user.CanWrite)
	if err != nil {
		h.logger.Error("failed to issue token", "user_id", user.UserID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleCommand handles POST /v1/boards/{board_id}/commands (SSE).
// The response switches to an event stream on the first protocol event;
// failures before that point get a plain JSON status instead.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	boardID, err := uuid.Parse(r.PathValue("board_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid board_id")
		return
	}

	var req model.CommandRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	claims := ClaimsFromContext(r.Context())
	h.streamRun(w, r, func(sink model.EventSink) error {
		return h.commandSvc.Execute(r.Context(), boardID, claims.UserID, req, sink)
	})
}

// HandleResume handles POST /v1/boards/{board_id}/commands/{command_id}/resume (SSE).
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	boardID, err := uuid.Parse(r.PathValue("board_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid board_id")
		return
	}
	commandID, err := uuid.Parse(r.PathValue("command_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid command_id")
		return
	}

	claims := ClaimsFromContext(r.Context())
	h.streamRun(w, r, func(sink model.EventSink) error {
		return h.commandSvc.Resume(r.Context(), boardID, commandID, claims.UserID, sink)
	})
}

// streamRun drives one execute/resume call, opening the SSE stream lazily on
// the first event. An error before any event maps to an HTTP status; an
// error after the stream opened becomes an error event followed by the
// stream's single done.
func (h *Handlers) streamRun(w http.ResponseWriter, r *http.Request, run func(model.EventSink) error) {
	var (
		stream *sseWriter
		opened bool
	)
	stop := make(chan struct{})
	defer close(stop)

	sink := func(ev model.StreamEvent) {
		if !opened {
			s, err := newSSEWriter(w)
			if err != nil {
				return
			}
			stream = s
			opened = true
			go func() {
				ticker := time.NewTicker(keepaliveInterval)
				defer ticker.Stop()
				for {
					select {
					case <-stop:
						return
					case <-ticker.C:
						s.Keepalive()
					}
				}
			}()
		}
		stream.Send(ev)
	}

	err := run(sink)
	if err == nil {
		return
	}

	if !opened {
		h.writeRunError(w, r, err)
		return
	}
	// The stream is live; close it out with error + done.
	stream.Send(model.StreamEvent{Type: model.EventError, Error: &model.ErrorPayload{
		Kind:    model.ErrKindModel,
		Message: "command execution failed",
	}})
	stream.Send(model.StreamEvent{Type: model.EventDone})
	h.logger.Error("command stream failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, command.ErrRunNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, command.ErrInProgress):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already in progress")
	case errors.Is(err, command.ErrForbidden):
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "only the original submitter may resume a run")
	default:
		h.logger.Error("command failed before streaming", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "command execution failed")
	}
}

// HandleGetRun handles GET /v1/boards/{board_id}/runs/{command_id}.
// Stale recovery is applied lazily on this read.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	boardID, err := uuid.Parse(r.PathValue("board_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid board_id")
		return
	}
	commandID, err := uuid.Parse(r.PathValue("command_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid command_id")
		return
	}

	run, err := h.commandSvc.GetRun(r.Context(), boardID, commandID)
	if err != nil {
		if errors.Is(err, command.ErrRunNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("failed to get run", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "ok"
	status := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "unreachable"
		status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}
