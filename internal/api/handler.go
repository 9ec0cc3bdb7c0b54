// Package api is the HTTP control surface of the coordinator: session
// creation, status, lifecycle control, interventions and document reads.
// The realtime stream is served by the transport package and mounted
// under /ws/{id}.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/errors"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/Iron-Ham/autowriter/internal/machine"
)

// maxBodyBytes bounds a request body. Reference material is the largest
// field a client sends.
const maxBodyBytes = 1 << 20

// Service is the coordinator surface the handlers use.
type Service interface {
	CreateSession(ctx context.Context, objective, reference string) (machine.Snapshot, error)
	Status(id string) (machine.Snapshot, error)
	List() []machine.Snapshot
	Head(id string) uint64
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Intervene(ctx context.Context, id, content string) error
	Document(id string, version *uint64) (contract.Document, error)
}

type handler struct {
	svc    Service
	logger *logging.Logger
}

// NewHandler returns the routed API. stream, if non-nil, serves
// GET /ws/{id}.
func NewHandler(svc Service, stream http.Handler, logger *logging.Logger) http.Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	h := &handler{svc: svc, logger: logger.WithComponent("api")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", h.health)
	mux.HandleFunc("POST /api/sessions", h.createSession)
	mux.HandleFunc("GET /api/sessions", h.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.getSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", h.control(Service.Pause))
	mux.HandleFunc("POST /api/sessions/{id}/resume", h.control(Service.Resume))
	mux.HandleFunc("POST /api/sessions/{id}/restart", h.control(Service.Restart))
	mux.HandleFunc("POST /api/sessions/{id}/interventions", h.intervene)
	mux.HandleFunc("GET /api/sessions/{id}/document", h.document)
	if stream != nil {
		mux.Handle("GET /ws/{id}", stream)
	}

	return chain(mux, h.withLogging, withCORS)
}

type createSessionRequest struct {
	Objective         string `json:"objective"`
	ReferenceMaterial string `json:"reference_material,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
}

type interventionRequest struct {
	Content string `json:"content"`
}

type sessionResponse struct {
	SessionID         string            `json:"session_id"`
	Objective         string            `json:"objective"`
	ReferenceMaterial string            `json:"reference_material,omitempty"`
	Phase             string            `json:"phase"`
	PausedFrom        string            `json:"paused_from,omitempty"`
	Progress          int               `json:"progress"`
	FailedStage       string            `json:"failed_stage,omitempty"`
	Failure           *contract.Failure `json:"failure,omitempty"`
	HeadOffset        uint64            `json:"head_offset"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *handler) toSessionResponse(s machine.Snapshot) sessionResponse {
	return sessionResponse{
		SessionID:         s.ID,
		Objective:         s.Objective,
		ReferenceMaterial: s.ReferenceMaterial,
		Phase:             string(s.Phase),
		PausedFrom:        string(s.PausedFrom),
		Progress:          s.Progress,
		FailedStage:       string(s.FailedStage),
		Failure:           s.Failure,
		HeadOffset:        h.svc.Head(s.ID),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(h.svc.List()),
	})
}

func (h *handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	snap, err := h.svc.CreateSession(r.Context(), req.Objective, req.ReferenceMaterial)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: snap.ID, Phase: string(snap.Phase)})
}

func (h *handler) listSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := h.svc.List()
	out := make([]sessionResponse, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, h.toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *handler) getSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Status(r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.toSessionResponse(snap))
}

// control adapts a lifecycle operation into a handler that answers with
// the session's state after the operation.
func (h *handler) control(op func(svc Service, ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(h.svc, r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		h.getSession(w, r)
	}
}

func (h *handler) intervene(w http.ResponseWriter, r *http.Request) {
	var req interventionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Intervene(r.Context(), r.PathValue("id"), req.Content); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) document(w http.ResponseWriter, r *http.Request) {
	var version *uint64
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.writeError(w, errors.NewValidationError("version must be a non-negative integer").
				WithField("version").WithValue(v))
			return
		}
		version = &n
	}
	doc, err := h.svc.Document(r.PathValue("id"), version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, errors.NewValidationError("invalid JSON body").WithCause(err))
		return false
	}
	return true
}

// statusFor maps an error to its HTTP status and a short machine-readable
// code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, &errors.NotFoundError{}):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errors.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, &errors.TransitionError{}),
		errors.Is(err, errors.ErrSessionTerminal),
		errors.Is(err, errors.ErrNotPaused):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, &errors.AlreadyExistsError{}):
		return http.StatusConflict, "already_exists"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		if errors.GetSeverity(err) <= errors.SeverityWarning {
			h.logger.Warn("request failed", "error", err)
		} else {
			h.logger.Error("request failed", "error", err)
		}
		if !errors.IsUserFacing(err) {
			msg = "internal server error"
		}
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
