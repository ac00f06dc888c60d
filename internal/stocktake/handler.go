package stocktake

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/platform/httpx"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Handler wires HTTP endpoints for stocktakes.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the stocktake handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers stocktake routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/stocktakes", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Post("/start", h.start)
			r.Post("/counts", h.recordCounts)
			r.Post("/finalize", h.finalize)
		})
	})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := h.service.List(r.Context(), p.TenantID, limit)
	if err != nil {
		h.logger.Error("list stocktakes", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if sessions == nil {
		sessions = []Session{}
	}
	httpx.JSON(w, http.StatusOK, sessions)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req CreateSessionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	session, err := h.service.Create(r.Context(), CreateInput{
		TenantID:   p.TenantID,
		ActorID:    p.ActorRef(),
		Note:       req.Note,
		ProductIDs: req.ProductIDs,
	})
	if err != nil {
		h.logger.Warn("create stocktake", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, session)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	session, err := h.service.Get(r.Context(), p.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.sessionScope(w, r)
	if !ok {
		return
	}
	session, err := h.service.Start(r.Context(), p.TenantID, id, p.ActorRef())
	if err != nil {
		h.logger.Warn("start stocktake", slog.Any("error", err), slog.String("session_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) recordCounts(w http.ResponseWriter, r *http.Request) {
	input, ok := h.countsInput(w, r)
	if !ok {
		return
	}
	session, err := h.service.RecordCounts(r.Context(), input)
	if err != nil {
		h.logger.Warn("record stocktake counts", slog.Any("error", err), slog.String("session_id", input.SessionID.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	input, ok := h.countsInput(w, r)
	if !ok {
		return
	}
	result, err := h.service.Finalize(r.Context(), input)
	if err != nil {
		h.logger.Warn("finalize stocktake", slog.Any("error", err), slog.String("session_id", input.SessionID.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) countsInput(w http.ResponseWriter, r *http.Request) (CountsInput, bool) {
	p, id, ok := h.sessionScope(w, r)
	if !ok {
		return CountsInput{}, false
	}
	var req CountsRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return CountsInput{}, false
		}
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return CountsInput{}, false
	}
	return CountsInput{TenantID: p.TenantID, SessionID: id, ActorID: p.ActorRef(), Counts: req.Counts}, true
}

func (h *Handler) sessionScope(w http.ResponseWriter, r *http.Request) (shared.Principal, uuid.UUID, bool) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Principal{}, uuid.Nil, false
	}
	id, err := httpx.URLParamUUID(r, "sessionID")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Principal{}, uuid.Nil, false
	}
	return p, id, true
}
