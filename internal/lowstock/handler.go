package lowstock

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apotheca-erp/apotheca/internal/platform/httpx"
)

// Handler exposes the low-stock alert endpoints.
type Handler struct {
	logger *slog.Logger
	dedup  *Deduplicator
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, dedup *Deduplicator) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, dedup: dedup}
}

// MountRoutes registers low-stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/low-stock", func(r chi.Router) {
		r.Get("/", h.status)
		r.Post("/draft", h.createDraft)
		r.Post("/sync", h.sync)
	})
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.dedup.Status(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("low-stock status", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}

func (h *Handler) createDraft(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.dedup.CreateDraft(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Warn("low-stock draft", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) sync(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	st, err := h.dedup.Sync(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Warn("low-stock sync", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, st)
}
