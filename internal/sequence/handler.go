package sequence

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/apotheca-erp/apotheca/internal/platform/httpx"
)

// Handler exposes sequence maintenance.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers sequence routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/sequences/{kind}/backfill", h.backfill)
}

func (h *Handler) backfill(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	kind, err := ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	written, err := h.service.Backfill(r.Context(), p.TenantID, kind)
	if err != nil {
		h.logger.Error("sequence backfill", slog.Any("error", err), slog.String("kind", kind.Name))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"kind": kind.Name, "written": written})
}
