package sales

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/apotheca-erp/apotheca/internal/platform/httpx"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Handler wires HTTP endpoints for sales.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers sales routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sales", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{saleID}", h.get)
		r.Put("/{saleID}", h.update)
		r.Delete("/{saleID}", h.delete)
	})
}

type salePageResponse struct {
	Sales      []Sale `json:"sales"`
	NextCursor string `json:"next_cursor,omitempty"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	filter := ListFilter{TenantID: p.TenantID}
	filter.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	cursor, err := shared.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if cursor != nil {
		filter.Before = &SaleCursor{CreatedAt: cursor.CreatedAt, ID: cursor.ID}
	}
	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list sales", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := salePageResponse{Sales: page.Sales}
	if resp.Sales == nil {
		resp.Sales = []Sale{}
	}
	if page.Next != nil {
		resp.NextCursor = shared.Cursor{CreatedAt: page.Next.CreatedAt, ID: page.Next.ID}.Encode()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req CreateSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sale, err := h.service.Create(r.Context(), CreateInput{
		TenantID:       p.TenantID,
		ActorID:        p.ActorRef(),
		SoldAt:         deref(req.SoldAt),
		Note:           req.Note,
		Lines:          req.Lines,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Warn("create sale", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, sale)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.URLParamUUID(r, "saleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sale, err := h.service.Get(r.Context(), p.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.URLParamUUID(r, "saleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req UpdateSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	sale, err := h.service.Update(r.Context(), UpdateInput{
		TenantID: p.TenantID,
		SaleID:   id,
		ActorID:  p.ActorRef(),
		SoldAt:   deref(req.SoldAt),
		Note:     req.Note,
		Lines:    req.Lines,
	})
	if err != nil {
		h.logger.Warn("update sale", slog.Any("error", err), slog.String("sale_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sale)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.URLParamUUID(r, "saleID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), p.TenantID, id, p.ActorRef()); err != nil {
		h.logger.Warn("delete sale", slog.Any("error", err), slog.String("sale_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
