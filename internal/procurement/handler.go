package procurement

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/apotheca-erp/apotheca/internal/platform/httpx"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

// Handler manages procurement endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/procurement/documents", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Route("/{documentID}", func(r chi.Router) {
			r.Get("/", h.get)
			r.Put("/", h.update)
			r.Delete("/", h.delete)
			r.Post("/status", h.changeStatus)
		})
	})
}

type documentPageResponse struct {
	Documents  []Document `json:"documents"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filter := ListFilter{
		TenantID: p.TenantID,
		Kind:     Kind(strings.ToUpper(q.Get("kind"))),
		Status:   Status(strings.ToUpper(q.Get("status"))),
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	cursor, err := shared.DecodeCursor(q.Get("cursor"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if cursor != nil {
		filter.Before = &DocumentCursor{CreatedAt: cursor.CreatedAt, ID: cursor.ID}
	}
	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list procurement documents", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := documentPageResponse{Documents: page.Documents}
	if resp.Documents == nil {
		resp.Documents = []Document{}
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
	var req CreateDocumentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.Kind = Kind(strings.ToUpper(string(req.Kind)))
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Create(r.Context(), CreateInput{
		TenantID:       p.TenantID,
		ActorID:        p.ActorRef(),
		Kind:           req.Kind,
		SupplierName:   req.SupplierName,
		Note:           req.Note,
		Lines:          req.Lines,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Warn("create procurement document", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.URLParamUUID(r, "documentID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Get(r.Context(), p.TenantID, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.URLParamUUID(r, "documentID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req UpdateDocumentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Update(r.Context(), UpdateInput{
		TenantID:     p.TenantID,
		DocumentID:   id,
		ActorID:      p.ActorRef(),
		SupplierName: req.SupplierName,
		Note:         req.Note,
		Lines:        req.Lines,
	})
	if err != nil {
		h.logger.Warn("update procurement document", slog.Any("error", err), slog.String("document_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.URLParamUUID(r, "documentID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req ChangeStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	req.Status = Status(strings.ToUpper(string(req.Status)))
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.ChangeStatus(r.Context(), StatusInput{
		TenantID:   p.TenantID,
		DocumentID: id,
		ActorID:    p.ActorRef(),
		Status:     req.Status,
	})
	if err != nil {
		h.logger.Warn("change procurement status", slog.Any("error", err), slog.String("document_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	id, err := httpx.URLParamUUID(r, "documentID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), p.TenantID, id, p.ActorRef()); err != nil {
		h.logger.Warn("delete procurement document", slog.Any("error", err), slog.String("document_id", id.String()))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
