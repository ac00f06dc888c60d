package inventory

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

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/products", func(r chi.Router) {
		r.Get("/", h.listProducts)
		r.Post("/", h.createProduct)
		r.Route("/{productID}", func(r chi.Router) {
			r.Get("/", h.getProduct)
			r.Put("/stock", h.setStock)
			r.Post("/adjustments", h.adjustStock)
			r.Get("/lots", h.listLots)
			r.Get("/lots/{code}/trace", h.traceLot)
		})
	})
	r.Get("/movements", h.listMovements)
	r.Get("/parity", h.checkParity)
}

// CreateProductRequest is the payload of POST /products.
type CreateProductRequest struct {
	Name              string `json:"name" validate:"required,max=200"`
	OpeningStock      int    `json:"opening_stock" validate:"gte=0"`
	LowStockThreshold int    `json:"low_stock_threshold" validate:"gte=0"`
}

// SetStockRequest is the payload of PUT /products/{id}/stock.
type SetStockRequest struct {
	Quantity int    `json:"quantity" validate:"gte=0"`
	Reason   string `json:"reason" validate:"max=500"`
}

// AdjustStockRequest is the payload of POST /products/{id}/adjustments.
type AdjustStockRequest struct {
	Delta  int    `json:"delta" validate:"ne=0"`
	Reason string `json:"reason" validate:"required,max=500"`
}

type movementPageResponse struct {
	Movements  []Movement `json:"movements"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	products, err := h.service.ListProducts(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("list products", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, products)
}

func (h *Handler) createProduct(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req CreateProductRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	product, err := h.service.CreateProduct(r.Context(), CreateProductInput{
		TenantID:          p.TenantID,
		Name:              req.Name,
		OpeningStock:      req.OpeningStock,
		LowStockThreshold: req.LowStockThreshold,
		ActorID:           p.ActorRef(),
	})
	if err != nil {
		h.logger.Error("create product", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, product)
}

func (h *Handler) getProduct(w http.ResponseWriter, r *http.Request) {
	p, productID, ok := h.productScope(w, r)
	if !ok {
		return
	}
	product, err := h.service.GetProduct(r.Context(), p.TenantID, productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) setStock(w http.ResponseWriter, r *http.Request) {
	p, productID, ok := h.productScope(w, r)
	if !ok {
		return
	}
	var req SetStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	product, err := h.service.SetStock(r.Context(), SetStockInput{
		TenantID:  p.TenantID,
		ProductID: productID,
		Quantity:  req.Quantity,
		Reason:    req.Reason,
		ActorID:   p.ActorRef(),
	})
	if err != nil {
		h.logger.Error("set stock", slog.Any("error", err), slog.String("product_id", productID.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	p, productID, ok := h.productScope(w, r)
	if !ok {
		return
	}
	var req AdjustStockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(h.validate, req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	product, err := h.service.AdjustStock(r.Context(), AdjustmentInput{
		TenantID:       p.TenantID,
		ProductID:      productID,
		Delta:          req.Delta,
		Reason:         req.Reason,
		ActorID:        p.ActorRef(),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Error("adjust stock", slog.Any("error", err), slog.String("product_id", productID.String()))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, product)
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	p, productID, ok := h.productScope(w, r)
	if !ok {
		return
	}
	includeEmpty, _ := strconv.ParseBool(r.URL.Query().Get("include_empty"))
	lots, err := h.service.ListLots(r.Context(), p.TenantID, productID, includeEmpty)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) traceLot(w http.ResponseWriter, r *http.Request) {
	p, productID, ok := h.productScope(w, r)
	if !ok {
		return
	}
	trace, err := h.service.TraceLot(r.Context(), p.TenantID, productID, chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, trace)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	q := r.URL.Query()
	filter := MovementFilter{
		TenantID: p.TenantID,
		SourceID: q.Get("source_id"),
		LotCode:  q.Get("lot_code"),
	}
	if raw := q.Get("product_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.RespondError(w, shared.ErrValidation)
			return
		}
		filter.ProductID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	cursor, err := shared.DecodeCursor(q.Get("cursor"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if cursor != nil {
		filter.After = &MovementCursor{CreatedAt: cursor.CreatedAt, ID: cursor.ID}
	}
	page, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		h.logger.Error("list movements", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	resp := movementPageResponse{Movements: page.Movements}
	if resp.Movements == nil {
		resp.Movements = []Movement{}
	}
	if page.Next != nil {
		resp.NextCursor = shared.Cursor{CreatedAt: page.Next.CreatedAt, ID: page.Next.ID}.Encode()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) checkParity(w http.ResponseWriter, r *http.Request) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.CheckParity(r.Context(), p.TenantID)
	if err != nil {
		h.logger.Error("check parity", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if out == nil {
		out = []Divergence{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"divergences": out})
}

func (h *Handler) productScope(w http.ResponseWriter, r *http.Request) (shared.Principal, uuid.UUID, bool) {
	p, err := httpx.Principal(r)
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Principal{}, uuid.Nil, false
	}
	productID, err := httpx.URLParamUUID(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return shared.Principal{}, uuid.Nil, false
	}
	return p, productID, true
}
