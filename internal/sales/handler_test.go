package sales

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/sequence"
	"github.com/apotheca-erp/apotheca/internal/shared"
)

func newTestRouter(t *testing.T, tenant uuid.UUID) (http.Handler, *memoryRepo) {
	t.Helper()
	repo := newMemoryRepo()
	stock := inventory.NewService(repo.Store, nil, nil, inventory.ServiceConfig{}, nil, nil, nil)
	svc := NewService(repo, stock, sequence.NewAssigner(5), nil, nil, nil, nil)
	h := NewHandler(nil, svc)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithPrincipal(req.Context(), shared.Principal{TenantID: tenant, ActorID: uuid.New()})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	h.MountRoutes(r)
	return r, repo
}

func TestHandlerCreateSale(t *testing.T) {
	tenant := uuid.New()
	router, repo := newTestRouter(t, tenant)
	product := repo.AddProduct(tenant, "Paracetamol 500mg", 10, 0)
	repo.AddLot(tenant, product.ID, "P1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 10)

	body := `{"lines":[{"product_id":"` + product.ID.String() + `","quantity":4,"unit_price":"2.50"}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sales", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var got Sale
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "SAL-00001", got.Code)
	require.Len(t, got.Allocations, 1)
	require.Equal(t, "P1", got.Allocations[0].LotCode)
	require.Equal(t, 6, repo.Stock(product.ID))
}

func TestHandlerCreateSaleShortfall(t *testing.T) {
	tenant := uuid.New()
	router, repo := newTestRouter(t, tenant)
	product := repo.AddProduct(tenant, "Paracetamol 500mg", 2, 0)
	repo.AddLot(tenant, product.ID, "P1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), 2)

	body := `{"lines":[{"product_id":"` + product.ID.String() + `","quantity":3}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sales", strings.NewReader(body)))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestHandlerRejectsInvalidPayload(t *testing.T) {
	router, _ := newTestRouter(t, uuid.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sales", strings.NewReader(`{"lines":[]}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sales/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDeleteUnknownSale(t *testing.T) {
	router, _ := newTestRouter(t, uuid.New())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodDelete, "/sales/"+uuid.NewString(), nil).WithContext(context.Background())
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
