package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	jobmetrics "github.com/apotheca-erp/apotheca/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobCollectors(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	require.NoError(t, jobs.Track("inventory:lot-parity").End(nil))

	require.Contains(t, scrape(t, metrics), `apotheca_jobs_total{job="inventory:lot-parity",status="success"} 1`)
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `apotheca_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `apotheca_http_request_duration_seconds_bucket{route="/test"`)
}

func TestMetricsStockObserver(t *testing.T) {
	metrics := NewMetrics()
	var obs inventory.Observer = metrics
	obs.HandleStockChanged(context.Background(), inventory.StockChangedEvent{
		Kind:       inventory.MovementSaleSync,
		ProductIDs: []uuid.UUID{uuid.New(), uuid.New()},
	})
	obs.HandleStockChanged(context.Background(), inventory.StockChangedEvent{Kind: inventory.MovementSaleSync})

	var rec inventory.DivergenceRecorder = metrics
	rec.RecordLotDivergence(3)
	rec.RecordLotDivergence(0)

	body := scrape(t, metrics)
	require.Contains(t, body, `apotheca_stock_changes_total{kind="SALE_SYNC"} 2`)
	require.Contains(t, body, `apotheca_lot_parity_divergences_total 3`)
}
