package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/apotheca-erp/apotheca/internal/inventory"
	"github.com/apotheca-erp/apotheca/internal/inventory/inventorytest"
	"github.com/apotheca-erp/apotheca/internal/observability"
	"github.com/apotheca-erp/apotheca/internal/shared"
	_ "github.com/apotheca-erp/apotheca/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STRICT_LOT_PARITY", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 5, cfg.SequenceWidth)
	require.Equal(t, "und", cfg.LotCollationLocale)
	require.True(t, cfg.StrictLotParity)
	require.Equal(t, 168*time.Hour, cfg.IdempotencyRetention)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsMissingSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("SEQUENCE_WIDTH", "0")
	_, err = LoadConfig()
	require.Error(t, err)
}

func TestTestModeFollowsEnvironment(t *testing.T) {
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestLoggerHonoursLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "sku", "PCM-500")

	require.NotContains(t, buf.String(), "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "PCM-500", line["sku"])

	require.Equal(t, "INFO", parseLevel(&Config{LogLevel: "nonsense"}).String())
}

func TestAuthenticatorRoundTrip(t *testing.T) {
	auth := NewAuthenticator("s3cret", "apotheca")
	p := shared.Principal{TenantID: uuid.New(), ActorID: uuid.New()}

	token, err := auth.Issue(p, time.Hour)
	require.NoError(t, err)
	got, err := auth.Parse(token)
	require.NoError(t, err)
	require.Equal(t, p, got)

	_, err = NewAuthenticator("other", "apotheca").Parse(token)
	require.Error(t, err)
	_, err = NewAuthenticator("s3cret", "elsewhere").Parse(token)
	require.Error(t, err)

	expired, err := auth.Issue(p, -time.Minute)
	require.NoError(t, err)
	_, err = auth.Parse(expired)
	require.Error(t, err)

	noTenant, err := auth.Issue(shared.Principal{ActorID: uuid.New()}, time.Hour)
	require.NoError(t, err)
	_, err = auth.Parse(noTenant)
	require.Error(t, err)
}

type RouterSuite struct {
	suite.Suite
	auth   *Authenticator
	store  *inventorytest.Store
	tenant uuid.UUID
	router http.Handler
}

func (s *RouterSuite) SetupTest() {
	s.auth = NewAuthenticator("s3cret", "apotheca")
	s.store = inventorytest.NewStore()
	s.tenant = uuid.New()
	stock := inventory.NewService(s.store, nil, nil, inventory.ServiceConfig{}, nil, nil, nil)
	s.router = NewRouter(RouterParams{
		Config:           &Config{AppEnv: "test"},
		Authenticator:    s.auth,
		Metrics:          observability.NewMetrics(),
		InventoryHandler: inventory.NewHandler(nil, stock),
	})
}

func (s *RouterSuite) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *RouterSuite) TestHealthz() {
	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"status":"ok"}`, rec.Body.String())
	s.Equal("nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func (s *RouterSuite) TestAPIRequiresBearerToken() {
	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/inventory/products", nil))
	s.Equal(http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory/products", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	s.Equal(http.StatusUnauthorized, s.do(req).Code)
}

func (s *RouterSuite) TestAPIScopesToTokenTenant() {
	s.store.AddProduct(s.tenant, "Paracetamol 500mg", 12, 3)
	s.store.AddProduct(uuid.New(), "Ibuprofen 200mg", 4, 1)

	token, err := s.auth.Issue(shared.Principal{TenantID: s.tenant, ActorID: uuid.New()}, time.Hour)
	s.Require().NoError(err)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/inventory/products", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec := s.do(req)
	s.Require().Equal(http.StatusOK, rec.Code)
	var products []inventory.Product
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &products))
	s.Require().Len(products, 1)
	s.Equal("Paracetamol 500mg", products[0].Name)

	metrics := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	s.Equal(http.StatusOK, metrics.Code)
	s.True(strings.Contains(metrics.Body.String(), `apotheca_http_requests_total{code="200",route="/api/v1/inventory/products`))
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}
