package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apotheca-erp/apotheca/internal/shared"
)

func TestRespondErrorMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("product x: %w", shared.ErrInsufficientLotStock), http.StatusConflict},
		{shared.ErrUnauthorized, http.StatusForbidden},
		{shared.ErrInvalidProduct, http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: qty", shared.ErrValidation), http.StatusBadRequest},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		RespondError(rr, tc.err)
		require.Equal(t, tc.status, rr.Code, tc.err.Error())
		require.Equal(t, tc.status, StatusFor(tc.err))

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Equal(t, tc.status, body.Status)
	}
}

func TestInternalErrorHidesDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("dsn password=secret"))
	require.NotContains(t, rr.Body.String(), "secret")
}

func TestProblemTypeDerivedFromTitle(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, fmt.Errorf("lot L1: %w", shared.ErrLotCollision))
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "urn:apotheca:problem:lot-collision", body.Type)
	require.Equal(t, "Lot Collision", body.Title)
	require.Contains(t, body.Detail, "lot L1")
}
