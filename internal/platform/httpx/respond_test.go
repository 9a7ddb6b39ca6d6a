package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-docflow/internal/shared"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("doc: %w", shared.ErrNotFound), http.StatusNotFound},
		{shared.InvalidReference("store", 3), http.StatusUnprocessableEntity},
		{shared.ErrAlreadyConverted, http.StatusConflict},
		{shared.ErrInvalidStateTransition, http.StatusConflict},
		{shared.ErrAlreadyPaid, http.StatusConflict},
		{shared.ErrConcurrentModification, http.StatusConflict},
		{shared.ErrTimeout, http.StatusGatewayTimeout},
		{shared.Validation("bad"), http.StatusBadRequest},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())

		var body ProblemDetail
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		require.Equal(t, tc.status, body.Status)
	}
}

func TestConcurrentModificationSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, shared.ErrConcurrentModification)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))
}

type sample struct {
	Name string `json:"name" validate:"required"`
}

func TestDecodeValid(t *testing.T) {
	v := validator.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"ok"}`))
	var s sample
	require.NoError(t, DecodeValid(req, v, &s))
	require.Equal(t, "ok", s.Name)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	require.ErrorIs(t, DecodeValid(req, v, &sample{}), shared.ErrValidation)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"unknown":1}`))
	require.ErrorIs(t, DecodeValid(req, v, &sample{}), shared.ErrValidation)
}
