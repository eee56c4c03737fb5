package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aspen/pkg/appcontext"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/pipeline"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestErrorMapsErrorClasses(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "validation error is a bad request",
			err:        errs.NewValidationError("collection", "bad;name", "must match the collection pattern"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "configuration error is a bad request",
			err:        errs.NewConfigurationError("scoring weights", "at least one field weight is required"),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "run conflict is a conflict",
			err:        fmt.Errorf("%w: customers", pipeline.ErrRunConflict),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "http errors keep their status",
			err:        httperror.NewHTTPError(http.StatusNotFound, "run not found"),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "unknown errors stay internal",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.HTTPErrorHandler = Error(testLogger())
			e.Use(Context())
			e.GET("/boom", func(_ echo.Context) error { return tt.err })

			req := httptest.NewRequest(http.MethodGet, "/boom", nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.NotEmpty(t, resp.Message)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestContextSeedsRequestID(t *testing.T) {
	e := echo.New()
	e.Use(Context())
	e.GET("/ok", func(c echo.Context) error {
		return c.String(http.StatusOK, appcontext.GetRequestID(c.Request().Context()))
	})

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-42")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Body.String())
}
