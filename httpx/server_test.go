package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/common"
)

func TestErrorHandlerTaxonomy(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("record 7: %w", common.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("limit reached: %w", common.ErrConflict), http.StatusConflict},
		{fmt.Errorf("bad payload: %w", common.ErrValidation), http.StatusUnprocessableEntity},
		{fmt.Errorf("stale session: %w", common.ErrUnauthorized), http.StatusUnauthorized},
		{fmt.Errorf("pacs down: %w", common.ErrAssociation), http.StatusServiceUnavailable},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
		{echo.NewHTTPError(http.StatusTeapot, "short and stout"), http.StatusTeapot},
	}

	e := echo.New()
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		ErrorHandler(tt.err, c)

		if rec.Code != tt.code {
			t.Errorf("%v: code = %d, want %d", tt.err, rec.Code, tt.code)
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("%v: body not JSON: %v", tt.err, err)
		}
		if body.Error != http.StatusText(tt.code) {
			t.Errorf("%v: error = %q", tt.err, body.Error)
		}
	}
}

func TestErrorHandlerHeadHasNoBody(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodHead, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	ErrorHandler(fmt.Errorf("missing: %w", common.ErrNotFound), c)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD response carried a body: %q", rec.Body.String())
	}
}
