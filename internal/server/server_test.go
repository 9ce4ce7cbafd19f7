package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type pingHandler struct{ hits int }

func (h *pingHandler) Register(e *echo.Echo) {
	e.GET("/ping", func(c echo.Context) error {
		h.hits++
		return c.String(http.StatusOK, "pong")
	})
}

func TestServerRegistersHandlers(t *testing.T) {
	h := &pingHandler{}
	srv := NewServer(nil, ":0", h, nil)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != "pong" {
		t.Fatalf("body = %q", rec.Body.String())
	}
	if h.hits != 1 {
		t.Fatalf("handler hit %d times", h.hits)
	}
}

func TestServerUnknownRoute(t *testing.T) {
	srv := NewServer(nil, "", &pingHandler{})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}
