package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10M", 10 << 20},
		{"1MB", 1 << 20},
		{"512K", 512 << 10},
		{"64kb", 64 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5K", 1 << 20},
	}

	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func serveBodyLimit(limit string, req *http.Request, h echo.HandlerFunc) *httptest.ResponseRecorder {
	e := newEcho()
	e.POST("/auth/token", h, BodyLimit(limit))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestBodyLimit_AllowsSmallBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"grant_type":"password"}`))
	rec := serveBodyLimit("1K", req, func(c echo.Context) error {
		b, err := io.ReadAll(c.Request().Body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		return c.String(http.StatusOK, string(b))
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"grant_type":"password"}` {
		t.Errorf("body not passed through: %q", rec.Body.String())
	}
}

func TestBodyLimit_RejectsByContentLength(t *testing.T) {
	called := false
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(strings.Repeat("x", 2048)))
	rec := serveBodyLimit("1K", req, func(c echo.Context) error {
		called = true
		return c.NoContent(http.StatusOK)
	})

	if called {
		t.Error("handler must not run for an oversized body")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "1024 bytes") {
		t.Errorf("expected limit in message, got %s", rec.Body.String())
	}
}

func TestBodyLimit_RejectsWhileReading(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(strings.Repeat("x", 2048)))
	req.ContentLength = -1

	var readErr error
	rec := serveBodyLimit("1K", req, func(c echo.Context) error {
		_, readErr = io.ReadAll(c.Request().Body)
		return readErr
	})

	if readErr == nil {
		t.Fatal("expected read error past the limit")
	}
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestBodyLimit_NoBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
	rec := serveBodyLimit("1", req, func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
