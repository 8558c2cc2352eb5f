package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestAuthSkipper(t *testing.T) {
	tests := []struct {
		path   string
		public bool
	}{
		{"/health", true},
		{"/health/db", true},
		{"/metrics", true},
		{"/api/v1/patients/:id/risk", false},
		{"/api/v1/integrate/lab-result", false},
		{"/health/extra", false},
		{"/", false},
	}
	for _, tt := range tests {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		c.SetPath(tt.path)
		if got := AuthSkipper(c); got != tt.public {
			t.Errorf("AuthSkipper(%s) = %v, want %v", tt.path, got, tt.public)
		}
		if got := IsPublicPath(tt.path); got != tt.public {
			t.Errorf("IsPublicPath(%s) = %v, want %v", tt.path, got, tt.public)
		}
	}
}

func TestJWTMiddleware_SkipsPublicPaths(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), httptest.NewRecorder())
	c.SetPath("/health")

	called := false
	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	if err != nil || !called {
		t.Errorf("expected public path to pass without token, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/patients/1/risk", nil), httptest.NewRecorder())
	c.SetPath("/api/v1/patients/:id/risk")
	err = JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Skipper: AuthSkipper})(func(c echo.Context) error {
		return nil
	})(c)
	expectStatus(t, err, http.StatusUnauthorized)
}
