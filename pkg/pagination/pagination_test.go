package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(query string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/"+query, nil)
	return FromContext(e.NewContext(req, httptest.NewRecorder()))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor("?limit=5&offset=10")
	if p.Limit != 5 || p.Offset != 10 {
		t.Errorf("expected 5/10, got %d/%d", p.Limit, p.Offset)
	}
}

func TestFromContext_Clamping(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"?limit=100000", MaxLimit, 0},
		{"?limit=-3", DefaultLimit, 0},
		{"?limit=abc&offset=xyz", DefaultLimit, 0},
		{"?offset=-7", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := paramsFor(tt.query)
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("%s: expected %d/%d, got %d/%d", tt.query, tt.wantLimit, tt.wantOffset, p.Limit, p.Offset)
		}
	}
}

func TestSlice(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}

	if got := Slice(items, Params{Limit: 2, Offset: 1}); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("unexpected page %v", got)
	}
	if got := Slice(items, Params{Limit: 10, Offset: 3}); len(got) != 2 || got[1] != 5 {
		t.Errorf("unexpected tail page %v", got)
	}
	if got := Slice(items, Params{Limit: 2, Offset: 9}); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil page, got %#v", got)
	}
}

func TestLinks(t *testing.T) {
	p := Params{Limit: 2, Offset: 2}
	links := p.Links("/api/v1/patients/1/episodes", 5)

	if links["next"] != "/api/v1/patients/1/episodes?offset=4&limit=2" {
		t.Errorf("unexpected next link %q", links["next"])
	}
	if links["previous"] != "/api/v1/patients/1/episodes?offset=0&limit=2" {
		t.Errorf("unexpected previous link %q", links["previous"])
	}

	last := Params{Limit: 2, Offset: 4}.Links("/x", 5)
	if _, ok := last["next"]; ok {
		t.Error("last page must not have a next link")
	}
	first := Params{Limit: 2}.Links("/x", 5)
	if _, ok := first["previous"]; ok {
		t.Error("first page must not have a previous link")
	}
}
