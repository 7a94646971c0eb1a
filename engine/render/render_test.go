package render

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/slideforge/slideforge/engine/domain"
)

func TestRender_ReturnsPNGBytes(t *testing.T) {
	want := []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			t.Error("expected non-empty request body")
		}
		w.Write(want)
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL, 0)
	got, err := r.Render(context.Background(), "<html></html>", domain.Aspect16x9)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("unexpected bytes: %v", got)
	}
}

func TestRender_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL, 0)
	_, err := r.Render(context.Background(), "<html></html>", domain.Aspect16x9)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRender_UnknownAspectIsError(t *testing.T) {
	r := NewHTTPRenderer("http://example.com", 0)
	_, err := r.Render(context.Background(), "<html></html>", domain.Aspect("9:16"))
	if err == nil {
		t.Fatal("expected error for unknown aspect")
	}
}
