package artwork

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestRefSchemes(t *testing.T) {
	r := NewResolver(Options{})
	cases := map[string]bool{
		"":                           false,
		"file:///tmp/cover.png":      true,
		"/tmp/cover.png":             true,
		"https://example.com/a.jpg":  true,
		"http://example.com/a.jpg":   true,
		"data:image/png;base64,AAAA": false,
		"relative/cover.png":         false,
	}
	for raw, ok := range cases {
		if got := r.Ref(raw) != nil; got != ok {
			t.Fatalf("Ref(%q) supported=%t, want %t", raw, got, ok)
		}
	}
}

func TestFileRef(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cover.png")
	if err := os.WriteFile(path, []byte("png bytes"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ref := NewResolver(Options{}).Ref("file://" + path)
	if ref.Key() != "file://"+path {
		t.Fatalf("unexpected key %q", ref.Key())
	}
	rc, err := ref.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "png bytes" {
		t.Fatalf("unexpected data %q", data)
	}

	small := NewResolver(Options{MaxBytes: 3}).Ref("file://" + path)
	if _, err := small.Open(context.Background()); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
}

func TestHTTPRefRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("remote art"))
	}))
	defer srv.Close()

	ref := NewResolver(Options{Timeout: time.Second}).Ref(srv.URL + "/cover.jpg")
	rc, err := ref.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "remote art" {
		t.Fatalf("unexpected body %q", data)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected one retry, got %d calls", calls.Load())
	}
}

func TestHTTPRefNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ref := NewResolver(Options{}).Ref(srv.URL + "/missing.jpg")
	if _, err := ref.Open(context.Background()); err == nil {
		t.Fatalf("expected error for 404")
	}
}
