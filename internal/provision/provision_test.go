package provision

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

func TestEnsureModelDownloads(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 20000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "model.ovm")
	if err := EnsureModel(path, srv.URL); err != nil {
		t.Fatalf("EnsureModel failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("model file not written: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("downloaded file differs: got %d bytes, want %d", len(got), len(payload))
	}
	if _, err := os.Stat(path + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial file left behind after successful download")
	}
}

func TestEnsureModelSkipsWhenPresent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "model.ovm")
	if err := os.WriteFile(path, []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := EnsureModel(path, srv.URL); err != nil {
		t.Fatalf("EnsureModel failed: %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("expected zero HTTP requests for cached model, got %d", n)
	}
}

func TestEnsureModelNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "model.ovm")
	err := EnsureModel(path, srv.URL)
	if err == nil {
		t.Fatal("expected DownloadError for 404 response")
	}

	var dlErr *DownloadError
	if !errors.As(err, &dlErr) {
		t.Fatalf("expected *DownloadError, got %T: %v", err, err)
	}
	if dlErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404 in error, got %d", dlErr.StatusCode)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("model file should not exist after failed download")
	}
	if _, err := os.Stat(path + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial file should not exist after failed download")
	}
}
