package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otaforge/otaforge/control_plane/artifacts"
	"github.com/otaforge/otaforge/control_plane/deployment"
	"github.com/otaforge/otaforge/control_plane/store"
	"github.com/otaforge/otaforge/control_plane/streaming"
	"github.com/otaforge/otaforge/control_plane/tokens"
)

const testSHA1 = "0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33"

type staticGateway struct {
	sha1 string
	data []byte
}

type readerSource struct{ *bytes.Reader }

func (readerSource) Close() error { return nil }

func (g *staticGateway) Open(ctx context.Context, sha1 string) (artifacts.ByteSource, int64, error) {
	if sha1 != g.sha1 {
		return nil, 0, artifacts.ErrNotFound
	}
	return readerSource{bytes.NewReader(g.data)}, int64(len(g.data)), nil
}

func downloadFixture(t *testing.T) (http.Handler, tokens.Cache) {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutArtifact(&store.ArtifactMeta{
		SHA1:           testSHA1,
		Tenant:         "t1",
		ModuleID:       "m1",
		Filename:       "firmware.bin",
		Size:           11,
		LastModifiedAt: time.Now(),
	})

	cache := tokens.NewMemoryCache(time.Minute)
	gateway := &staticGateway{sha1: testSHA1, data: []byte("hello world")}
	controller := deployment.NewController(s, streaming.NewLogPublisher())
	downloads := NewDownloadServer(s, cache, gateway, controller)

	r := chi.NewRouter()
	r.Get("/api/v1/downloadserver/downloadId/{downloadId}", downloads.handleDownload)
	return r, cache
}

func issueToken(t *testing.T, cache tokens.Cache, token string) {
	t.Helper()
	err := cache.Put(context.Background(), token, tokens.Descriptor{
		Mode:     tokens.BySHA1,
		Key:      testSHA1,
		Tenant:   "t1",
		DeviceID: "dev-1",
		ActionID: "a1",
		IssuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("token seed failed: %v", err)
	}
}

func TestDownloadWithValidToken(t *testing.T) {
	handler, cache := downloadFixture(t)
	issueToken(t, cache, "tok-1")

	r := httptest.NewRequest(http.MethodGet, "/api/v1/downloadserver/downloadId/tok-1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", w.Code)
	}
	if w.Body.String() != "hello world" {
		t.Errorf("body = %q", w.Body.String())
	}
	if got := w.Header().Get("ETag"); got != testSHA1 {
		t.Errorf("ETag = %q", got)
	}
}

func TestDownloadRangeRequest(t *testing.T) {
	handler, cache := downloadFixture(t)
	issueToken(t, cache, "tok-1")

	r := httptest.NewRequest(http.MethodGet, "/api/v1/downloadserver/downloadId/tok-1", nil)
	r.Header.Set("Range", "bytes=6-10")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusPartialContent {
		t.Fatalf("got %d, want 206", w.Code)
	}
	if w.Body.String() != "world" {
		t.Errorf("body = %q", w.Body.String())
	}
	if got := w.Header().Get("Content-Range"); got != "bytes 6-10/11" {
		t.Errorf("Content-Range = %q", got)
	}
}

func TestDownloadTokenIsReusable(t *testing.T) {
	handler, cache := downloadFixture(t)
	issueToken(t, cache, "tok-1")

	for i := 0; i < 2; i++ {
		r := httptest.NewRequest(http.MethodGet, "/api/v1/downloadserver/downloadId/tok-1", nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: got %d, want 200", i, w.Code)
		}
	}
}

func TestDownloadUnknownToken(t *testing.T) {
	handler, _ := downloadFixture(t)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/downloadserver/downloadId/ghost", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestDownloadExpiredToken(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutArtifact(&store.ArtifactMeta{SHA1: testSHA1, Tenant: "t1", ModuleID: "m1", Filename: "firmware.bin", Size: 11})

	cache := tokens.NewMemoryCache(time.Nanosecond)
	gateway := &staticGateway{sha1: testSHA1, data: []byte("hello world")}
	downloads := NewDownloadServer(s, cache, gateway, deployment.NewController(s, streaming.NewLogPublisher()))

	router := chi.NewRouter()
	router.Get("/api/v1/downloadserver/downloadId/{downloadId}", downloads.handleDownload)

	cache.Put(context.Background(), "tok-1", tokens.Descriptor{Key: testSHA1, Tenant: "t1"})
	time.Sleep(time.Millisecond)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/downloadserver/downloadId/tok-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", w.Code)
	}
}

func TestDownloadUnsatisfiableRange(t *testing.T) {
	handler, cache := downloadFixture(t)
	issueToken(t, cache, "tok-1")

	r := httptest.NewRequest(http.MethodGet, "/api/v1/downloadserver/downloadId/tok-1", nil)
	r.Header.Set("Range", "bytes=20-30")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("got %d, want 416", w.Code)
	}
	if got := w.Header().Get("Content-Range"); got != "bytes */11" {
		t.Errorf("Content-Range = %q", got)
	}
}
