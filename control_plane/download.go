package main

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/otaforge/otaforge/control_plane/artifacts"
	"github.com/otaforge/otaforge/control_plane/deployment"
	"github.com/otaforge/otaforge/control_plane/observability"
	"github.com/otaforge/otaforge/control_plane/ranges"
	"github.com/otaforge/otaforge/control_plane/store"
	"github.com/otaforge/otaforge/control_plane/tokens"
)

// DownloadServer serves artifact bytes to devices holding a previously
// issued download token. The token is the only credential on this path;
// everything it authorizes was checked when it was minted.
type DownloadServer struct {
	store      store.Store
	tokens     tokens.Cache
	gateway    artifacts.Gateway
	controller *deployment.Controller
}

func NewDownloadServer(s store.Store, cache tokens.Cache, gateway artifacts.Gateway, controller *deployment.Controller) *DownloadServer {
	return &DownloadServer{
		store:      s,
		tokens:     cache,
		gateway:    gateway,
		controller: controller,
	}
}

// handleDownload answers GET /api/v1/downloadserver/downloadId/{downloadId}.
// Unknown and expired tokens get the same 404; nothing on this endpoint
// reveals whether a token ever existed.
func (d *DownloadServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	downloadID := chi.URLParam(r, "downloadId")

	descriptor, ok, err := d.tokens.Get(ctx, downloadID)
	if err != nil {
		log.Printf("Download token lookup failed: %v", err)
		observability.DownloadFailures.Inc()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Download not found", http.StatusNotFound)
		return
	}

	meta, err := d.store.FindArtifactBySHA1(ctx, descriptor.Tenant, descriptor.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Download not found", http.StatusNotFound)
			return
		}
		log.Printf("Artifact lookup for download failed: %v", err)
		observability.DownloadFailures.Inc()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	src, size, err := d.gateway.Open(ctx, descriptor.Key)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			http.Error(w, "Download not found", http.StatusNotFound)
			return
		}
		log.Printf("Opening artifact %s failed: %v", descriptor.Key, err)
		observability.DownloadFailures.Inc()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	defer src.Close()

	art := ranges.Artifact{
		Filename:     meta.Filename,
		SHA1:         meta.SHA1,
		Size:         size,
		LastModified: meta.LastModifiedAt,
	}
	progress := func(percent int) {
		d.controller.ReportDownloadProgress(ctx, descriptor.Tenant, descriptor.ActionID, percent)
	}

	result, err := ranges.WriteResponse(w, r, art, src, progress)
	if result.Mode == ranges.ModeNotSatisfiable {
		observability.RangeNotSatisfiable.Inc()
	}
	observability.DownloadBytes.Add(float64(result.Bytes))
	if err != nil {
		// Headers are most likely out by now, so there is nothing useful
		// to send the client; the broken body tells it enough.
		log.Printf("Download of %s aborted: %v", meta.Filename, err)
		observability.DownloadFailures.Inc()
		return
	}
	observability.DownloadsServed.WithLabelValues(string(result.Mode)).Inc()
	log.Printf("Served artifact %s (%s, action %s, mode %s)",
		meta.Filename, descriptor.Key, descriptor.ActionID, result.Mode)
}
