package protocol

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/otaforge/otaforge/control_plane/artifacts"
	"github.com/otaforge/otaforge/control_plane/identity"
	"github.com/otaforge/otaforge/control_plane/observability"
	"github.com/otaforge/otaforge/control_plane/store"
	"github.com/otaforge/otaforge/control_plane/tokens"
)

// downloadPath is the URL path prefix a minted token is embedded under.
const downloadPath = "/api/v1/downloadserver/downloadId/"

// Authenticator answers AUTHENTICATE requests: it validates device
// credentials, checks the device is authorized to download the requested
// artifact, and issues a single-purpose download token.
type Authenticator struct {
	store   store.Store
	tokens  tokens.Cache
	gateway artifacts.Gateway
	baseURL string
}

func NewAuthenticator(s store.Store, cache tokens.Cache, gateway artifacts.Gateway, baseURL string) *Authenticator {
	return &Authenticator{
		store:   s,
		tokens:  cache,
		gateway: gateway,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Authenticate never returns an error: every failure maps to a response
// code in the reply payload, and none is retried here. Unknown artifact
// and unauthorized download share one response so nothing leaks about
// which of the two it was.
func (a *Authenticator) Authenticate(ctx context.Context, token SecurityToken) *DownloadResponse {
	tenant, err := identity.TenantFromContext(ctx)
	if err != nil {
		return &DownloadResponse{ResponseCode: http.StatusInternalServerError, Message: "no tenant context"}
	}

	if !a.checkCredentials(ctx, tenant, token) {
		log.Printf("Login failed for device %s (tenant %s)", token.DeviceID, tenant)
		observability.AuthFailures.WithLabelValues("bad_credentials").Inc()
		return &DownloadResponse{ResponseCode: http.StatusForbidden, Message: "Login failed"}
	}

	meta, err := a.store.FindArtifactBySHA1(ctx, tenant, token.SHA1)
	if err != nil {
		return a.notFound(token.SHA1, err)
	}

	// The device may download this content only while an active action
	// references the module the artifact belongs to. Unauthorized and
	// nonexistent answer alike.
	action, err := a.store.FindActionForDownload(ctx, tenant, token.DeviceID, meta.ModuleID)
	if err != nil {
		return a.notFound(token.SHA1, err)
	}
	log.Printf("Found action %s for download authentication of sha1 %s", action.ActionID, token.SHA1)

	src, size, err := a.gateway.Open(ctx, token.SHA1)
	if err != nil {
		return a.notFound(token.SHA1, err)
	}
	src.Close()

	downloadID := uuid.NewString()
	descriptor := tokens.Descriptor{
		Mode:     tokens.BySHA1,
		Key:      token.SHA1,
		Tenant:   tenant,
		DeviceID: token.DeviceID,
		ActionID: action.ActionID,
		IssuedAt: time.Now(),
	}
	if err := a.tokens.Put(ctx, downloadID, descriptor); err != nil {
		log.Printf("Failed to store download token: %v", err)
		return &DownloadResponse{ResponseCode: http.StatusInternalServerError, Message: "Issuing download token failed"}
	}

	downloadURL, err := a.buildDownloadURL(downloadID)
	if err != nil {
		log.Printf("Failed to build download URL: %v", err)
		return &DownloadResponse{ResponseCode: http.StatusInternalServerError, Message: "Building download URL failed"}
	}

	observability.TokensIssued.Inc()
	return &DownloadResponse{
		ResponseCode: http.StatusOK,
		Artifact: &ArtifactInfo{
			Size:   size,
			Hashes: ArtifactHashes{SHA1: meta.SHA1, MD5: meta.MD5},
		},
		DownloadURL: downloadURL,
	}
}

// checkCredentials compares the presented credential against the stored
// device token in constant time. An unknown device fails the same way as
// a wrong credential.
func (a *Authenticator) checkCredentials(ctx context.Context, tenant string, token SecurityToken) bool {
	if token.DeviceID == "" || token.Credential == "" {
		return false
	}
	device, err := a.store.GetDevice(ctx, tenant, token.DeviceID)
	if err != nil || device.SecurityToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(device.SecurityToken), []byte(token.Credential)) == 1
}

func (a *Authenticator) notFound(sha1 string, err error) *DownloadResponse {
	message := fmt.Sprintf("Artifact with sha1 %s not found", sha1)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, artifacts.ErrNotFound) {
		log.Printf("%s", message)
	} else {
		log.Printf("%s: %v", message, err)
	}
	observability.AuthFailures.WithLabelValues("not_found").Inc()
	return &DownloadResponse{ResponseCode: http.StatusNotFound, Message: message}
}

func (a *Authenticator) buildDownloadURL(downloadID string) (string, error) {
	base, err := url.Parse(a.baseURL)
	if err != nil {
		return "", err
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("download base URL %q has no scheme or host", a.baseURL)
	}
	return base.JoinPath(downloadPath, downloadID).String(), nil
}
