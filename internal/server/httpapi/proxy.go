package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/chatgate/internal/common"
	"github.com/dmitrijs2005/chatgate/internal/server/mediacache"
)

const defaultImageType = "image/png"

// handleProxyImage streams an upstream-hosted image using the caller's
// upstream credential, serving from the media cache when one is configured.
func (r *Router) handleProxyImage(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	ref := strings.TrimSpace(req.URL.Query().Get("url"))
	if ref == "" {
		r.writeError(w, req, fmt.Errorf("%w: url is required", common.ErrorValidation))
		return
	}
	userID := getUserID(ctx)

	if r.media != nil {
		item, hit, err := r.media.Get(ctx, userID, ref)
		if err != nil {
			r.logger.Warn(ctx, "media cache read failed", "request_id", getRequestID(ctx), "error", err)
		} else if hit {
			writeImage(w, item.ContentType, item.Body, "HIT")
			return
		}
	}

	creds, err := r.upstreamCreds(ctx)
	if err != nil {
		r.writeError(w, req, err)
		return
	}
	resp, err := r.upstream.Fetch(ctx, creds, ref)
	if err != nil {
		r.writeError(w, req, err)
		return
	}

	contentType := resp.ContentType
	if contentType == "" {
		contentType = defaultImageType
	}

	cacheStatus := "BYPASS"
	if r.media != nil {
		cacheStatus = "MISS"
		if err := r.media.Put(ctx, userID, ref, mediacache.Item{ContentType: contentType, Body: resp.Body}); err != nil {
			r.logger.Warn(ctx, "media cache write failed", "request_id", getRequestID(ctx), "error", err)
		}
	}
	writeImage(w, contentType, resp.Body, cacheStatus)
}

func writeImage(w http.ResponseWriter, contentType string, body []byte, cacheStatus string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "private, max-age=3600")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
