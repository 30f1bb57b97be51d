package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"stb-proxy/work/proxy"
	"stb-proxy/work/resolver"
)

func HandleIndex(p *proxy.PortalProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := p.Catalog(context.Background())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "init_failed", err)
			return
		}
		name, err := p.PortalName(context.Background())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "init_failed", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "IPTV playlist endpoint",
			"portal":   name,
			"channels": len(channels),
			"playlist": proxy.RequestBaseURL(r) + "/playlist.m3u",
		})
	}
}

func HandlePlaylist(p *proxy.PortalProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// GeneratePlaylist writes nothing before the session is fresh, so an
		// error here still has a clean response to work with.
		if err := p.GeneratePlaylist(w, r); err != nil {
			writeError(w, http.StatusServiceUnavailable, "init_failed", err)
		}
	}
}

// HandleLink resolves a channel id to its current stream URL and redirects
// the player to it. Resolution failures map onto the client-facing error
// taxonomy: unknown id 404, empty command 400, exhausted negotiation 502,
// session refresh failure 503.
func HandleLink(p *proxy.PortalProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_channel_id", err)
			return
		}

		link, err := p.ResolveChannel(context.Background(), id)
		switch {
		case err == nil:
			http.Redirect(w, r, link, http.StatusFound)
		case errors.Is(err, proxy.ErrChannelNotFound):
			writeError(w, http.StatusNotFound, "not_found", nil)
		case errors.Is(err, proxy.ErrEmptyCommand):
			writeError(w, http.StatusBadRequest, "no_cmd", nil)
		case errors.Is(err, resolver.ErrLinkUnavailable):
			writeError(w, http.StatusBadGateway, "failed_to_create_link", nil)
		default:
			writeError(w, http.StatusServiceUnavailable, "init_failed", err)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	body := map[string]string{"error": code}
	if err != nil {
		body["details"] = err.Error()
	}
	writeJSON(w, status, body)
}
