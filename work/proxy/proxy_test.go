package proxy_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stb-proxy/work/cache"
	"stb-proxy/work/config"
	"stb-proxy/work/deadlinks"
	"stb-proxy/work/handlers"
	"stb-proxy/work/logger"
	"stb-proxy/work/proxy"
	"stb-proxy/work/resolver"
)

// upstreamPortal fakes a full stalker portal: handshake, profile, a small
// catalog and link negotiation.
func upstreamPortal(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "handshake":
			fmt.Fprint(w, `{"js":{"token":"T1"}}`)
		case "get_profile":
			fmt.Fprint(w, `{"js":{}}`)
		case "get_all_channels":
			fmt.Fprint(w, `{"js":{"data":[
				{"id":5,"name":"News","logo":"n.png","cmd":"ffrt http://n/play"},
				{"id":6,"name":"Movies","logo":"","cmd":"ffmpeg http://d/play"},
				{"id":7,"name":"Broken","logo":"","cmd":"   "}
			]}}`)
		case "create_link":
			fmt.Fprint(w, `{"js":{"cmd":"ffrt http://n/play"}}`)
		default:
			t.Errorf("unexpected action %q", r.URL.Query().Get("action"))
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	}))
}

func newTestProxy(t *testing.T, portalURL string) *proxy.PortalProxy {
	cfg := &config.Config{
		PortalURL:      portalURL,
		PortalMAC:      "00:1A:79:AB:CD:EF",
		PortalType:     "1",
		CacheTTL:       time.Hour,
		LinkRetries:    3,
		LinkRetryDelay: time.Millisecond,
	}

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	dead := deadlinks.New()
	return proxy.New(cfg, logger.Default(), cache.New(cfg), resolver.New(cfg, dead), dead, nil, pool)
}

func TestPlaylistGeneration(t *testing.T) {
	srv := upstreamPortal(t)
	defer srv.Close()

	p := newTestProxy(t, srv.URL)

	req := httptest.NewRequest("GET", "http://proxy.local/playlist.m3u", nil)
	rr := httptest.NewRecorder()
	handlers.HandlePlaylist(p)(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/x-mpegurl", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, "#EXTM3U\n")
	// Entries point back at this proxy, not at the portal.
	assert.Contains(t, body, ",News\nhttp://proxy.local/getlink/5\n")
	assert.Contains(t, body, ",Movies\nhttp://proxy.local/getlink/6\n")
	// The stalker_portal variant serves logos from a fixed path under the portal.
	assert.Contains(t, body, `tvg-logo="`+srv.URL+`/stalker_portal/misc/logos/320/n.png"`)
}

func TestPlaylistHonorsForwardedProto(t *testing.T) {
	srv := upstreamPortal(t)
	defer srv.Close()

	p := newTestProxy(t, srv.URL)

	req := httptest.NewRequest("GET", "http://proxy.local/playlist.m3u", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rr := httptest.NewRecorder()
	handlers.HandlePlaylist(p)(rr, req)

	assert.Contains(t, rr.Body.String(), "https://proxy.local/getlink/5")
}

func TestLinkHandlerRedirects(t *testing.T) {
	srv := upstreamPortal(t)
	defer srv.Close()

	p := newTestProxy(t, srv.URL)
	router := mux.NewRouter()
	router.HandleFunc("/getlink/{id:[0-9]+}", handlers.HandleLink(p))

	tests := []struct {
		name     string
		path     string
		status   int
		location string
		errCode  string
	}{
		{"negotiated link", "/getlink/5", http.StatusFound, "http://n/play", ""},
		{"direct link", "/getlink/6", http.StatusFound, "http://d/play", ""},
		{"blank command", "/getlink/7", http.StatusBadRequest, "", "no_cmd"},
		{"unknown channel", "/getlink/999", http.StatusNotFound, "", "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "http://proxy.local"+tt.path, nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			if tt.location != "" {
				assert.Equal(t, tt.location, rr.Header().Get("Location"))
			}
			if tt.errCode != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
				assert.Equal(t, tt.errCode, body["error"])
			}
		})
	}
}

func TestIndexAdvertisesPlaylist(t *testing.T) {
	srv := upstreamPortal(t)
	defer srv.Close()

	p := newTestProxy(t, srv.URL)

	req := httptest.NewRequest("GET", "http://proxy.local/", nil)
	rr := httptest.NewRecorder()
	handlers.HandleIndex(p)(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "http://proxy.local/playlist.m3u", body["playlist"])
	assert.Equal(t, float64(3), body["channels"])
	assert.NotEmpty(t, body["portal"])
}

func TestHandlersReportPortalOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newTestProxy(t, srv.URL)

	req := httptest.NewRequest("GET", "http://proxy.local/playlist.m3u", nil)
	rr := httptest.NewRecorder()
	handlers.HandlePlaylist(p)(rr, req)

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "init_failed", body["error"])
}

func TestResolveChannelErrors(t *testing.T) {
	srv := upstreamPortal(t)
	defer srv.Close()

	p := newTestProxy(t, srv.URL)

	_, err := p.ResolveChannel(context.Background(), 999)
	assert.ErrorIs(t, err, proxy.ErrChannelNotFound)

	_, err = p.ResolveChannel(context.Background(), 7)
	assert.ErrorIs(t, err, proxy.ErrEmptyCommand)

	link, err := p.ResolveChannel(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, "http://d/play", link)
}

func TestCatalogSharedAcrossRequests(t *testing.T) {
	var handshakes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "handshake":
			handshakes++
			fmt.Fprint(w, `{"js":{"token":"T1"}}`)
		case "get_profile":
			fmt.Fprint(w, `{"js":{}}`)
		case "get_all_channels":
			fmt.Fprint(w, `{"js":{"data":[{"id":1,"name":"One","cmd":"ffmpeg http://u/1"}]}}`)
		}
	}))
	defer srv.Close()

	p := newTestProxy(t, srv.URL)

	for i := 0; i < 5; i++ {
		channels, err := p.Catalog(context.Background())
		require.NoError(t, err)
		assert.Len(t, channels, 1)
	}
	assert.Equal(t, 1, handshakes, "repeated catalog reads share one session")
}
