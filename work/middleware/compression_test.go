package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func playlistHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-mpegurl")
	io.WriteString(w, "#EXTM3U\n#EXTINF:-1,News\nhttp://proxy/getlink/5\n")
}

func TestGzipCompressesWhenAccepted(t *testing.T) {
	req := httptest.NewRequest("GET", "/playlist.m3u", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rr := httptest.NewRecorder()

	Gzip(playlistHandler)(rr, req)

	assert.Equal(t, "gzip", rr.Header().Get("Content-Encoding"))
	assert.Equal(t, "Accept-Encoding", rr.Header().Get("Vary"))

	gz, err := gzip.NewReader(rr.Body)
	require.NoError(t, err)
	defer gz.Close()

	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "#EXTM3U\n"))
}

func TestGzipSkippedWithoutAcceptHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/playlist.m3u", nil)
	rr := httptest.NewRecorder()

	Gzip(playlistHandler)(rr, req)

	assert.Empty(t, rr.Header().Get("Content-Encoding"))
	assert.True(t, strings.HasPrefix(rr.Body.String(), "#EXTM3U\n"))
}
