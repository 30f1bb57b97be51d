package client

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Header values emulating a MAG set-top box. Stalker portals fingerprint
// their clients, so these have to match what a real box sends.
const (
	stbUserAgent  = "Mozilla/5.0 (QtEmbedded; U; Linux; C) AppleWebKit/533.3 (KHTML, like Gecko) MAG200 stbapp ver: 2 rev: 250 Safari/533.3"
	stbModelAgent = "Model: MAG250; Link: WiFi"
)

// PortalClient wraps http.Client and stamps every outbound request with the
// set-top-box header set, the MAC cookie and, once the handshake has
// completed, the bearer token. One PortalClient represents one portal
// session: the cookie and token never change after the session is published
// to the cache, so concurrent use needs no locking.
type PortalClient struct {
	Client  *http.Client
	mac     string
	referer string
	token   string
}

// NewPortalClient creates a client bound to a device MAC and a portal
// referer URL. Per-request deadlines come from the request context, so the
// client itself carries no overall timeout.
func NewPortalClient(mac, referer string) *PortalClient {
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			DisableCompression:    true, // Accept-Encoding is set by hand below
		},
	}

	return &PortalClient{
		Client:  client,
		mac:     mac,
		referer: referer,
	}
}

// SetToken installs the bearer token obtained from the portal handshake.
// Must only be called during session acquisition, before the client is
// shared with request handlers.
func (pc *PortalClient) SetToken(token string) {
	pc.token = token
}

// Token returns the bearer token of this session, empty before handshake.
func (pc *PortalClient) Token() string {
	return pc.token
}

func (pc *PortalClient) Do(req *http.Request) (*http.Response, error) {
	pc.setHeaders(req)
	return pc.Client.Do(req)
}

func (pc *PortalClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", stbUserAgent)
	req.Header.Set("X-User-Agent", stbModelAgent)
	req.Header.Set("Referer", pc.referer)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Connection", "Keep-Alive")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Cookie", "mac="+pc.mac)

	if pc.token != "" {
		req.Header.Set("Authorization", "Bearer "+pc.token)
	}
}

// ReadBody drains and closes the response body, transparently decompressing
// gzip payloads. Needed because the Accept-Encoding header is set manually,
// which disables the transport's automatic decompression.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}

	return io.ReadAll(reader)
}
