package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"stb-proxy/work/client"
	"stb-proxy/work/identity"
	"stb-proxy/work/logger"
	"stb-proxy/work/utils"
)

// Errors fatal to a session acquisition. Either aborts the whole refresh;
// a malformed catalog, by contrast, degrades to an empty channel list.
var (
	ErrHandshake         = errors.New("portal handshake failed")
	ErrProfileValidation = errors.New("portal profile validation failed")
)

const jsSuffix = "&JsHttpRequest=1-xml"

// Per-step request deadlines. A hung portal must never block a refresh
// indefinitely; the catalog payload is the largest, so it gets the most time.
const (
	handshakeTimeout = 10 * time.Second
	profileTimeout   = 10 * time.Second
	catalogTimeout   = 15 * time.Second
)

// Session is an authenticated portal session together with the channel
// catalog fetched through it. The embedded client carries the MAC cookie and
// bearer token and is safe for concurrent reuse once the session has been
// published.
type Session struct {
	Client   *client.PortalClient
	Token    string
	Channels []Channel
}

// Acquire runs the full three-step portal protocol: handshake for a bearer
// token, profile validation with the derived device identity, and the
// catalog fetch. The steps run sequentially over one client so the portal
// sees a single consistent device.
func Acquire(ctx context.Context, baseURL, mac, prefix string) (*Session, error) {
	endpoint := baseURL + "/" + prefix + "/server/load.php"
	pc := client.NewPortalClient(mac, baseURL+"/"+prefix+"/c/")

	token, err := handshake(ctx, pc, endpoint)
	if err != nil {
		return nil, err
	}
	pc.SetToken(token)

	if err := validateProfile(ctx, pc, endpoint, mac); err != nil {
		return nil, err
	}

	channels := fetchCatalog(ctx, pc, endpoint)

	logger.Debug("portal session established against %s (%d channels)",
		utils.ObfuscateURL(endpoint), len(channels))

	return &Session{Client: pc, Token: token, Channels: channels}, nil
}

// handshake trades an empty token for a bearer token. Anything short of an
// HTTP success carrying a non-empty js.token fails the acquisition.
func handshake(ctx context.Context, pc *client.PortalClient, endpoint string) (string, error) {
	body, status, err := get(ctx, pc, endpoint+"?action=handshake&type=stb&token="+jsSuffix, handshakeTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: portal returned status %d", ErrHandshake, status)
	}

	var resp handshakeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if resp.Js.Token == "" {
		return "", fmt.Errorf("%w: no token in response", ErrHandshake)
	}

	return resp.Js.Token, nil
}

// validateProfile presents the derived device identity to the portal. The
// response content is discarded; the request exists to establish server-side
// trust in the device before catalog access is permitted. The portal sends
// the primary device ID for both device_id and device_id2, matching what the
// MAG firmware does.
func validateProfile(ctx context.Context, pc *client.PortalClient, endpoint, mac string) error {
	ident := identity.Derive(mac)

	u := endpoint + "?type=stb&action=get_profile" +
		"&sn=" + ident.SerialCut +
		"&device_id=" + ident.DeviceID1 +
		"&device_id2=" + ident.DeviceID1 +
		"&signature=" + ident.Signature +
		jsSuffix

	body, _, err := get(ctx, pc, u, profileTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProfileValidation, err)
	}

	var resp struct {
		Js json.RawMessage `json:"js"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Js == nil {
		return fmt.Errorf("%w: response lacks js wrapper", ErrProfileValidation)
	}

	return nil
}

// fetchCatalog retrieves the full channel list. An empty catalog is a valid,
// if degenerate, state: transport errors and malformed payloads degrade to an
// empty slice instead of failing the acquisition.
func fetchCatalog(ctx context.Context, pc *client.PortalClient, endpoint string) []Channel {
	body, status, err := get(ctx, pc, endpoint+"?type=itv&action=get_all_channels"+jsSuffix, catalogTimeout)
	if err != nil {
		logger.Warn("catalog fetch failed, continuing with empty catalog: %v", err)
		return nil
	}
	if status < 200 || status >= 300 {
		logger.Warn("catalog fetch returned status %d, continuing with empty catalog", status)
		return nil
	}

	var resp catalogResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		logger.Warn("catalog response not parsable, continuing with empty catalog: %v", err)
		return nil
	}

	return resp.Js.Data
}

func get(ctx context.Context, pc *client.PortalClient, url string, timeout time.Duration) ([]byte, int, error) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}

	resp, err := pc.Do(req)
	if err != nil {
		return nil, 0, err
	}

	body, err := client.ReadBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	return body, resp.StatusCode, nil
}
