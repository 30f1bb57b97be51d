package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maypok86/otter/v2"
	"go.uber.org/ratelimit"

	"stb-proxy/work/cache"
	"stb-proxy/work/client"
	"stb-proxy/work/config"
	"stb-proxy/work/deadlinks"
	"stb-proxy/work/logger"
	"stb-proxy/work/metrics"
	"stb-proxy/work/portal"
)

// ErrLinkUnavailable is returned when every negotiation attempt for a
// channel has been exhausted. It is local to one channel request: the shared
// session stays valid and the next request retries from scratch.
var ErrLinkUnavailable = errors.New("link unavailable")

const createLinkTimeout = 8 * time.Second

// Resolver turns a channel's raw playback command into a playable stream
// URL. Locally marked commands resolve without touching the network;
// everything else goes through the portal's create_link action with a
// bounded retry budget. Negotiated links are briefly cached per channel so
// rapid re-tunes reuse the last link within its validity window.
type Resolver struct {
	cfg     *config.Config
	limiter ratelimit.Limiter
	links   *otter.Cache[int64, string]
	dead    *deadlinks.Tracker
}

func New(cfg *config.Config, dead *deadlinks.Tracker) *Resolver {
	limiter := ratelimit.NewUnlimited()
	if cfg.PortalRateLimit > 0 {
		limiter = ratelimit.New(cfg.PortalRateLimit)
	}

	var links *otter.Cache[int64, string]
	if cfg.LinkCacheTTL > 0 {
		links = otter.Must(&otter.Options[int64, string]{
			MaximumSize:      4096,
			ExpiryCalculator: otter.ExpiryWriting[int64, string](cfg.LinkCacheTTL),
		})
	}

	return &Resolver{
		cfg:     cfg,
		limiter: limiter,
		links:   links,
		dead:    dead,
	}
}

// Resolve produces a playable URL for the channel using the session held in
// st. Commands carrying the "ffmpeg" marker already name their stream; the
// marker is stripped and the URL returned with zero network calls. Other
// commands lose their "ffrt " prefix, are URL-encoded and negotiated through
// create_link, up to the configured attempt budget with a fixed delay
// between attempts. Exhaustion yields ErrLinkUnavailable, which callers
// treat as "link unavailable", never as fatal.
func (r *Resolver) Resolve(ctx context.Context, st *cache.State, ch portal.Channel) (string, error) {
	cmd := strings.TrimSpace(ch.Cmd)

	if strings.Contains(cmd, "ffmpeg") {
		metrics.LinkResolutions.WithLabelValues("direct").Inc()
		return strings.TrimSpace(strings.ReplaceAll(cmd, "ffmpeg ", "")), nil
	}

	if r.links != nil {
		if link, ok := r.links.GetIfPresent(ch.ID); ok {
			metrics.LinkResolutions.WithLabelValues("cached").Inc()
			return link, nil
		}
	}

	cleaned := strings.ReplaceAll(cmd, "ffrt ", "")
	negotiateURL := st.BaseURL + "/" + st.Prefix + "/server/load.php" +
		"?type=itv&action=create_link&cmd=" + url.QueryEscape(cleaned) + "&JsHttpRequest=1-xml"

	var lastErr error
	for attempt := 0; attempt < r.cfg.LinkRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.cfg.LinkRetryDelay)
		}
		r.limiter.Take()

		link, err := r.negotiate(ctx, st.Client, negotiateURL)
		if err != nil {
			lastErr = err
			logger.Debug("create_link attempt %d/%d for channel %d failed: %v",
				attempt+1, r.cfg.LinkRetries, ch.ID, err)
			continue
		}

		if r.links != nil {
			r.links.Set(ch.ID, link)
		}
		r.dead.MarkResolved(ch.ID)
		metrics.LinkResolutions.WithLabelValues("negotiated").Inc()
		return link, nil
	}

	r.dead.MarkFailed(ch.ID, ch.Name, lastErr)
	metrics.LinkResolutions.WithLabelValues("failed").Inc()
	if lastErr != nil {
		return "", fmt.Errorf("%w: %v", ErrLinkUnavailable, lastErr)
	}
	return "", ErrLinkUnavailable
}

// negotiate performs one create_link round trip and extracts the cleaned
// stream URL from the js.cmd field.
func (r *Resolver) negotiate(ctx context.Context, pc *client.PortalClient, negotiateURL string) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, createLinkTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, negotiateURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := pc.Do(req)
	if err != nil {
		return "", err
	}

	body, err := client.ReadBody(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("portal returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Js struct {
			Cmd string `json:"cmd"`
		} `json:"js"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", err
	}

	link := strings.TrimSpace(strings.ReplaceAll(parsed.Js.Cmd, "ffrt ", ""))
	if link == "" {
		return "", errors.New("no cmd in create_link response")
	}

	return link, nil
}
