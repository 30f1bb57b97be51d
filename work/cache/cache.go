package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"stb-proxy/work/client"
	"stb-proxy/work/config"
	"stb-proxy/work/logger"
	"stb-proxy/work/metrics"
	"stb-proxy/work/portal"
	"stb-proxy/work/utils"
)

// AcquireFunc runs a full portal session acquisition. It exists as an
// indirection point so tests can count and fake portal handshakes.
type AcquireFunc func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error)

// State is one generation of the shared cached session: the authenticated
// portal client, the channel catalog fetched with it, the normalized portal
// identity, and the expiry timestamp. A State is immutable once published;
// readers that obtained it keep using it safely even while a newer
// generation replaces it in the cache.
type State struct {
	Client     *client.PortalClient // Authenticated session (MAC cookie + bearer token)
	Token      string               // Bearer token of this generation, for diagnostics
	Channels   []portal.Channel     // Channel catalog, possibly empty
	PortalName string               // Short display name of the portal host
	BaseURL    string               // Normalized portal base URL
	Prefix     string               // Portal variant path prefix ("stalker_portal" or "c")
	Expires    time.Time            // When this generation stops being served

	byID map[int64]int // channel id -> index into Channels
}

// Channel looks up a catalog entry by id.
func (s *State) Channel(id int64) (portal.Channel, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return portal.Channel{}, false
	}
	return s.Channels[idx], true
}

// SessionCache is the single synchronization point for portal access. It
// holds exactly one State, guarded by a mutex that is held for the full
// duration of a check-or-refresh call. A refresh performs three sequential
// network calls while holding the lock; that is intentional, it is what
// guarantees that at most one handshake sequence is in flight no matter how
// many requests arrive concurrently.
type SessionCache struct {
	mu      sync.Mutex
	state   *State
	cfg     *config.Config
	acquire AcquireFunc

	// OnRefresh, when set, is invoked with every successfully installed
	// State. Must be fast or dispatch its own work asynchronously; it runs
	// under the cache lock.
	OnRefresh func(*State)
}

// New creates a SessionCache for the configured portal. The acquisition
// function defaults to the real portal protocol.
func New(cfg *config.Config) *SessionCache {
	return &SessionCache{
		cfg:     cfg,
		acquire: portal.Acquire,
	}
}

// NewWithAcquire creates a SessionCache with a custom acquisition function.
func NewWithAcquire(cfg *config.Config, acquire AcquireFunc) *SessionCache {
	return &SessionCache{
		cfg:     cfg,
		acquire: acquire,
	}
}

// EnsureFresh returns the cached State, refreshing it first when it is
// missing or expired.
//
// Fast path: a session is installed and its expiry lies in the future; the
// State is returned with no I/O. Slow path: the configured portal URL is
// normalized and the full handshake/profile/catalog protocol runs; on
// success every State field is replaced together with expiry = now + TTL.
//
// On refresh failure the previous state is left in place (callers holding a
// stale-but-unexpired State from the fast path are unaffected) and the error
// is returned. Because the mutex spans the whole call, concurrent callers
// either wait for the one in-flight refresh or ride the fast path; duplicate
// handshakes cannot happen.
func (c *SessionCache) EnsureFresh(ctx context.Context) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != nil && time.Now().Before(c.state.Expires) {
		metrics.CacheHits.Inc()
		return c.state, nil
	}

	baseURL, portalName := portal.Normalize(c.cfg.PortalURL)
	prefix := c.cfg.PathPrefix()

	logger.Debug("session cache refresh: portal %s", utils.LogURL(c.cfg, baseURL))

	session, err := c.acquire(ctx, baseURL, c.cfg.PortalMAC, prefix)
	if err != nil {
		metrics.SessionRefreshes.WithLabelValues("failure").Inc()
		metrics.RefreshErrors.WithLabelValues(refreshStage(err)).Inc()
		logger.Error("session refresh failed: %v", err)
		return nil, err
	}

	byID := make(map[int64]int, len(session.Channels))
	for i, ch := range session.Channels {
		byID[ch.ID] = i
	}

	c.state = &State{
		Client:     session.Client,
		Token:      session.Token,
		Channels:   session.Channels,
		PortalName: portalName,
		BaseURL:    baseURL,
		Prefix:     prefix,
		Expires:    time.Now().Add(c.cfg.CacheTTL),
		byID:       byID,
	}

	metrics.SessionRefreshes.WithLabelValues("success").Inc()
	metrics.ChannelsCached.Set(float64(len(session.Channels)))
	logger.Info("portal session refreshed: %s, %d channels, valid until %s",
		portalName, len(session.Channels), c.state.Expires.Format(time.RFC3339))

	if c.OnRefresh != nil {
		c.OnRefresh(c.state)
	}

	return c.state, nil
}

// Current returns the cached State without refreshing, or nil when the cache
// has never been populated. The State may already be expired; callers that
// need freshness guarantees use EnsureFresh.
func (c *SessionCache) Current() *State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func refreshStage(err error) string {
	switch {
	case errors.Is(err, portal.ErrHandshake):
		return "handshake"
	case errors.Is(err, portal.ErrProfileValidation):
		return "profile"
	default:
		return "other"
	}
}
