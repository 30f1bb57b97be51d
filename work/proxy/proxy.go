package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/panjf2000/ants/v2"

	"stb-proxy/work/cache"
	"stb-proxy/work/config"
	"stb-proxy/work/database"
	"stb-proxy/work/deadlinks"
	"stb-proxy/work/logger"
	"stb-proxy/work/metrics"
	"stb-proxy/work/portal"
	"stb-proxy/work/resolver"
)

// Client-facing resolution failures. Both map to 4xx responses and are never
// retried; they say nothing about the health of the portal session.
var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrEmptyCommand    = errors.New("channel has no playback command")
)

// PortalProxy is the core application object. It owns the session cache,
// the link resolver, the dead-link tracker and the optional snapshot store,
// and exposes the operations the HTTP handlers are built from: catalog
// access, playlist generation and per-channel link resolution.
type PortalProxy struct {
	Config     *config.Config
	Logger     *logger.Logger
	Cache      *cache.SessionCache
	Resolver   *resolver.Resolver
	Dead       *deadlinks.Tracker
	Snapshots  *database.SnapshotStore // nil when snapshots are disabled
	WorkerPool *ants.Pool
	Started    time.Time

	refreshStop chan struct{}
}

// New wires a PortalProxy together and hooks catalog snapshotting into the
// session cache refresh path.
func New(cfg *config.Config, log *logger.Logger, sessionCache *cache.SessionCache,
	res *resolver.Resolver, dead *deadlinks.Tracker, snapshots *database.SnapshotStore,
	workerPool *ants.Pool) *PortalProxy {

	p := &PortalProxy{
		Config:      cfg,
		Logger:      log,
		Cache:       sessionCache,
		Resolver:    res,
		Dead:        dead,
		Snapshots:   snapshots,
		WorkerPool:  workerPool,
		Started:     time.Now(),
		refreshStop: make(chan struct{}, 1),
	}
	sessionCache.OnRefresh = p.persistSnapshot

	return p
}

// Catalog returns the cached channel list, refreshing the portal session
// first when needed.
func (p *PortalProxy) Catalog(ctx context.Context) ([]portal.Channel, error) {
	st, err := p.Cache.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	return st.Channels, nil
}

// PortalName returns the short display name of the configured portal.
func (p *PortalProxy) PortalName(ctx context.Context) (string, error) {
	st, err := p.Cache.EnsureFresh(ctx)
	if err != nil {
		return "", err
	}
	return st.PortalName, nil
}

// ResolveChannel resolves the playback URL for a channel id. Unknown ids
// yield ErrChannelNotFound, catalog entries without a command yield
// ErrEmptyCommand, and exhausted negotiations surface the resolver's
// ErrLinkUnavailable.
func (p *PortalProxy) ResolveChannel(ctx context.Context, id int64) (string, error) {
	st, err := p.Cache.EnsureFresh(ctx)
	if err != nil {
		return "", err
	}

	ch, ok := st.Channel(id)
	if !ok {
		return "", fmt.Errorf("%w: id %d", ErrChannelNotFound, id)
	}
	if strings.TrimSpace(ch.Cmd) == "" {
		return "", fmt.Errorf("%w: id %d", ErrEmptyCommand, id)
	}

	return p.Resolver.Resolve(ctx, st, ch)
}

// GeneratePlaylist writes the full M3U playlist for the cached catalog.
// Every entry points back at this proxy's per-channel resolution endpoint,
// so links are negotiated lazily on tune-in instead of all upfront.
func (p *PortalProxy) GeneratePlaylist(w http.ResponseWriter, r *http.Request) error {
	st, err := p.Cache.EnsureFresh(context.Background())
	if err != nil {
		return err
	}

	host := RequestBaseURL(r)

	w.Header().Set("Content-Type", "application/x-mpegurl")
	fmt.Fprint(w, "#EXTM3U\n")

	for _, ch := range st.Channels {
		name := ch.Name
		if name == "" {
			name = "Unknown"
		}
		fmt.Fprintf(w, "#EXTINF:-1 group-title=\"All Channels\" tvg-logo=\"%s\",%s\n%s/getlink/%d\n",
			p.logoURL(st, ch), name, host, ch.ID)
	}

	return nil
}

// logoURL builds the channel logo reference. The stalker_portal variant
// serves logos from a fixed directory under the portal root; the "c"
// variant already ships absolute logo URLs in the catalog.
func (p *PortalProxy) logoURL(st *cache.State, ch portal.Channel) string {
	if p.Config.PortalType == "1" {
		if ch.Logo == "" {
			return ""
		}
		return st.BaseURL + "/stalker_portal/misc/logos/320/" + ch.Logo
	}
	return ch.Logo
}

// StartRefreshLoop re-runs the session refresh on a timer so the cache is
// usually warm when clients arrive. The actual refresh runs on the worker
// pool; the loop itself only ticks.
func (p *PortalProxy) StartRefreshLoop() {
	if !p.Config.BackgroundRefresh {
		return
	}

	go func() {
		ticker := time.NewTicker(p.Config.CacheTTL)
		defer ticker.Stop()

		for {
			select {
			case <-p.refreshStop:
				return
			case <-ticker.C:
				err := p.WorkerPool.Submit(func() {
					ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
					defer cancel()
					if _, err := p.Cache.EnsureFresh(ctx); err != nil {
						p.Logger.Warn("background session refresh failed: %v", err)
					}
				})
				if err != nil {
					p.Logger.Warn("could not schedule background refresh: %v", err)
				}
			}
		}
	}()
}

// StopRefreshLoop stops the background refresh loop.
func (p *PortalProxy) StopRefreshLoop() {
	select {
	case p.refreshStop <- struct{}{}:
	default:
	}
}

// persistSnapshot runs on every successful session refresh, under the cache
// lock; the write itself is handed to the worker pool so the lock is not
// held across disk I/O.
func (p *PortalProxy) persistSnapshot(st *cache.State) {
	if p.Snapshots == nil {
		return
	}

	portalName, channels := st.PortalName, st.Channels
	err := p.WorkerPool.Submit(func() {
		if err := p.Snapshots.Save(portalName, channels); err != nil {
			metrics.SnapshotWrites.WithLabelValues("failure").Inc()
			p.Logger.Warn("catalog snapshot write failed: %v", err)
			return
		}
		metrics.SnapshotWrites.WithLabelValues("success").Inc()
		p.Logger.Debug("catalog snapshot written: %d channels", len(channels))
	})
	if err != nil {
		p.Logger.Warn("could not schedule catalog snapshot: %v", err)
	}
}

// RequestBaseURL reconstructs the externally visible base URL of this proxy
// from the inbound request, honoring X-Forwarded-Proto when running behind
// a TLS-terminating frontend.
func RequestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host
}
