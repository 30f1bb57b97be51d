package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SessionRefreshes counts full portal session acquisitions by result. A
// refresh covers the whole handshake/profile/catalog sequence, so this also
// measures how often the shared cache actually expired.
var SessionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_session_refreshes_total",
	Help: "Number of portal session refresh attempts",
}, []string{"result"})

// RefreshErrors breaks failed refreshes down by protocol stage so a flaky
// handshake can be told apart from profile rejections.
var RefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_refresh_errors_total",
	Help: "Number of refresh failures by portal protocol stage",
}, []string{"stage"})

// CacheHits counts EnsureFresh calls served from the still-valid cached
// session without touching the portal.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "stb_proxy_session_cache_hits_total",
	Help: "Number of session cache fast-path hits",
})

// LinkResolutions counts per-channel link resolutions by outcome: "direct"
// for locally marked commands, "cached" for reused negotiated links,
// "negotiated" for fresh create_link round trips, "failed" for exhausted
// retry budgets.
var LinkResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_link_resolutions_total",
	Help: "Number of stream link resolutions",
}, []string{"outcome"})

// ChannelsCached reports the size of the currently cached channel catalog.
var ChannelsCached = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "stb_proxy_channels_cached",
	Help: "Number of channels in the cached catalog",
})

// SnapshotWrites counts catalog snapshot persistence attempts by result.
var SnapshotWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stb_proxy_snapshot_writes_total",
	Help: "Number of catalog snapshot writes",
}, []string{"result"})
