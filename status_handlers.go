package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"stb-proxy/work/deadlinks"
	"stb-proxy/work/proxy"
)

// StatusResponse is the read-only operational snapshot served at /status:
// which portal is configured, what the session cache currently holds, which
// channels keep failing link negotiation, and when the catalog was last
// persisted.
type StatusResponse struct {
	Portal        string             `json:"portal"`
	PortalVariant string             `json:"portalVariant"`
	CacheState    string             `json:"cacheState"` // "empty", "fresh" or "stale"
	Channels      int                `json:"channels"`
	CacheExpires  string             `json:"cacheExpires,omitempty"`
	Uptime        string             `json:"uptime"`
	WorkersBusy   int                `json:"workersBusy"`
	DeadLinks     []deadlinks.Record `json:"deadLinks"`
	Snapshot      *SnapshotStatus    `json:"snapshot,omitempty"`
}

// SnapshotStatus describes the last persisted catalog snapshot.
type SnapshotStatus struct {
	Portal   string `json:"portal"`
	Channels int    `json:"channels"`
	TakenAt  string `json:"takenAt"`
}

// setupStatusRoutes registers the diagnostics endpoint. Status reads never
// trigger a portal refresh; they report whatever the cache currently holds.
func setupStatusRoutes(router *mux.Router, p *proxy.PortalProxy) {
	router.HandleFunc("/status", handleStatus(p)).Methods("GET")
}

func handleStatus(p *proxy.PortalProxy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			PortalVariant: p.Config.PathPrefix(),
			CacheState:    "empty",
			Uptime:        time.Since(p.Started).Round(time.Second).String(),
			WorkersBusy:   p.WorkerPool.Running(),
			DeadLinks:     p.Dead.Snapshot(),
		}

		if st := p.Cache.Current(); st != nil {
			resp.Portal = st.PortalName
			resp.Channels = len(st.Channels)
			resp.CacheExpires = st.Expires.Format(time.RFC3339)
			if time.Now().Before(st.Expires) {
				resp.CacheState = "fresh"
			} else {
				resp.CacheState = "stale"
			}
		}

		if p.Snapshots != nil {
			if portalName, count, takenAt, err := p.Snapshots.Meta(); err == nil {
				resp.Snapshot = &SnapshotStatus{
					Portal:   portalName,
					Channels: count,
					TakenAt:  takenAt.Format(time.RFC3339),
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
