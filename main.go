package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stb-proxy/work/cache"
	"stb-proxy/work/config"
	"stb-proxy/work/database"
	"stb-proxy/work/deadlinks"
	"stb-proxy/work/handlers"
	"stb-proxy/work/logger"
	"stb-proxy/work/middleware"
	"stb-proxy/work/proxy"
	"stb-proxy/work/resolver"
	"stb-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	if cfg.Debug {
		logger.SetLogLevel("DEBUG")
	}
	appLogger := logger.Default()

	// Initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// Open the catalog snapshot store when configured
	var snapshots *database.SnapshotStore
	if cfg.SnapshotPath != "" {
		snapshots, err = database.Open(cfg.SnapshotPath)
		if err != nil {
			appLogger.Warn("Catalog snapshots disabled: %v", err)
			snapshots = nil
		} else {
			defer snapshots.Close()
		}
	}

	// Wire the core: session cache, dead-link tracker, link resolver
	deadTracker := deadlinks.New()
	sessionCache := cache.New(cfg)
	linkResolver := resolver.New(cfg, deadTracker)
	proxyInstance := proxy.New(cfg, appLogger, sessionCache, linkResolver, deadTracker, snapshots, workerPool)

	// Keep the session warm in the background
	proxyInstance.StartRefreshLoop()
	defer proxyInstance.StopRefreshLoop()

	// Setup HTTP routes
	router := mux.NewRouter()

	router.HandleFunc("/", handlers.HandleIndex(proxyInstance)).Methods("GET")
	router.HandleFunc("/playlist.m3u", middleware.Gzip(handlers.HandlePlaylist(proxyInstance))).Methods("GET")
	router.HandleFunc("/getlink/{id:[0-9]+}", handlers.HandleLink(proxyInstance)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the status route
	setupStatusRoutes(router, proxyInstance)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	appLogger.Info("Starting STB Proxy %s", Version)
	appLogger.Info("Server configuration:")
	appLogger.Info("  - Portal: %s", utils.LogURL(cfg, cfg.PortalURL))
	appLogger.Info("  - Portal Variant: %s", cfg.PathPrefix())
	appLogger.Info("  - Device MAC: %s", cfg.PortalMAC)
	appLogger.Info("  - Cache TTL: %s", cfg.CacheTTL)
	appLogger.Info("  - Link Cache TTL: %s", cfg.LinkCacheTTL)
	appLogger.Info("  - Link Retries: %d", cfg.LinkRetries)
	appLogger.Info("  - Portal Rate Limit: %d req/s", cfg.PortalRateLimit)
	appLogger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	appLogger.Info("  - Background Refresh: %v", cfg.BackgroundRefresh)
	appLogger.Info("  - Catalog Snapshots: %v", snapshots != nil)
	appLogger.Info("  - Debug Enabled: %v", cfg.Debug)

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}
