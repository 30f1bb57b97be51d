package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	regexp "github.com/grafana/regexp"

	"stb-proxy/work/logger"
)

// Config holds all application configuration values for the portal proxy.
// It describes the single upstream Stalker-style portal, the session cache
// behavior, and operational knobs for the HTTP server. The struct is built
// once at startup from environment variables and never mutated afterwards.
type Config struct {
	ListenPort        int           // TCP port the HTTP server binds to
	PortalURL         string        // Upstream portal base URL (host, host:port or full URL)
	PortalMAC         string        // Device MAC address used for the portal handshake
	PortalType        string        // "1" = stalker_portal path layout, anything else = "c"
	CacheTTL          time.Duration // Lifetime of the shared portal session and catalog
	LinkCacheTTL      time.Duration // Lifetime of negotiated stream links (0 disables link caching)
	LinkRetries       int           // Attempts per create_link negotiation
	LinkRetryDelay    time.Duration // Fixed delay between negotiation attempts
	PortalRateLimit   int           // Outbound create_link requests per second (0 = unlimited)
	WorkerThreads     int           // Size of the background worker pool
	BackgroundRefresh bool          // Re-run the session refresh on a timer so the cache stays warm
	SnapshotPath      string        // SQLite file for catalog snapshots (empty disables)
	Debug             bool          // Enable debug logging
	ObfuscateUrls     bool          // Obfuscate portal URLs in logs
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

var macShape = regexp.MustCompile(`^[0-9A-Fa-f]{2}(:[0-9A-Fa-f]{2}){5}$`)

// LoadConfig builds the configuration from the environment or returns the
// cached instance. Uses double-checked locking so concurrent callers during
// startup never build the config twice.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	config := fromEnv()
	validateAndSetDefaults(config)
	configCache = config

	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// rebuilds it from the environment. Used by tests and graceful restarts.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// fromEnv reads every supported environment variable into a Config.
// Unset or unparsable values are left at their zero value and picked up
// by validateAndSetDefaults.
func fromEnv() *Config {
	return &Config{
		ListenPort:        envInt("LISTEN_PORT"),
		PortalURL:         strings.TrimSpace(os.Getenv("PORTAL_BASE_URL")),
		PortalMAC:         strings.TrimSpace(os.Getenv("PORTAL_MAC")),
		PortalType:        strings.TrimSpace(os.Getenv("PORTAL_TYPE")),
		CacheTTL:          envSeconds("CACHE_TTL"),
		LinkCacheTTL:      envSeconds("LINK_CACHE_TTL"),
		LinkRetries:       envInt("LINK_RETRIES"),
		LinkRetryDelay:    envSeconds("LINK_RETRY_DELAY"),
		PortalRateLimit:   envInt("PORTAL_RATE_LIMIT"),
		WorkerThreads:     envInt("WORKER_THREADS"),
		BackgroundRefresh: envBoolDefault("BACKGROUND_REFRESH", true),
		SnapshotPath:      strings.TrimSpace(os.Getenv("SNAPSHOT_PATH")),
		Debug:             envBool("DEBUG"),
		ObfuscateUrls:     envBool("OBFUSCATE_URLS"),
	}
}

// validateAndSetDefaults ensures all config values are usable, filling in
// defaults for missing/invalid ones. The portal defaults mirror the values
// the service historically shipped with.
func validateAndSetDefaults(config *Config) {
	if config.ListenPort <= 0 || config.ListenPort > 65535 {
		config.ListenPort = 8080
	}
	if config.PortalURL == "" {
		config.PortalURL = "http://tatatv.cc/stalker_portal/c/"
	}
	if config.PortalMAC == "" {
		config.PortalMAC = "00:1A:79:00:13:DA"
	}
	if config.PortalType == "" {
		config.PortalType = "1"
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 300 * time.Second
	}
	if config.LinkCacheTTL < 0 {
		config.LinkCacheTTL = 0
	}
	if config.LinkRetries <= 0 {
		config.LinkRetries = 3
	}
	if config.LinkRetryDelay <= 0 {
		config.LinkRetryDelay = 500 * time.Millisecond
	}
	if config.PortalRateLimit < 0 {
		config.PortalRateLimit = 0
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 4
	}

	// The portal derives device identity from whatever MAC string it is
	// given, so an odd value still works, it just won't look like a MAG box.
	if !macShape.MatchString(config.PortalMAC) {
		logger.Warn("PORTAL_MAC %q does not look like a MAC address", config.PortalMAC)
	}
}

// PathPrefix returns the portal URL path segment for the configured portal
// variant: "stalker_portal" for the full middleware layout, "c" otherwise.
func (c *Config) PathPrefix() string {
	if c.PortalType == "1" {
		return "stalker_portal"
	}
	return "c"
}

func envInt(key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return 0
	}
	return v
}

// envSeconds parses a duration environment variable. Plain integers are
// treated as seconds (the historical format); otherwise Go duration syntax
// such as "500ms" or "5m" is accepted.
func envSeconds(key string) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return 0
}

func envBool(key string) bool {
	return envBoolDefault(key, false)
}

func envBoolDefault(key string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return v
}
