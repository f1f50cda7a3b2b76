package utils

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime settings shared by the api-server and scraper
// binaries. Every field can be overridden with a MANGAVERSE_* variable.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	SourcesFile     string // empty means the built-in registry
	DefaultSource   string // empty means the first registered source
	UserAgent       string
	SnapshotDir     string
	RefreshSchedule string

	FetchTimeout     time.Duration
	ProxyTimeout     time.Duration
	ProxyMaxInFlight int
	UpdateDelay      time.Duration
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() Config {
	// a missing .env is the normal case outside development
	_ = godotenv.Load()

	return Config{
		HTTPAddr:        envString("MANGAVERSE_HTTP_ADDR", ":8080"),
		LogLevel:        envString("MANGAVERSE_LOG_LEVEL", "info"),
		SourcesFile:     envString("MANGAVERSE_SOURCES_FILE", ""),
		DefaultSource:   envString("MANGAVERSE_DEFAULT_SOURCE", ""),
		UserAgent:       envString("MANGAVERSE_USER_AGENT", DefaultUserAgent),
		SnapshotDir:     envString("MANGAVERSE_SNAPSHOT_DIR", "snapshots"),
		RefreshSchedule: envString("MANGAVERSE_REFRESH_SCHEDULE", "@every 30m"),

		FetchTimeout:     envDuration("MANGAVERSE_FETCH_TIMEOUT", 12*time.Second),
		ProxyTimeout:     envDuration("MANGAVERSE_PROXY_TIMEOUT", 3*time.Second),
		ProxyMaxInFlight: envInt("MANGAVERSE_PROXY_MAX_INFLIGHT", 30),
		UpdateDelay:      envDuration("MANGAVERSE_UPDATE_DELAY", 2*time.Second),
	}
}

// DefaultUserAgent is a current desktop Chrome string; several upstreams
// reject obvious library user agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// envDuration accepts Go durations ("3s") or bare seconds ("3").
// Unparseable values fall back to def.
func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
