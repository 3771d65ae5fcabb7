// Package config holds process settings (environment, .env) and the
// device desired-state service: the name → DeviceConfig table the manager
// converges the fleet toward.
package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds process-level settings. Load from env; call LoadEnvFile(".env")
// first to use a .env file.
type Config struct {
	Addr        string // status/metrics listen address
	MediaDir    string // root of locally stored videos
	DeviceFile  string // JSON device desired-state file, loaded at startup when present
	DBPath      string // sqlite write-through DB; "" = disabled
	OverlayURL  string // overlay-sync endpoint base
	FFprobePath string // ffprobe binary for duration sensing

	DiscoveryInterval   time.Duration // one SSDP cycle per interval
	ConnectivityTimeout time.Duration // unseen this long → disconnected; twice this → purged
	WatchDeviceFile     bool          // hot-reload DeviceFile on change
}

// Load reads config from environment.
func Load() *Config {
	c := &Config{
		Addr:                getEnv("BEAMCAST_ADDR", ":8800"),
		MediaDir:            getEnv("BEAMCAST_MEDIA_DIR", "/var/lib/beamcast/videos"),
		DeviceFile:          os.Getenv("BEAMCAST_DEVICE_FILE"),
		DBPath:              os.Getenv("BEAMCAST_DB"),
		OverlayURL:          getEnv("BEAMCAST_OVERLAY_URL", "http://localhost:8000"),
		FFprobePath:         getEnv("BEAMCAST_FFPROBE", "ffprobe"),
		DiscoveryInterval:   getEnvDuration("BEAMCAST_DISCOVERY_INTERVAL", 10*time.Second),
		ConnectivityTimeout: getEnvDuration("BEAMCAST_CONNECTIVITY_TIMEOUT", 30*time.Second),
		WatchDeviceFile:     getEnvBool("BEAMCAST_WATCH_DEVICE_FILE", true),
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = 10 * time.Second
	}
	if c.ConnectivityTimeout <= 0 {
		c.ConnectivityTimeout = 30 * time.Second
	}
	return c
}

// LoadEnvFile reads path and sets environment variables for each "KEY=value"
// line. Empty lines and # comments are skipped; a missing file is not an error.
func LoadEnvFile(path string) error {
	path = filepath.Clean(path)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		os.Setenv(key, unquoteEnv(strings.TrimSpace(value)))
	}
	return sc.Err()
}

func unquoteEnv(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
