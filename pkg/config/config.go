// Package config loads the environment-driven settings of the api and
// worker processes. The verify command takes no configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dev/bravebird/scene-verifier/pkg/browser"
)

// TaskQueue is the Temporal task queue probe workflows run on
const TaskQueue = "scene-verification"

// Config is the union of api and worker settings
type Config struct {
	Port          string
	MySQLDSN      string
	TemporalHost  string
	ScreenshotDir string
	ChromeBin     string
	ChromeFlags   []string
	MetricsAddr   string
	StepTimeout   time.Duration
}

// Load reads the configuration from the environment
func Load() (Config, error) {
	cfg := Config{
		Port:          getEnvOrDefault("PORT", "8080"),
		MySQLDSN:      getEnvOrDefault("MYSQL_DSN", "verifier:verifier@tcp(localhost:3306)/verifier?parseTime=true"),
		TemporalHost:  getEnvOrDefault("TEMPORAL_HOST", "localhost:7233"),
		ScreenshotDir: getEnvOrDefault("SCREENSHOT_DIR", "/tmp/screenshots"),
		ChromeBin:     os.Getenv("CHROME_BIN"),
		ChromeFlags:   browser.DockerFlags,
		MetricsAddr:   getEnvOrDefault("METRICS_ADDR", ":9090"),
	}

	if raw := os.Getenv("CHROME_FLAGS"); raw != "" {
		cfg.ChromeFlags = splitList(raw)
	}

	timeout, err := time.ParseDuration(getEnvOrDefault("PROBE_STEP_TIMEOUT", "2m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid PROBE_STEP_TIMEOUT: %w", err)
	}
	if timeout <= 0 {
		return Config{}, fmt.Errorf("invalid PROBE_STEP_TIMEOUT: must be positive, got %s", timeout)
	}
	cfg.StepTimeout = timeout

	if _, err := strconv.Atoi(cfg.Port); err != nil {
		return Config{}, fmt.Errorf("invalid PORT %q: %w", cfg.Port, err)
	}

	return cfg, nil
}

// RodConfig derives the browser engine settings
func (c Config) RodConfig() browser.RodConfig {
	return browser.RodConfig{
		Bin:   c.ChromeBin,
		Flags: c.ChromeFlags,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
