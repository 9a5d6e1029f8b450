package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr     = "127.0.0.1:8765"
	defaultDBPath         = "openscans.db"
	defaultWorkerPort     = 8000
	defaultStartupTimeout = 10 * time.Second
	defaultHealthTimeout  = 2 * time.Second

	envListenAddr     = "OPENSCANS_LISTEN_ADDR"
	envDBPath         = "OPENSCANS_DB_PATH"
	envLogLevel       = "OPENSCANS_LOG_LEVEL"
	envWorkerPort     = "OPENSCANS_WORKER_PORT"
	envWorkerBin      = "OPENSCANS_WORKER_BIN"
	envResourceDir    = "OPENSCANS_RESOURCE_DIR"
	envStartupTimeout = "OPENSCANS_STARTUP_TIMEOUT"
	envHealthTimeout  = "OPENSCANS_HEALTH_TIMEOUT"
	envAutoStart      = "OPENSCANS_AUTOSTART"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// WorkerPort is the fixed port the inference worker listens on.
	WorkerPort uint16

	// WorkerBin is an explicit path to the worker executable. When empty the
	// executable is looked up in ResourceDir and then on PATH.
	WorkerBin   string
	ResourceDir string

	StartupTimeout time.Duration
	HealthTimeout  time.Duration

	// AutoStart starts the worker as soon as the daemon is up.
	AutoStart bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		WorkerPort:     defaultWorkerPort,
		ResourceDir:    executableDir(),
		StartupTimeout: defaultStartupTimeout,
		HealthTimeout:  defaultHealthTimeout,
		AutoStart:      true,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envWorkerPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil && port > 0 {
			cfg.WorkerPort = uint16(port)
		}
	}
	if v := os.Getenv(envWorkerBin); v != "" {
		cfg.WorkerBin = v
	}
	if v := os.Getenv(envResourceDir); v != "" {
		cfg.ResourceDir = v
	}
	if v := os.Getenv(envStartupTimeout); v != "" {
		cfg.StartupTimeout = parseDuration(v, defaultStartupTimeout)
	}
	if v := os.Getenv(envHealthTimeout); v != "" {
		cfg.HealthTimeout = parseDuration(v, defaultHealthTimeout)
	}
	if v := os.Getenv(envAutoStart); v != "" {
		cfg.AutoStart = strings.EqualFold(v, "true") || v == "1"
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseDuration accepts Go duration strings ("1500ms") or whole seconds ("15").
func parseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Dir(exe)
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
