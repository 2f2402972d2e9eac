package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	Database     DatabaseConfig
	Logging      LoggingConfig
	Backend      BackendConfig
	Desktop      DesktopConfig
	Connectivity ConnectivityConfig
	Sync         SyncConfig
	Update       UpdateConfig
	Daemon       DaemonConfig
	configDir    string
}

// DatabaseConfig represents the local queue database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error, none
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool
	TimeFormat string
}

// BackendConfig holds the hosted backend connection
type BackendConfig struct {
	URL           string        // Project base URL
	AnonKey       string        // Public API key sent as the apikey header
	Token         string        // Session access token
	Timeout       time.Duration // Per-request timeout; expiry counts as a connectivity failure
	DeviceName    string        // Identifies this front-desk install
	FunctionsPath string        // Edge function route prefix
	HealthPath    string        // Lightweight reachability endpoint
}

// DesktopConfig controls whether the desktop bridge is present
type DesktopConfig struct {
	Enabled bool   // Desktop shell mode; false behaves like a plain browser tab
	AppName string // Name used for the auto-launch entry
}

// ConnectivityConfig tunes the connectivity monitor
type ConnectivityConfig struct {
	ProbeInterval   time.Duration // Probe cadence while the backend is reachable
	ProbeTimeout    time.Duration // Timeout for a single probe
	MaxProbeBackoff time.Duration // Upper bound between probes while hard offline
	WatchAddress    string        // host:port dialed to derive the network online signal
	WatchInterval   time.Duration // Dial cadence of the network watcher
}

// SyncConfig tunes queue draining
type SyncConfig struct {
	AutoSync          bool          // Drain automatically when connectivity returns
	RequestsPerMinute int           // Replay rate limit, <= 0 disables limiting
	BurstLimit        int           // Replay burst
	PassTimeout       time.Duration // Upper bound for one drain pass
	LeaseTTL          time.Duration // How long a silent drain owner keeps the queue
}

// UpdateConfig configures desktop self-update
type UpdateConfig struct {
	FeedURL        string // Release manifest URL
	Channel        string // stable, beta
	CurrentVersion string // Version of the running binary
	DownloadDir    string // Where artifacts are staged
	MaxRetries     int    // Download retries
}

// DaemonConfig configures `innkeep serve`
type DaemonConfig struct {
	ListenAddr     string // Local API listen address
	MetricsEnabled bool   // Expose /metrics
}

// New returns a new empty Config
func New() *Config {
	return &Config{}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validateBackend(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.validateConnectivity(); err != nil {
		return fmt.Errorf("connectivity config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	if c.Database.Path != ":memory:" && !strings.HasPrefix(c.Database.Path, "file::memory:") {
		dir := filepath.Dir(c.Database.Path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for database: %w", err)
		}
		if err := checkDirectoryWritable(dir); err != nil {
			return fmt.Errorf("database directory: %w", err)
		}
	}

	if c.Database.BusyTimeout <= 0 {
		return fmt.Errorf("busy timeout must be positive")
	}

	if c.Database.ConnMaxLife <= 0 {
		return fmt.Errorf("connection max life must be positive")
	}

	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" && level != "none" {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateBackend() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid url: %s", c.Backend.URL)
	}

	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	c.Backend.URL = strings.TrimRight(c.Backend.URL, "/")

	return nil
}

func (c *Config) validateConnectivity() error {
	if c.Connectivity.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}

	if c.Connectivity.ProbeTimeout <= 0 {
		return fmt.Errorf("probe timeout must be positive")
	}

	if c.Connectivity.MaxProbeBackoff < c.Connectivity.ProbeInterval {
		return fmt.Errorf("max probe backoff must be at least the probe interval")
	}

	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.PassTimeout <= 0 {
		return fmt.Errorf("pass timeout must be positive")
	}
	if c.Sync.LeaseTTL <= 0 {
		return fmt.Errorf("lease ttl must be positive")
	}

	return nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getTimeFormat converts a named time format to its layout
func getTimeFormat(name string) string {
	switch name {
	case "RFC3339":
		return time.RFC3339
	case "RFC3339Nano":
		return time.RFC3339Nano
	case "Kitchen":
		return time.Kitchen
	case "DateTime":
		return time.DateTime
	case "DateTimeMS":
		return "2006-01-02 15:04:05.000"
	default:
		return name
	}
}

// checkDirectoryWritable tests if a directory is writable
func checkDirectoryWritable(dir string) error {
	testFile := filepath.Join(dir, fmt.Sprintf("test_write_%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("directory not writable: %w", err)
	}

	f.Close()
	os.Remove(testFile)

	return nil
}
