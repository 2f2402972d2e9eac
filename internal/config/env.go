package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goombaio/namegenerator"
	"github.com/joho/godotenv"
)

// DefaultConfigDir returns ~/.innkeep
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(homeDir, ".innkeep"), nil
}

// LoadFromEnv loads configuration from environment variables.
// configDir defaults to ~/.innkeep and configFilePath to <configDir>/.env.
// ENV_FILE_PATH, when set, overrides both.
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	if configDir == "" {
		dir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		configDir = dir
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	cfg.configDir = configDir

	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	if envFilePath := getEnvString("ENV_FILE_PATH", ""); envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else if err := godotenv.Load(configFilePath); err != nil {
		// Fall back to the working directory; a missing file is fine
		_ = godotenv.Load()
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("INNKEEP_DB_PATH", filepath.Join(configDir, "innkeep.db")),
		BusyTimeout:     getEnvInt("INNKEEP_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("INNKEEP_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("INNKEEP_DB_SYNCHRONOUS_MODE", "FULL"),
		ConnMaxLife:     getEnvDuration("INNKEEP_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("INNKEEP_DB_QUERY_TIMEOUT", 10*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("INNKEEP_LOG_LEVEL", "info"),
		Format:     getEnvString("INNKEEP_LOG_FORMAT", "text"),
		Output:     getEnvString("INNKEEP_LOG_OUTPUT", filepath.Join(configDir, "innkeep.log")),
		AddSource:  getEnvBool("INNKEEP_LOG_ADD_SOURCE", true),
		TimeFormat: getTimeFormat(getEnvString("INNKEEP_LOG_TIME_FORMAT", "RFC3339")),
	}

	cfg.Backend = BackendConfig{
		URL:           getEnvString("INNKEEP_BACKEND_URL", "http://localhost:54321"),
		AnonKey:       getEnvString("INNKEEP_BACKEND_ANON_KEY", ""),
		Token:         getEnvString("INNKEEP_BACKEND_TOKEN", ""),
		Timeout:       getEnvDuration("INNKEEP_BACKEND_TIMEOUT", 15*time.Second),
		DeviceName:    getEnvString("INNKEEP_DEVICE_NAME", ""),
		FunctionsPath: getEnvString("INNKEEP_BACKEND_FUNCTIONS_PATH", "/functions/v1"),
		HealthPath:    getEnvString("INNKEEP_BACKEND_HEALTH_PATH", "/auth/v1/health"),
	}
	if cfg.Backend.DeviceName == "" {
		cfg.Backend.DeviceName = GenerateDeviceName()
	}

	cfg.Desktop = DesktopConfig{
		Enabled: getEnvBool("INNKEEP_DESKTOP_ENABLED", true),
		AppName: getEnvString("INNKEEP_DESKTOP_APP_NAME", "innkeep"),
	}

	cfg.Connectivity = ConnectivityConfig{
		ProbeInterval:   getEnvDuration("INNKEEP_PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:    getEnvDuration("INNKEEP_PROBE_TIMEOUT", 5*time.Second),
		MaxProbeBackoff: getEnvDuration("INNKEEP_PROBE_MAX_BACKOFF", 2*time.Minute),
		WatchAddress:    getEnvString("INNKEEP_NETWORK_WATCH_ADDRESS", ""),
		WatchInterval:   getEnvDuration("INNKEEP_NETWORK_WATCH_INTERVAL", 5*time.Second),
	}

	cfg.Sync = SyncConfig{
		AutoSync:          getEnvBool("INNKEEP_SYNC_AUTO", true),
		RequestsPerMinute: getEnvInt("INNKEEP_SYNC_REQUESTS_PER_MINUTE", 120),
		BurstLimit:        getEnvInt("INNKEEP_SYNC_BURST_LIMIT", 5),
		PassTimeout:       getEnvDuration("INNKEEP_SYNC_PASS_TIMEOUT", 10*time.Minute),
		LeaseTTL:          getEnvDuration("INNKEEP_SYNC_LEASE_TTL", 30*time.Second),
	}

	cfg.Update = UpdateConfig{
		FeedURL:        getEnvString("INNKEEP_UPDATE_FEED_URL", ""),
		Channel:        getEnvString("INNKEEP_UPDATE_CHANNEL", "stable"),
		CurrentVersion: getEnvString("INNKEEP_VERSION", "0.0.0"),
		DownloadDir:    getEnvString("INNKEEP_UPDATE_DOWNLOAD_DIR", filepath.Join(configDir, "updates")),
		MaxRetries:     getEnvInt("INNKEEP_UPDATE_MAX_RETRIES", 3),
	}

	cfg.Daemon = DaemonConfig{
		ListenAddr:     getEnvString("INNKEEP_LISTEN_ADDR", "127.0.0.1:7311"),
		MetricsEnabled: getEnvBool("INNKEEP_METRICS_ENABLED", true),
	}

	return cfg, cfg.Validate()
}

// GenerateDeviceName returns a memorable name like "front-desk-wispy-dust"
func GenerateDeviceName() string {
	gen := namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())
	return "front-desk-" + gen.Generate()
}
