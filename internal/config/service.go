package config

import (
	"context"
	"database/sql"
	"strconv"

	"github.com/tildaslashalef/innkeep/internal/loggy"
)

// SettingsService provides operations for managing application settings
type SettingsService struct {
	repo   SettingsRepository
	config *Config
	logger *loggy.Logger
}

// NewSettingsService creates a new settings service
func NewSettingsService(db *sql.DB, config *Config, logger *loggy.Logger) *SettingsService {
	return NewSettingsServiceWithRepository(NewSQLSettingsRepository(db, logger), config, logger)
}

// NewSettingsServiceWithRepository creates a settings service over an existing repository
func NewSettingsServiceWithRepository(repo SettingsRepository, config *Config, logger *loggy.Logger) *SettingsService {
	return &SettingsService{
		repo:   repo,
		config: config,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (s *SettingsService) GetSetting(ctx context.Context, key string) (string, error) {
	return s.repo.GetSetting(ctx, key)
}

// GetSettings retrieves multiple settings by prefix
func (s *SettingsService) GetSettings(ctx context.Context, prefix string) (map[string]string, error) {
	return s.repo.GetSettings(ctx, prefix)
}

// SetSetting sets a setting value
func (s *SettingsService) SetSetting(ctx context.Context, key, value string) error {
	return s.repo.SetSetting(ctx, key, value)
}

// DeleteSetting deletes a setting
func (s *SettingsService) DeleteSetting(ctx context.Context, key string) error {
	return s.repo.DeleteSetting(ctx, key)
}

// Load overlays persisted settings onto the live config
func (s *SettingsService) Load(ctx context.Context) error {
	return LoadPersistedSettings(ctx, s.config, s.repo)
}

// Save persists the user-editable parts of the live config
func (s *SettingsService) Save(ctx context.Context) error {
	return SavePersistedSettings(ctx, s.config, s.repo)
}

// SetToken stores the backend session token, obfuscated at rest
func (s *SettingsService) SetToken(ctx context.Context, token string) error {
	s.config.Backend.Token = token
	return s.repo.SetSetting(ctx, KeyBackendToken, token)
}

// SetBackendURL stores the backend base URL
func (s *SettingsService) SetBackendURL(ctx context.Context, url string) error {
	s.config.Backend.URL = url
	return s.repo.SetSetting(ctx, KeyBackendURL, url)
}

// SetDeviceName stores the front-desk device name
func (s *SettingsService) SetDeviceName(ctx context.Context, name string) error {
	s.config.Backend.DeviceName = name
	return s.repo.SetSetting(ctx, KeyBackendDeviceName, name)
}

// SetAutoSync toggles draining on reconnect
func (s *SettingsService) SetAutoSync(ctx context.Context, enabled bool) error {
	s.config.Sync.AutoSync = enabled
	return s.repo.SetSetting(ctx, KeySyncAuto, strconv.FormatBool(enabled))
}
