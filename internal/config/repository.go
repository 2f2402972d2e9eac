package config

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/ulid"
)

// Setting keys persisted in the settings table
const (
	KeyBackendURL        = "backend.url"
	KeyBackendToken      = "backend.token"
	KeyBackendDeviceName = "backend.device_name"
	KeySyncAuto          = "sync.auto"
	KeyDesktopAutoLaunch = "desktop.auto_launch"
)

const obfuscationMarker = "OBFS:"

// secretKeys are stored obfuscated at rest
var secretKeys = map[string]bool{
	KeyBackendToken: true,
}

// Setting represents a persistent setting in the database
type Setting struct {
	ID        string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SettingsRepository defines operations for managing settings in the database
type SettingsRepository interface {
	// GetSetting retrieves a setting by key, returning "" when absent
	GetSetting(ctx context.Context, key string) (string, error)

	// GetSettings retrieves multiple settings by prefix
	GetSettings(ctx context.Context, prefix string) (map[string]string, error)

	// SetSetting sets a setting value
	SetSetting(ctx context.Context, key, value string) error

	// DeleteSetting deletes a setting
	DeleteSetting(ctx context.Context, key string) error
}

// SQLSettingsRepository implements SettingsRepository using a SQL database
type SQLSettingsRepository struct {
	db     *sql.DB
	logger *loggy.Logger
}

// NewSQLSettingsRepository creates a new SQL settings repository
func NewSQLSettingsRepository(db *sql.DB, logger *loggy.Logger) *SQLSettingsRepository {
	return &SQLSettingsRepository{
		db:     db,
		logger: logger,
	}
}

// GetSetting retrieves a setting by key
func (r *SQLSettingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	q := squirrel.Select("value").
		From("settings").
		Where(squirrel.Eq{"key": key}).
		Limit(1)

	query, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("building get setting query: %w", err)
	}

	var value string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("executing get setting query: %w", err)
	}

	if secretKeys[key] && value != "" {
		return deobfuscate(value)
	}

	return value, nil
}

// GetSettings retrieves multiple settings by prefix
func (r *SQLSettingsRepository) GetSettings(ctx context.Context, prefix string) (map[string]string, error) {
	q := squirrel.Select("key", "value").
		From("settings").
		Where(squirrel.Like{"key": prefix + "%"}).
		OrderBy("key")

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get settings query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get settings query: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scanning setting row: %w", err)
		}

		if secretKeys[key] && value != "" {
			value, err = deobfuscate(value)
			if err != nil {
				r.logger.Warn("Failed to deobfuscate setting", "key", key, "error", err)
				continue
			}
		}

		settings[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating setting rows: %w", err)
	}

	return settings, nil
}

// SetSetting inserts or replaces a setting value
func (r *SQLSettingsRepository) SetSetting(ctx context.Context, key, value string) error {
	storeValue := value
	if secretKeys[key] && value != "" {
		storeValue = obfuscate(value)
	}

	now := time.Now().UTC()
	q := squirrel.Insert("settings").
		Columns("id", "key", "value", "created_at", "updated_at").
		Values(ulid.SettingID(), key, storeValue, now, now).
		Suffix("ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at")

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building upsert setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing upsert setting query: %w", err)
	}

	return nil
}

// DeleteSetting deletes a setting
func (r *SQLSettingsRepository) DeleteSetting(ctx context.Context, key string) error {
	q := squirrel.Delete("settings").
		Where(squirrel.Eq{"key": key})

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building delete setting query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing delete setting query: %w", err)
	}

	return nil
}

// LoadPersistedSettings overlays values stored in the database onto cfg.
// Empty stored values leave the environment-derived value in place.
func LoadPersistedSettings(ctx context.Context, cfg *Config, repo SettingsRepository) error {
	backend, err := repo.GetSettings(ctx, "backend.")
	if err != nil {
		return fmt.Errorf("loading backend settings: %w", err)
	}

	if v := backend[KeyBackendURL]; v != "" {
		cfg.Backend.URL = strings.TrimRight(v, "/")
	}
	if v := backend[KeyBackendToken]; v != "" {
		cfg.Backend.Token = v
	}
	if v := backend[KeyBackendDeviceName]; v != "" {
		cfg.Backend.DeviceName = v
	}

	auto, err := repo.GetSetting(ctx, KeySyncAuto)
	if err != nil {
		return fmt.Errorf("loading sync settings: %w", err)
	}
	if auto != "" {
		if b, err := strconv.ParseBool(auto); err == nil {
			cfg.Sync.AutoSync = b
		}
	}

	return nil
}

// SavePersistedSettings writes the user-editable parts of cfg to the database
func SavePersistedSettings(ctx context.Context, cfg *Config, repo SettingsRepository) error {
	if err := repo.SetSetting(ctx, KeyBackendURL, cfg.Backend.URL); err != nil {
		return fmt.Errorf("saving backend url: %w", err)
	}

	if err := repo.SetSetting(ctx, KeyBackendToken, cfg.Backend.Token); err != nil {
		return fmt.Errorf("saving backend token: %w", err)
	}

	if err := repo.SetSetting(ctx, KeyBackendDeviceName, cfg.Backend.DeviceName); err != nil {
		return fmt.Errorf("saving device name: %w", err)
	}

	if err := repo.SetSetting(ctx, KeySyncAuto, strconv.FormatBool(cfg.Sync.AutoSync)); err != nil {
		return fmt.Errorf("saving auto sync: %w", err)
	}

	return nil
}

// obfuscate hides a secret from casual inspection of the database file.
// It is not encryption.
func obfuscate(secret string) string {
	encoded := base64.StdEncoding.EncodeToString([]byte(reverse(secret)))
	return obfuscationMarker + encoded
}

func deobfuscate(stored string) (string, error) {
	if !strings.HasPrefix(stored, obfuscationMarker) {
		return stored, nil
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, obfuscationMarker))
	if err != nil {
		return "", fmt.Errorf("decoding obfuscated value: %w", err)
	}

	return reverse(string(decoded)), nil
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}
