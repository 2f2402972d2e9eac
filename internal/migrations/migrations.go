// Package migrations embeds the queue database schema
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql
var migrationsFS embed.FS

func files() (fs.FS, error) {
	sub, err := fs.Sub(migrationsFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	return sub, nil
}

// GetSource returns a golang-migrate source over the embedded files
func GetSource() (source.Driver, error) {
	sub, err := files()
	if err != nil {
		return nil, err
	}

	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}
	return src, nil
}

// Latest returns the highest embedded schema version
func Latest() (uint, error) {
	sub, err := files()
	if err != nil {
		return 0, err
	}

	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		return 0, fmt.Errorf("reading embedded migrations: %w", err)
	}

	var latest uint
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad migration name %q: %w", e.Name(), err)
		}
		if uint(v) > latest {
			latest = uint(v)
		}
	}
	return latest, nil
}
