package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/innkeep/internal/database"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/ulid"
)

const (
	leaseTable = "queue_leases"

	// DrainLease names the lease a process must hold to replay the queue
	DrainLease = "drain"

	// PrefixOwner marks lease owner IDs
	PrefixOwner = "own"
)

// Lease is a renewable claim on a named right shared by every process that
// opens the same database. At most one owner holds it at a time; an owner
// that stops renewing loses it once the ttl runs out.
type Lease struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
	now     func() time.Time
	name    string
	owner   string
}

// NewLease creates a lease handle with an owner ID unique to this process
func NewLease(db *sql.DB, name string, logger *loggy.Logger) *Lease {
	return &Lease{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:     time.Now,
		name:    name,
		owner:   fmt.Sprintf("%s@%d", ulid.GenerateWithPrefix(PrefixOwner).String(), os.Getpid()),
	}
}

// SetClock overrides the time source
func (l *Lease) SetClock(now func() time.Time) {
	l.now = now
}

// Owner returns the ID this handle claims the lease under
func (l *Lease) Owner() string {
	return l.owner
}

// Acquire claims or renews the lease for ttl. It reports false without error
// when another owner holds an unexpired claim.
func (l *Lease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	now := l.now()
	expires := now.Add(ttl).UnixMilli()

	query, args, err := l.builder.
		Insert(leaseTable).
		Columns("name", "owner", "expires_at", "updated_at").
		Values(l.name, l.owner, expires, database.FormatTime(now)).
		Suffix(
			"ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at, updated_at = excluded.updated_at "+
				"WHERE "+leaseTable+".owner = excluded.owner OR "+leaseTable+".expires_at <= ?",
			now.UnixMilli(),
		).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building acquire lease query: %w", err)
	}

	result, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, &PersistenceError{Op: "acquire lease", Err: err}
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, &PersistenceError{Op: "acquire lease", Err: err}
	}
	return n > 0, nil
}

// Release gives the lease up if this handle holds it
func (l *Lease) Release(ctx context.Context) error {
	query, args, err := l.builder.
		Delete(leaseTable).
		Where(sq.Eq{"name": l.name, "owner": l.owner}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building release lease query: %w", err)
	}

	result, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "release lease", Err: err}
	}
	if n, _ := result.RowsAffected(); n > 0 {
		l.logger.Debug("Released lease", "name", l.name, "owner", l.owner)
	}
	return nil
}

// Holder returns the current owner and expiry of the lease. An empty owner
// means nobody has claimed it.
func (l *Lease) Holder(ctx context.Context) (string, time.Time, error) {
	query, args, err := l.builder.
		Select("owner", "expires_at").
		From(leaseTable).
		Where(sq.Eq{"name": l.name}).
		ToSql()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("building lease holder query: %w", err)
	}

	var (
		owner   string
		expires int64
	)
	err = l.db.QueryRowContext(ctx, query, args...).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, &PersistenceError{Op: "lease holder", Err: err}
	}
	return owner, time.UnixMilli(expires).UTC(), nil
}
