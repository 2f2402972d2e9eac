package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/innkeep/internal/database"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/ulid"
)

var syncLogColumns = []string{
	"id", "action_id", "operation_name", "sync_type", "success", "error_type", "error_message",
	"attempt_count", "queued_at", "started_at", "completed_at",
}

// LogFilter narrows GetSyncLogs results
type LogFilter struct {
	OperationName string
	ActionID      string
	FailedOnly    bool
	Limit         int
	Offset        int
}

// Repository defines operations for managing sync logs in the database
type Repository interface {
	// CreateSyncLog creates a new sync log
	CreateSyncLog(ctx context.Context, log *SyncLog) error

	// GetSyncLogs retrieves sync logs, newest first
	GetSyncLogs(ctx context.Context, filter LogFilter) ([]*SyncLog, error)

	// GetLatestSyncLog retrieves the latest sync log for an action
	GetLatestSyncLog(ctx context.Context, actionID string) (*SyncLog, error)

	// PruneSyncLogs deletes successful entries completed before cutoff
	PruneSyncLogs(ctx context.Context, cutoff time.Time) (int, error)
}

// SQLRepository implements the Repository interface using a SQL database
type SQLRepository struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder squirrel.StatementBuilderType
}

// NewSQLRepository creates a new SQL repository
func NewSQLRepository(db *sql.DB, logger *loggy.Logger) *SQLRepository {
	return &SQLRepository{
		db:      db,
		logger:  logger,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question),
	}
}

// CreateSyncLog creates a new sync log
func (r *SQLRepository) CreateSyncLog(ctx context.Context, log *SyncLog) error {
	if log.ID == "" {
		log.ID = ulid.SyncLogID()
	}

	q := r.builder.Insert("sync_logs").
		Columns(syncLogColumns...).
		Values(
			log.ID,
			log.ActionID,
			log.OperationName,
			string(log.SyncType),
			log.Success,
			string(log.ErrorType),
			log.ErrorMessage,
			log.AttemptCount,
			database.FormatTime(log.QueuedAt),
			database.FormatTime(log.StartedAt),
			database.FormatTime(log.CompletedAt),
		)

	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building create sync log query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing create sync log query: %w", err)
	}

	return nil
}

// GetSyncLogs retrieves sync logs, newest first
func (r *SQLRepository) GetSyncLogs(ctx context.Context, filter LogFilter) ([]*SyncLog, error) {
	q := r.builder.Select(syncLogColumns...).
		From("sync_logs").
		OrderBy("completed_at DESC", "id DESC")

	if filter.OperationName != "" {
		q = q.Where(squirrel.Eq{"operation_name": filter.OperationName})
	}
	if filter.ActionID != "" {
		q = q.Where(squirrel.Eq{"action_id": filter.ActionID})
	}
	if filter.FailedOnly {
		q = q.Where(squirrel.Eq{"success": false})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get sync logs query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing get sync logs query: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log, err := scanSyncLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning sync log row: %w", err)
		}
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sync log rows: %w", err)
	}

	return logs, nil
}

// GetLatestSyncLog retrieves the latest sync log for an action
func (r *SQLRepository) GetLatestSyncLog(ctx context.Context, actionID string) (*SyncLog, error) {
	logs, err := r.GetSyncLogs(ctx, LogFilter{ActionID: actionID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, nil
	}
	return logs[0], nil
}

// PruneSyncLogs deletes successful entries completed before cutoff. Failed
// entries are kept as the audit trail of rejected operations.
func (r *SQLRepository) PruneSyncLogs(ctx context.Context, cutoff time.Time) (int, error) {
	query, args, err := r.builder.Delete("sync_logs").
		Where(squirrel.Eq{"success": true}).
		Where(squirrel.Lt{"completed_at": database.FormatTime(cutoff)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building prune sync logs query: %w", err)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("executing prune sync logs query: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading pruned row count: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncLog(row rowScanner) (*SyncLog, error) {
	var (
		log                             SyncLog
		syncType, errorType             string
		queuedAt, startedAt, completedAt string
	)

	err := row.Scan(
		&log.ID,
		&log.ActionID,
		&log.OperationName,
		&syncType,
		&log.Success,
		&errorType,
		&log.ErrorMessage,
		&log.AttemptCount,
		&queuedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	log.SyncType = SyncType(syncType)
	log.ErrorType = SyncErrorType(errorType)

	for _, ts := range []struct {
		raw string
		dst *time.Time
	}{
		{queuedAt, &log.QueuedAt},
		{startedAt, &log.StartedAt},
		{completedAt, &log.CompletedAt},
	} {
		t, err := database.ParseTime(ts.raw)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("sync log %s", log.ID), err)
		}
		*ts.dst = t
	}

	return &log, nil
}
