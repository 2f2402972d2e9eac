package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/tildaslashalef/innkeep/internal/database"
	"github.com/tildaslashalef/innkeep/internal/loggy"
	"github.com/tildaslashalef/innkeep/internal/ulid"
)

const tableName = "queued_actions"

var actionColumns = []string{
	"id", "operation_name", "payload", "status", "attempt_count", "last_error", "created_at", "updated_at",
}

// Store is the durable FIFO of queued actions. Feature code only enqueues;
// status changes belong to the synchronizer.
type Store interface {
	// Enqueue appends a pending action
	Enqueue(ctx context.Context, operationName string, payload json.RawMessage) (*QueuedAction, error)
	// List returns matching actions oldest first
	List(ctx context.Context, filter Filter) ([]*QueuedAction, error)
	// Get returns one action
	Get(ctx context.Context, id string) (*QueuedAction, error)
	// Counts returns the queue depth per status
	Counts(ctx context.Context) (Counts, error)

	// MarkSyncing claims a pending or failed action for replay
	MarkSyncing(ctx context.Context, id string) error
	// MarkSynced records that the backend accepted the replay
	MarkSynced(ctx context.Context, id string) error
	// MarkFailed records a rejection, incrementing the attempt count
	MarkFailed(ctx context.Context, id string, reason string) error
	// Release hands a syncing action back to pending after an interrupted replay,
	// incrementing the attempt count
	Release(ctx context.Context, id string, reason string) error
	// Retry moves a failed action back to pending, keeping its attempt count
	Retry(ctx context.Context, id string) error
	// RetryAll moves every failed action back to pending
	RetryAll(ctx context.Context) (int, error)
	// Remove deletes an action. Removing a missing action is a no-op.
	Remove(ctx context.Context, id string) error
	// RecoverInFlight returns actions left syncing by a crash to pending and
	// deletes synced actions whose removal never landed
	RecoverInFlight(ctx context.Context) (int, error)
}

// SQLStore implements Store on SQLite
type SQLStore struct {
	db      *sql.DB
	logger  *loggy.Logger
	builder sq.StatementBuilderType
	now     func() time.Time

	// serializes mutations so concurrent callers never interleave a
	// read-check-write sequence
	mu sync.Mutex
}

// NewSQLStore creates a store over db
func NewSQLStore(db *sql.DB, logger *loggy.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		logger:  logger,
		builder: sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:     time.Now,
	}
}

// SetClock overrides the time source
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue appends a pending action
func (s *SQLStore) Enqueue(ctx context.Context, operationName string, payload json.RawMessage) (*QueuedAction, error) {
	if operationName == "" {
		return nil, fmt.Errorf("operation name is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("payload for %s is not valid JSON", operationName)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	action := &QueuedAction{
		ID:            ulid.ActionID(now),
		OperationName: operationName,
		Payload:       append(json.RawMessage(nil), payload...),
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	query, args, err := s.builder.
		Insert(tableName).
		Columns(actionColumns...).
		Values(
			action.ID,
			action.OperationName,
			[]byte(action.Payload),
			string(action.Status),
			action.AttemptCount,
			nil,
			database.FormatTime(action.CreatedAt),
			database.FormatTime(action.UpdatedAt),
		).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building enqueue query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return nil, &PersistenceError{Op: "enqueue", Err: err}
	}

	s.logger.Info("Queued action", "id", action.ID, "operation", operationName)
	return action, nil
}

// List returns matching actions oldest first
func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*QueuedAction, error) {
	q := s.builder.
		Select(actionColumns...).
		From(tableName).
		OrderBy("created_at ASC", "id ASC")

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		q = q.Where(sq.Eq{"status": statuses})
	}
	if filter.OperationName != "" {
		q = q.Where(sq.Eq{"operation_name": filter.OperationName})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building list query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}
	defer rows.Close()

	var actions []*QueuedAction
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, &PersistenceError{Op: "list", Err: err}
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "list", Err: err}
	}

	return actions, nil
}

// Get returns one action
func (s *SQLStore) Get(ctx context.Context, id string) (*QueuedAction, error) {
	query, args, err := s.builder.
		Select(actionColumns...).
		From(tableName).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}

	action, err := scanAction(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "get", Err: err}
	}
	return action, nil
}

// Counts returns the queue depth per status
func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	query, args, err := s.builder.
		Select("status", "COUNT(*)").
		From(tableName).
		GroupBy("status").
		ToSql()
	if err != nil {
		return Counts{}, fmt.Errorf("building counts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Counts{}, &PersistenceError{Op: "counts", Err: err}
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, &PersistenceError{Op: "counts", Err: err}
		}
		switch Status(status) {
		case StatusPending:
			counts.Pending = n
		case StatusSyncing:
			counts.Syncing = n
		case StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, &PersistenceError{Op: "counts", Err: err}
	}

	return counts, nil
}

// MarkSyncing claims a pending or failed action for replay
func (s *SQLStore) MarkSyncing(ctx context.Context, id string) error {
	return s.transition(ctx, "mark syncing", id, StatusSyncing, nil)
}

// MarkSynced records that the backend accepted the replay
func (s *SQLStore) MarkSynced(ctx context.Context, id string) error {
	return s.transition(ctx, "mark synced", id, StatusSynced, func(u sq.UpdateBuilder) sq.UpdateBuilder {
		return u.Set("last_error", nil)
	})
}

// MarkFailed records a rejection, incrementing the attempt count
func (s *SQLStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, "mark failed", id, StatusFailed, func(u sq.UpdateBuilder) sq.UpdateBuilder {
		return u.Set("attempt_count", sq.Expr("attempt_count + 1")).Set("last_error", reason)
	})
}

// Release hands a syncing action back to pending after an interrupted replay
func (s *SQLStore) Release(ctx context.Context, id string, reason string) error {
	return s.transition(ctx, "release", id, StatusPending, func(u sq.UpdateBuilder) sq.UpdateBuilder {
		return u.Set("attempt_count", sq.Expr("attempt_count + 1")).Set("last_error", reason)
	}, StatusSyncing)
}

// Retry moves a failed action back to pending, keeping its attempt count
func (s *SQLStore) Retry(ctx context.Context, id string) error {
	return s.transition(ctx, "retry", id, StatusPending, nil, StatusFailed)
}

// transition moves id to target inside a transaction. from restricts the
// allowed source statuses further than the state machine does.
func (s *SQLStore) transition(ctx context.Context, op, id string, target Status, extra func(sq.UpdateBuilder) sq.UpdateBuilder, from ...Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := database.WithTransaction(ctx, s.db, func(tx *sql.Tx) error {
		query, args, err := s.builder.
			Select("status").
			From(tableName).
			Where(sq.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("building status query: %w", err)
		}

		var current string
		if err := tx.QueryRowContext(ctx, query, args...).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return &PersistenceError{Op: op, Err: err}
		}

		if !allowed(Status(current), target, from) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
		}

		u := s.builder.
			Update(tableName).
			Set("status", string(target)).
			Set("updated_at", database.FormatTime(s.now())).
			Where(sq.Eq{"id": id, "status": current})
		if extra != nil {
			u = extra(u)
		}

		query, args, err = u.ToSql()
		if err != nil {
			return fmt.Errorf("building %s query: %w", op, err)
		}

		result, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return &PersistenceError{Op: op, Err: err}
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
		}
		return nil
	})

	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidTransition) && !IsPersistence(err) {
			err = &PersistenceError{Op: op, Err: err}
		}
		return err
	}

	s.logger.Debug("Queued action transitioned", "id", id, "status", target)
	return nil
}

func allowed(current, target Status, from []Status) bool {
	if !canTransition(current, target) {
		return false
	}
	if len(from) == 0 {
		return true
	}
	for _, f := range from {
		if f == current {
			return true
		}
	}
	return false
}

// RetryAll moves every failed action back to pending
func (s *SQLStore) RetryAll(ctx context.Context) (int, error) {
	return s.bulkMove(ctx, "retry all", StatusFailed, StatusPending)
}

// RecoverInFlight returns actions left syncing by a crash to pending. The
// attempt count is left alone: the replay may never have reached the backend.
// Synced actions are already accepted by the backend and are deleted.
func (s *SQLStore) RecoverInFlight(ctx context.Context) (int, error) {
	n, err := s.bulkMove(ctx, "recover", StatusSyncing, StatusPending)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("Recovered actions interrupted mid-replay", "count", n)
	}

	purged, err := s.purgeSynced(ctx)
	if err != nil {
		return n, err
	}
	if purged > 0 {
		s.logger.Info("Deleted synced actions left behind", "count", purged)
	}
	return n, nil
}

func (s *SQLStore) purgeSynced(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := s.builder.
		Delete(tableName).
		Where(sq.Eq{"status": string(StatusSynced)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building purge query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &PersistenceError{Op: "purge synced", Err: err}
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, &PersistenceError{Op: "purge synced", Err: err}
	}
	return int(n), nil
}

func (s *SQLStore) bulkMove(ctx context.Context, op string, from, to Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := s.builder.
		Update(tableName).
		Set("status", string(to)).
		Set("updated_at", database.FormatTime(s.now())).
		Where(sq.Eq{"status": string(from)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building %s query: %w", op, err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, &PersistenceError{Op: op, Err: err}
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, &PersistenceError{Op: op, Err: err}
	}
	return int(n), nil
}

// Remove deletes an action. A syncing action belongs to the running drain
// pass and cannot be removed.
func (s *SQLStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query, args, err := s.builder.
		Delete(tableName).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"status": string(StatusSyncing)}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building remove query: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &PersistenceError{Op: "remove", Err: err}
	}

	n, err := result.RowsAffected()
	if err != nil {
		return &PersistenceError{Op: "remove", Err: err}
	}
	if n > 0 {
		return nil
	}

	// Nothing deleted: either already gone, which is fine, or in flight
	query, args, err = s.builder.
		Select("status").
		From(tableName).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building status query: %w", err)
	}

	var status string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return &PersistenceError{Op: "remove", Err: err}
	}
	return fmt.Errorf("%w: cannot remove a %s action", ErrInvalidTransition, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (*QueuedAction, error) {
	var (
		action               QueuedAction
		payload              []byte
		status               string
		lastError            sql.NullString
		createdAt, updatedAt string
	)

	if err := row.Scan(
		&action.ID,
		&action.OperationName,
		&payload,
		&status,
		&action.AttemptCount,
		&lastError,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if action.CreatedAt, err = database.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if action.UpdatedAt, err = database.ParseTime(updatedAt); err != nil {
		return nil, err
	}

	action.Payload = json.RawMessage(payload)
	action.Status = Status(status)
	action.LastError = lastError.String
	return &action, nil
}
