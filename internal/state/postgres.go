package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	errs "github.com/ttn-nguyen42/retryq/internal/errors"
)

// unique_violation
const pqUniqueViolation = "23505"

type pgStore struct {
	logger *slog.Logger
	db     *sql.DB
	table  string
}

type PostgresOpts struct {
	DSN    string
	Table  string
	Logger *slog.Logger
}

// NewPostgresStore opens a postgres backed Store and creates its table if needed.
func NewPostgresStore(ctx context.Context, opts *PostgresOpts) (Store, error) {
	if opts == nil || len(opts.DSN) == 0 {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	table := opts.Table
	if len(table) == 0 {
		table = "tasks"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &pgStore{
		logger: logger,
		db:     db,
		table:  pq.QuoteIdentifier(table),
	}

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *pgStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	query := `
		CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			task_id    TEXT PRIMARY KEY,
			status     TEXT NOT NULL,
			attempts   INTEGER NOT NULL DEFAULT 0,
			payload    JSONB NOT NULL,
			error      TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	return nil
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

func (s *pgStore) CreateInfo(ctx context.Context, t *TaskInfo) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO ` + s.table + ` (task_id, status, attempts, payload, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		t.ID, t.Status, t.Attempts, payload, nullString(t.Error), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return errs.NewErrAlreadyExists("task")
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return errs.NewErrAlreadyExists("task")
	}

	return nil
}

const pgColumns = `task_id, status, attempts, payload, error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInfo(row rowScanner) (*TaskInfo, error) {
	var (
		t       TaskInfo
		payload []byte
		reason  sql.NullString
	)

	err := row.Scan(&t.ID, &t.Status, &t.Attempts, &payload, &reason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	t.Error = reason.String

	return &t, nil
}

func (s *pgStore) GetInfo(ctx context.Context, id string) (*TaskInfo, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pgColumns+` FROM `+s.table+` WHERE task_id = $1`, id)

	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NewErrNotFound("task")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	return info, nil
}

func (s *pgStore) ListInfo(ctx context.Context, skip uint64, limit uint64) ([]TaskInfo, error) {
	if limit == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgColumns+` FROM `+s.table+` ORDER BY task_id LIMIT $1 OFFSET $2`, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var list []TaskInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		list = append(list, *info)
	}

	return list, rows.Err()
}

func (s *pgStore) BeginAttempt(ctx context.Context, id string) (*TaskInfo, error) {
	query := `
		UPDATE ` + s.table + `
		SET attempts = attempts + 1, status = $2, updated_at = $3
		WHERE task_id = $1 AND status NOT IN ($4, $5)
		RETURNING ` + pgColumns

	row := s.db.QueryRowContext(ctx, query,
		id, TaskStatusProcessing, time.Now().UTC(), TaskStatusCompleted, TaskStatusFailedFinal)

	return s.resolveUpdate(ctx, id, row, TaskStatusProcessing)
}

func (s *pgStore) Transition(ctx context.Context, id string, status TaskStatus, reason string) (*TaskInfo, error) {
	allowed := make([]string, 0, len(transitions))
	for from := range transitions {
		if CanTransition(from, status) {
			allowed = append(allowed, string(from))
		}
	}

	query := `
		UPDATE ` + s.table + `
		SET status = $2, error = $3, updated_at = $4
		WHERE task_id = $1 AND status = ANY($5)
		RETURNING ` + pgColumns

	row := s.db.QueryRowContext(ctx, query,
		id, status, nullString(reason), time.Now().UTC(), pq.Array(allowed))

	return s.resolveUpdate(ctx, id, row, status)
}

// resolveUpdate turns a conditional UPDATE ... RETURNING into the Store contract.
// When no row matched, it reads the task back to tell a missing task from a refused one.
func (s *pgStore) resolveUpdate(ctx context.Context, id string, row *sql.Row, to TaskStatus) (*TaskInfo, error) {
	info, err := scanInfo(row)
	if err == nil {
		return info, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	cur, err := s.GetInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	return refused(cur, to)
}

// refused explains why a conditional update did not apply to cur.
// It always returns an error: the caller must not act on an update that was not written.
func refused(cur *TaskInfo, to TaskStatus) (*TaskInfo, error) {
	if cur.Status.IsTerminal() {
		return cur, errs.NewErrTerminal("task")
	}

	return cur, fmt.Errorf("task %s was not moved from %s to %s", cur.ID, cur.Status, to)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: len(s) > 0}
}
