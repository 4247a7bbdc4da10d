package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/drip/pkg/schema"
)

// LibSQLStore implements RunStore, EventStore and SecretStore on libSQL
// (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/drip.db". Call Migrate
// before use.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: time.Now}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies the embedded migrations that have not run yet.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db, migrationFiles)
}

// --- Runs ---

func (s *LibSQLStore) PutRun(ctx context.Context, run *schema.Run) error {
	data, err := encodeRun(run)
	if err != nil {
		return schema.PersistenceError("encode run", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, parent_id, workflow_id, status, wake_at, updated_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   parent_id=excluded.parent_id, workflow_id=excluded.workflow_id, status=excluded.status,
		   wake_at=excluded.wake_at, updated_at=excluded.updated_at, data=excluded.data`,
		run.ID, nullStr(run.ParentID), run.WorkflowID, string(run.Status),
		nullNanos(run.WakeAt), unixNanos(run.UpdatedAt), string(data),
	)
	if err != nil {
		return schema.PersistenceError("put run "+run.ID, err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*schema.Run, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, schema.PersistenceError("get run "+id, err)
	}
	return decodeRun([]byte(data))
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete run: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if err := checkRowsAffected(res, "run", id); err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM run_leases WHERE run_id = ?`,
		`DELETE FROM run_events WHERE run_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete run data: %w", err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListDue(ctx context.Context, until time.Time, limit int) ([]*schema.Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM runs WHERE status = ? AND wake_at IS NOT NULL AND wake_at <= ?
		 ORDER BY wake_at ASC, id ASC LIMIT ?`,
		string(schema.RunStatusWaiting), unixNanos(until), limit,
	)
	if err != nil {
		return nil, schema.PersistenceError("list due runs", err)
	}
	return scanRuns(rows)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	query := `SELECT data FROM runs`
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Prefix != "" {
		where = append(where, "substr(id, 1, ?) = ?")
		args = append(args, len(filter.Prefix), filter.Prefix)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.PersistenceError("list runs", err)
	}
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]*schema.Run, error) {
	defer rows.Close()
	var runs []*schema.Run
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		run, err := decodeRun([]byte(data))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Leases ---

func (s *LibSQLStore) TryAcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_leases (run_id, owner, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET owner=excluded.owner, expires_at=excluded.expires_at
		 WHERE run_leases.owner = excluded.owner OR run_leases.expires_at <= ?`,
		id, owner, unixNanos(now.Add(ttl)), unixNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	if err := checkLeaseArgs(owner, ttl); err != nil {
		return false, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_leases SET expires_at = ? WHERE run_id = ? AND owner = ? AND expires_at > ?`,
		unixNanos(now.Add(ttl)), id, owner, unixNanos(now),
	)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ReleaseLease(ctx context.Context, id, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_leases WHERE run_id = ? AND owner = ?`, id, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	now := unixNanos(s.now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=?`,
		key, value, now, now,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ RunStore    = (*LibSQLStore)(nil)
	_ EventStore  = (*LibSQLStore)(nil)
	_ SecretStore = (*LibSQLStore)(nil)
)
