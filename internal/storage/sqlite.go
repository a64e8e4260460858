package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is fixed-width so lexical order of stored timestamps matches
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store wraps a SQLite database holding question records.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "askgram.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Questions ---

const questionColumns = `id, owner, prompt, metadata, created_at, timeout_seconds, external_ref, status, response, response_at`

// CreateQuestion inserts a new pending question.
func (s *Store) CreateQuestion(ctx context.Context, q Question) error {
	status := q.Status
	if status == "" {
		status = StatusPending
	}
	timeout := q.TimeoutSeconds
	if timeout <= 0 {
		timeout = 300
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO questions (id, owner, prompt, metadata, created_at, timeout_seconds, external_ref, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.Owner, q.Prompt, nullString(q.Metadata), formatTime(q.CreatedAt),
		timeout, nullString(q.ExternalRef), status,
	)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateID, q.ID)
	}
	return err
}

// GetQuestion returns the question with the given id owned by owner.
func (s *Store) GetQuestion(ctx context.Context, id, owner string) (Question, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ? AND owner = ?`, id, owner)
	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return Question{}, ErrNotFound
	}
	return q, err
}

// CompleteQuestion moves a pending question to completed. It reports true if
// this call performed the transition. If the question was already completed the
// stored record is returned unchanged with false and a nil error.
func (s *Store) CompleteQuestion(ctx context.Context, id, owner, response string, at time.Time) (Question, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Question{}, false, fmt.Errorf("beginning complete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE questions SET status = 'completed', response = ?, response_at = ?
		WHERE id = ? AND owner = ? AND status = 'pending'`,
		response, formatTime(at), id, owner,
	)
	if err != nil {
		return Question{}, false, fmt.Errorf("updating question: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Question{}, false, fmt.Errorf("checking updated question rows: %w", err)
	}

	row := tx.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = ? AND owner = ?`, id, owner)
	q, err := scanQuestion(row)
	if err == sql.ErrNoRows {
		return Question{}, false, ErrNotFound
	}
	if err != nil {
		return Question{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Question{}, false, fmt.Errorf("committing complete: %w", err)
	}
	return q, n == 1, nil
}

// ListQuestions returns an owner's questions, newest first.
func (s *Store) ListQuestions(ctx context.Context, owner string, opts ListOptions) ([]Question, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	query := `SELECT ` + questionColumns + ` FROM questions WHERE owner = ?`
	if opts.CompletedOnly {
		query += ` AND status = 'completed'`
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`

	return s.queryQuestions(ctx, query, owner, limit)
}

// ListPending returns every pending question for owner, newest first.
func (s *Store) ListPending(ctx context.Context, owner string) ([]Question, error) {
	return s.queryQuestions(ctx, `SELECT `+questionColumns+` FROM questions
		WHERE owner = ? AND status = 'pending'
		ORDER BY created_at DESC, rowid DESC`, owner)
}

// ListActiveOwners returns up to limit owners that have at least one pending
// question, ordered by their newest pending question.
func (s *Store) ListActiveOwners(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner FROM questions
		WHERE status = 'pending'
		GROUP BY owner
		ORDER BY MAX(created_at) DESC, MAX(rowid) DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, err
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// DeleteOlderThan removes every question created before cutoff regardless of
// status or owner, returning the number of rows deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vacuum rebuilds the database file to reclaim space freed by deletes.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) queryQuestions(ctx context.Context, query string, args ...any) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, q)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuestion(r rowScanner) (Question, error) {
	var q Question
	var createdAt string
	var metadata, externalRef, response, responseAt sql.NullString
	if err := r.Scan(&q.ID, &q.Owner, &q.Prompt, &metadata, &createdAt, &q.TimeoutSeconds,
		&externalRef, &q.Status, &response, &responseAt); err != nil {
		return Question{}, err
	}
	t, err := time.Parse(timeFormat, createdAt)
	if err != nil {
		return Question{}, fmt.Errorf("parsing created_at for question %s: %w", q.ID, err)
	}
	q.CreatedAt = t
	q.Metadata = metadata.String
	q.ExternalRef = externalRef.String
	q.Response = response.String
	if responseAt.Valid {
		rt, err := time.Parse(timeFormat, responseAt.String)
		if err != nil {
			return Question{}, fmt.Errorf("parsing response_at for question %s: %w", q.ID, err)
		}
		q.ResponseAt = &rt
	}
	return q, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isPrimaryKeyViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
