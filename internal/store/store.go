package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Store persists the catalog, sessions, answers and derived rows.
type Store struct {
	db     *sql.DB
	driver Driver
}

// New opens a SQLite database at dbPath and ensures the schema exists.
func New(dbPath string) (*Store, error) {
	return Open(context.Background(), DriverSQLite, dbPath)
}

// Open opens a database for the given driver and ensures the schema exists.
// For SQLite dsn is a file path (or ":memory:"); for Postgres it is a connection URL.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite"
		if dsn == "" {
			dsn = "assessor.db"
		}
		params := "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
		if dsn != ":memory:" {
			params += "&_pragma=journal_mode(WAL)"
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + params
		} else {
			dsn += "?" + params
		}
	case DriverPostgres:
		drvName = "pgx"
		if dsn == "" {
			dsn = "postgres://localhost:5432/assessor?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; also keeps ":memory:" on a single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	schema := schemaSQLite
	if s.driver == DriverPostgres {
		schema = schemaPostgres
	}
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// withTx runs fn inside a transaction, committing if fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS exams (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	grade_level TEXT NOT NULL DEFAULT '',
	duration_minutes INTEGER NOT NULL,
	total_marks REAL NOT NULL DEFAULT 0,
	passing_marks REAL NOT NULL DEFAULT 0,
	start_date DATETIME,
	end_date DATETIME,
	shuffle_questions BOOLEAN NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'draft',
	grade_scale_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	question_number INTEGER NOT NULL,
	question_type TEXT NOT NULL,
	prompt TEXT NOT NULL,
	options_json TEXT NOT NULL DEFAULT '[]',
	correct_answer TEXT NOT NULL DEFAULT '',
	answer_key_json TEXT NOT NULL DEFAULT '[]',
	explanation TEXT NOT NULL DEFAULT '',
	marks REAL NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exam_id TEXT NOT NULL REFERENCES exams(id),
	state TEXT NOT NULL DEFAULT 'in_progress',
	time_remaining_seconds INTEGER NOT NULL,
	started_at DATETIME NOT NULL,
	submitted_at DATETIME,
	total_marks_obtained REAL NOT NULL DEFAULT 0,
	percentage REAL NOT NULL DEFAULT 0,
	grade TEXT NOT NULL DEFAULT '',
	passed BOOLEAN NOT NULL DEFAULT 0,
	objective_score REAL NOT NULL DEFAULT 0,
	subjective_score REAL NOT NULL DEFAULT 0,
	subjective_graded BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE (user_id, exam_id)
);

CREATE TABLE IF NOT EXISTS answers (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	question_id TEXT NOT NULL REFERENCES questions(id),
	user_answer TEXT NOT NULL,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	is_correct BOOLEAN,
	marks_obtained REAL NOT NULL DEFAULT 0,
	grader_feedback TEXT NOT NULL DEFAULT '',
	graded BOOLEAN NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS mistake_log (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	exam_id TEXT NOT NULL,
	question_id TEXT NOT NULL,
	question_text TEXT NOT NULL,
	question_type TEXT NOT NULL,
	user_answer TEXT NOT NULL,
	correct_answer TEXT NOT NULL,
	explanation TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT '',
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	resolved BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	UNIQUE (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS score_history (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL UNIQUE,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	score_percentage REAL NOT NULL,
	total_questions INTEGER NOT NULL,
	answered_count INTEGER NOT NULL,
	correct_count INTEGER NOT NULL,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_imports (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at DATETIME NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS exams (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	grade_level TEXT NOT NULL DEFAULT '',
	duration_minutes INTEGER NOT NULL,
	total_marks DOUBLE PRECISION NOT NULL DEFAULT 0,
	passing_marks DOUBLE PRECISION NOT NULL DEFAULT 0,
	start_date TIMESTAMPTZ,
	end_date TIMESTAMPTZ,
	shuffle_questions BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL DEFAULT 'draft',
	grade_scale_json TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS questions (
	id TEXT PRIMARY KEY,
	exam_id TEXT NOT NULL REFERENCES exams(id) ON DELETE CASCADE,
	question_number INTEGER NOT NULL,
	question_type TEXT NOT NULL,
	prompt TEXT NOT NULL,
	options_json TEXT NOT NULL DEFAULT '[]',
	correct_answer TEXT NOT NULL DEFAULT '',
	answer_key_json TEXT NOT NULL DEFAULT '[]',
	explanation TEXT NOT NULL DEFAULT '',
	marks DOUBLE PRECISION NOT NULL,
	topic TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL DEFAULT '',
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exam_id TEXT NOT NULL REFERENCES exams(id),
	state TEXT NOT NULL DEFAULT 'in_progress',
	time_remaining_seconds INTEGER NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	total_marks_obtained DOUBLE PRECISION NOT NULL DEFAULT 0,
	percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
	grade TEXT NOT NULL DEFAULT '',
	passed BOOLEAN NOT NULL DEFAULT FALSE,
	objective_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	subjective_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	subjective_graded BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (user_id, exam_id)
);

CREATE TABLE IF NOT EXISTS answers (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	question_id TEXT NOT NULL REFERENCES questions(id),
	user_answer TEXT NOT NULL,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL,
	is_correct BOOLEAN,
	marks_obtained DOUBLE PRECISION NOT NULL DEFAULT 0,
	grader_feedback TEXT NOT NULL DEFAULT '',
	graded BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS mistake_log (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	exam_id TEXT NOT NULL,
	question_id TEXT NOT NULL,
	question_text TEXT NOT NULL,
	question_type TEXT NOT NULL,
	user_answer TEXT NOT NULL,
	correct_answer TEXT NOT NULL,
	explanation TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	topic TEXT NOT NULL DEFAULT '',
	difficulty TEXT NOT NULL DEFAULT '',
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	resolved BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (session_id, question_id)
);

CREATE TABLE IF NOT EXISTS score_history (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	session_id TEXT NOT NULL UNIQUE,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	score_percentage DOUBLE PRECISION NOT NULL,
	total_questions INTEGER NOT NULL,
	answered_count INTEGER NOT NULL,
	correct_count INTEGER NOT NULL,
	time_spent_seconds INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS catalog_imports (
	path TEXT PRIMARY KEY,
	hash TEXT NOT NULL,
	imported_at TIMESTAMPTZ NOT NULL
);
`
