package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite. The default
// backend: a single local file, no external service.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	owner          TEXT NOT NULL,
	domain         TEXT NOT NULL,
	current_phase  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'idle',
	results        TEXT NOT NULL DEFAULT '{}',
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (owner, domain)
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		id,
	)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: %s", id)
	}
	return sess, err
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, owner, domain string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at
		 FROM sessions WHERE owner = ? AND domain = ?`,
		owner, domain,
	)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	sess = New(owner, domain)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Owner, sess.Domain, sess.CurrentPhase, string(sess.Status),
		"{}", sess.CorrelationID, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert session %s/%s", owner, domain)
	}
	return sess, nil
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	resultsJSON, err := json.Marshal(sess.Results)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal results")
	}
	sess.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET current_phase = ?, status = ?, results = ?, correlation_id = ?, updated_at = ?
		 WHERE id = ?`,
		sess.CurrentPhase, string(sess.Status), string(resultsJSON), sess.CorrelationID, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save session %s", sess.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s", sess.ID)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter Filter) ([]Session, error) {
	query := `SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at
	          FROM sessions WHERE 1=1`
	var args []any

	if filter.Owner != "" {
		query += ` AND owner = ?`
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete session %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	var status, resultsJSON string

	err := row.Scan(&sess.ID, &sess.Owner, &sess.Domain, &sess.CurrentPhase,
		&status, &resultsJSON, &sess.CorrelationID, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}

	sess.Status = Status(status)
	if err := json.Unmarshal([]byte(resultsJSON), &sess.Results); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal results")
	}
	if sess.Results == nil {
		sess.Results = make(map[string]*PhaseRecord)
	}
	return &sess, nil
}
