package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock
// satisfies it in tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection
// for the hot session operations.
var preparedStatements = map[string]string{
	"get_session":        `SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at FROM sessions WHERE id = $1`,
	"get_session_domain": `SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at FROM sessions WHERE owner = $1 AND domain = $2`,
	"insert_session":     `INSERT INTO sessions (id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
	"update_session":     `UPDATE sessions SET current_phase = $1, status = $2, results = $3, correlation_id = $4, updated_at = $5 WHERE id = $6`,
	"delete_session":     `DELETE FROM sessions WHERE id = $1`,
}

// PostgresStore implements Store using pgxpool. Used when several
// operators share one deployment.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests use it with pgxmock.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	owner          TEXT NOT NULL,
	domain         TEXT NOT NULL,
	current_phase  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'idle',
	results        JSONB NOT NULL DEFAULT '{}'::jsonb,
	correlation_id TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (owner, domain)
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at
		 FROM sessions WHERE id = $1`,
		id,
	)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: %s", id)
	}
	return sess, err
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, owner, domain string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at
		 FROM sessions WHERE owner = $1 AND domain = $2`,
		owner, domain,
	)
	sess, err := scanPgSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	sess = New(owner, domain)
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.Owner, sess.Domain, sess.CurrentPhase, string(sess.Status),
		[]byte("{}"), sess.CorrelationID, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert session %s/%s", owner, domain)
	}
	return sess, nil
}

func (s *PostgresStore) Save(ctx context.Context, sess *Session) error {
	resultsJSON, err := json.Marshal(sess.Results)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal results")
	}
	sess.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET current_phase = $1, status = $2, results = $3, correlation_id = $4, updated_at = $5
		 WHERE id = $6`,
		sess.CurrentPhase, string(sess.Status), resultsJSON, sess.CorrelationID, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: %s", sess.ID)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]Session, error) {
	query := `SELECT id, owner, domain, current_phase, status, results, correlation_id, created_at, updated_at
	          FROM sessions WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Owner != "" {
		query += fmt.Sprintf(` AND owner = $%d`, argIdx)
		args = append(args, filter.Owner)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete session %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: %s", id)
	}
	return nil
}

func scanPgSession(row pgx.Row) (*Session, error) {
	var sess Session
	var status string
	var resultsJSON []byte

	err := row.Scan(&sess.ID, &sess.Owner, &sess.Domain, &sess.CurrentPhase,
		&status, &resultsJSON, &sess.CorrelationID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan session")
	}

	sess.Status = Status(status)
	if err := json.Unmarshal(resultsJSON, &sess.Results); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal results")
	}
	if sess.Results == nil {
		sess.Results = make(map[string]*PhaseRecord)
	}
	return &sess, nil
}
