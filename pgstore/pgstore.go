// Package pgstore provides PostgreSQL-backed implementations of the tunnel
// LogStore and CredentialStore interfaces.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cajax/burrow/tunnel"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_logs (
	id               BIGSERIAL PRIMARY KEY,
	hostname         TEXT NOT NULL,
	path             TEXT NOT NULL,
	method           TEXT NOT NULL,
	request_headers  TEXT NOT NULL DEFAULT '{}',
	request_body     TEXT NOT NULL DEFAULT '',
	response_status  INT,
	response_headers TEXT NOT NULL DEFAULT '{}',
	response_body    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS request_logs_hostname_created_at
	ON request_logs (hostname, created_at);

CREATE TABLE IF NOT EXISTS request_log_credentials (
	hostname   TEXT PRIMARY KEY,
	password   TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store implements tunnel.LogStore and tunnel.CredentialStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ tunnel.LogStore        = (*Store)(nil)
	_ tunnel.CredentialStore = (*Store)(nil)
)

// New connects to the database and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pgstore: migrate: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, entry *tunnel.RequestLog) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO request_logs
			(hostname, path, method, request_headers, request_body,
			 response_status, response_headers, response_body)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		entry.Hostname, entry.Path, entry.Method, entry.RequestHeaders, entry.RequestBody,
		entry.ResponseStatus, entry.ResponseHeaders, entry.ResponseBody)

	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return fmt.Errorf("pgstore: insert request log: %w", err)
	}
	return nil
}

func (s *Store) FindRecentByHostname(ctx context.Context, hostname string, limit int) ([]tunnel.RequestLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, hostname, path, method, request_headers, request_body,
		       COALESCE(response_status, 0), response_headers, response_body, created_at
		FROM request_logs
		WHERE hostname = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		hostname, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: find recent: %w", err)
	}
	defer rows.Close()

	var out []tunnel.RequestLog
	for rows.Next() {
		var e tunnel.RequestLog
		if err := rows.Scan(&e.ID, &e.Hostname, &e.Path, &e.Method,
			&e.RequestHeaders, &e.RequestBody,
			&e.ResponseStatus, &e.ResponseHeaders, &e.ResponseBody, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan request log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) FindByID(ctx context.Context, id int64) (*tunnel.RequestLog, error) {
	var e tunnel.RequestLog
	err := s.pool.QueryRow(ctx, `
		SELECT id, hostname, path, method, request_headers, request_body,
		       COALESCE(response_status, 0), response_headers, response_body, created_at
		FROM request_logs
		WHERE id = $1`,
		id).Scan(&e.ID, &e.Hostname, &e.Path, &e.Method,
		&e.RequestHeaders, &e.RequestBody,
		&e.ResponseStatus, &e.ResponseHeaders, &e.ResponseBody, &e.CreatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: find by id: %w", err)
	}
	return &e, nil
}

func (s *Store) DeleteByHostname(ctx context.Context, hostname string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM request_logs WHERE hostname = $1`, hostname)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete by hostname: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM request_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pgstore: delete older than: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Upsert(ctx context.Context, hostname, password string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO request_log_credentials (hostname, password, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (hostname)
		DO UPDATE SET password = EXCLUDED.password, updated_at = now()`,
		hostname, password)
	if err != nil {
		return fmt.Errorf("pgstore: upsert credential: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, hostname string) (string, error) {
	var password string
	err := s.pool.QueryRow(ctx,
		`SELECT password FROM request_log_credentials WHERE hostname = $1`,
		hostname).Scan(&password)

	if errors.Is(err, pgx.ErrNoRows) {
		return "", tunnel.ErrNoCredential
	}
	if err != nil {
		return "", fmt.Errorf("pgstore: get credential: %w", err)
	}
	return password, nil
}
