package remote

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/study-sync/internal/model"
)

// Pool abstracts the pgx pool so PostgresStore can run against pgxmock in
// unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements DocumentStore on a shared Postgres collection.
// Deployments that own their infrastructure point every browser-side agent
// at the same database instead of the hosted HTTP API.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS documents (
	data_type  TEXT NOT NULL,
	doc_key    TEXT NOT NULL,
	user_id    TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (data_type, doc_key)
);

CREATE INDEX IF NOT EXISTS idx_documents_user_id ON documents(user_id);
`

// Migrate creates the documents table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Put upserts a document. The version guard makes the upsert a no-op when a
// newer version is already stored, so a stale in-flight push cannot clobber
// a later write.
func (s *PostgresStore) Put(ctx context.Context, doc model.Document) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (data_type, doc_key, user_id, payload, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (data_type, doc_key) DO UPDATE
		 SET user_id = EXCLUDED.user_id, payload = EXCLUDED.payload,
		     version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
		 WHERE documents.version <= EXCLUDED.version`,
		string(doc.DataType), doc.Key, doc.UserID, []byte(doc.Payload),
		doc.Version, doc.CreatedAt, doc.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: put %s/%s", doc.DataType, doc.Key)
}

// List returns all documents of one data type.
func (s *PostgresStore) List(ctx context.Context, dataType model.DataType) ([]model.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data_type, doc_key, user_id, payload, version, created_at, updated_at
		 FROM documents WHERE data_type = $1 ORDER BY updated_at DESC`,
		string(dataType),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list %s", dataType)
	}
	defer rows.Close()

	var docs []model.Document
	for rows.Next() {
		var d model.Document
		var dt string
		var payload []byte
		if err := rows.Scan(&dt, &d.Key, &d.UserID, &payload, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan document")
		}
		d.DataType = model.DataType(dt)
		d.Payload = payload
		docs = append(docs, d)
	}
	return docs, eris.Wrapf(rows.Err(), "postgres: list %s iterate", dataType)
}
