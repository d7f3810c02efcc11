package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS emotion_records (
	id          UUID PRIMARY KEY,
	session     TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	label       TEXT NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	region      JSONB NOT NULL,
	emotions    JSONB NOT NULL,
	faces       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS emotion_records_session_time ON emotion_records (session, captured_at);
CREATE TABLE IF NOT EXISTS screenshots (
	id          UUID PRIMARY KEY,
	session     TEXT NOT NULL,
	captured_at TIMESTAMPTZ NOT NULL,
	location    TEXT NOT NULL
);`

// PostgresStore writes the journal to PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and pings the database.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the journal tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	region, err := json.Marshal(rec.Region)
	if err != nil {
		return fmt.Errorf("encode region: %w", err)
	}
	emotions, err := json.Marshal(rec.Emotions)
	if err != nil {
		return fmt.Errorf("encode emotions: %w", err)
	}
	faces, err := json.Marshal(rec.Faces)
	if err != nil {
		return fmt.Errorf("encode faces: %w", err)
	}

	query := `
		INSERT INTO emotion_records (
			id, session, seq, captured_at, label, confidence, region, emotions, faces
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = s.pool.Exec(ctx, query,
		rec.ID, rec.Session, int64(rec.Seq), rec.Timestamp, rec.Label, rec.Confidence,
		string(region), string(emotions), string(faces),
	)
	if err != nil {
		return fmt.Errorf("insert emotion record: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendScreenshot(ctx context.Context, shot Screenshot) error {
	query := `INSERT INTO screenshots (id, session, captured_at, location) VALUES ($1,$2,$3,$4)`
	if _, err := s.pool.Exec(ctx, query, shot.ID, shot.Session, shot.Timestamp, shot.Location); err != nil {
		return fmt.Errorf("insert screenshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
