package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the persona tables. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS personas (
    persona_id  TEXT PRIMARY KEY,
    metadata    JSONB NOT NULL DEFAULT '{}',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS persona_versions (
    persona_id  TEXT NOT NULL REFERENCES personas(persona_id),
    version     TEXT NOT NULL,
    pack        JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (persona_id, version)
);
CREATE INDEX IF NOT EXISTS idx_persona_versions_persona ON persona_versions(persona_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Packs are serialised as
// JSONB in their wire format.
type PostgresStore struct {
	db  DB
	ctx context.Context
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store over the given connection or pool. ctx is
// used for all queries issued through the [Store] interface; pass the session
// context. The caller is responsible for calling [PostgresStore.Migrate]
// before issuing queries.
func NewPostgresStore(ctx context.Context, db DB) *PostgresStore {
	return &PostgresStore{db: db, ctx: ctx}
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("persona: migrate: %w", err)
	}
	return nil
}

// CreatePersona inserts a persona row. Duplicate ids are an error.
func (s *PostgresStore) CreatePersona(personaID string, metadata map[string]any) error {
	if personaID == "" {
		return fmt.Errorf("persona: persona id is required")
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("persona: marshal metadata: %w", err)
	}
	tag, err := s.db.Exec(s.ctx,
		`INSERT INTO personas (persona_id, metadata) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		personaID, metaJSON)
	if err != nil {
		return fmt.Errorf("persona: create %q: %w", personaID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("persona: persona already exists: %s", personaID)
	}
	return nil
}

// CreateVersion validates pack and upserts it under (personaID, version).
func (s *PostgresStore) CreateVersion(personaID string, pack *Pack) (string, error) {
	if personaID == "" {
		return "", fmt.Errorf("persona: persona id is required")
	}
	if errs := Validate(pack); len(errs) > 0 {
		return "", fmt.Errorf("persona: invalid pack: %s", strings.Join(errs, "; "))
	}
	if pack.PersonaID != personaID {
		return "", fmt.Errorf("persona: persona id mismatch: pack says %q, store says %q", pack.PersonaID, personaID)
	}

	var exists bool
	err := s.db.QueryRow(s.ctx,
		`SELECT EXISTS (SELECT 1 FROM personas WHERE persona_id = $1)`, personaID).Scan(&exists)
	if err != nil {
		return "", fmt.Errorf("persona: check %q: %w", personaID, err)
	}
	if !exists {
		return "", fmt.Errorf("persona: persona not found: %s", personaID)
	}

	packJSON, err := json.Marshal(pack)
	if err != nil {
		return "", fmt.Errorf("persona: marshal pack: %w", err)
	}
	_, err = s.db.Exec(s.ctx,
		`INSERT INTO persona_versions (persona_id, version, pack) VALUES ($1, $2, $3)
		 ON CONFLICT (persona_id, version) DO UPDATE SET pack = EXCLUDED.pack`,
		personaID, pack.Version, packJSON)
	if err != nil {
		return "", fmt.Errorf("persona: store version %q: %w", pack.Version, err)
	}
	return pack.Version, nil
}

// GetPack loads a stored version, or nil when unknown.
func (s *PostgresStore) GetPack(personaID, version string) (*Pack, error) {
	var packJSON []byte
	err := s.db.QueryRow(s.ctx,
		`SELECT pack FROM persona_versions WHERE persona_id = $1 AND version = $2`,
		personaID, version).Scan(&packJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persona: load %s@%s: %w", personaID, version, err)
	}
	pack := &Pack{}
	if err := json.Unmarshal(packJSON, pack); err != nil {
		return nil, fmt.Errorf("persona: unmarshal %s@%s: %w", personaID, version, err)
	}
	return pack, nil
}

// ListVersions returns the stored versions sorted ascending.
func (s *PostgresStore) ListVersions(personaID string) ([]string, error) {
	rows, err := s.db.Query(s.ctx,
		`SELECT version FROM persona_versions WHERE persona_id = $1`, personaID)
	if err != nil {
		return nil, fmt.Errorf("persona: list versions of %q: %w", personaID, err)
	}
	defer rows.Close()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("persona: scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("persona: list versions of %q: %w", personaID, err)
	}
	sort.Strings(versions)
	return versions, nil
}
