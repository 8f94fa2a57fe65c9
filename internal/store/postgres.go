// ABOUTME: Postgres implementation of the Store interface over database/sql and pgx
// ABOUTME: Targets hosted Postgres (Supabase and friends) where several bridge instances share one table

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements the Store interface using Postgres
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore connects to Postgres using the pgx driver and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := NewPostgresStoreFromDB(db)
	if err := s.createSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s.logger.Info("Postgres store initialized")
	return s, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool. The schema is not touched.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "store", "driver", "postgres"),
	}
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS mappings (
			id                           UUID PRIMARY KEY,
			client_conversation_id       TEXT NOT NULL,
			client_user_id               TEXT NOT NULL DEFAULT '',
			reply_target                 JSONB,
			platform                     TEXT NOT NULL CHECK (platform IN ('freshchat', 'zendesk')),
			platform_conversation_id     TEXT NOT NULL DEFAULT '',
			platform_conversation_alt_id TEXT NOT NULL DEFAULT '',
			platform_user_id             TEXT NOT NULL DEFAULT '',
			is_resolved                  BOOLEAN NOT NULL DEFAULT FALSE,
			greeting_sent                BOOLEAN NOT NULL DEFAULT FALSE,
			tenant_id                    TEXT NOT NULL DEFAULT '',
			created_at                   TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at                   TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (client_conversation_id, platform)
		);

		CREATE INDEX IF NOT EXISTS idx_mappings_platform_id
			ON mappings(platform, platform_conversation_id);

		CREATE INDEX IF NOT EXISTS idx_mappings_platform_alt_id
			ON mappings(platform, platform_conversation_alt_id);

		CREATE INDEX IF NOT EXISTS idx_mappings_user_active
			ON mappings(platform, client_user_id, updated_at DESC) WHERE NOT is_resolved;
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// UpsertMapping inserts or updates by (client_conversation_id, platform). Postgres
// resolves concurrent writers from other instances with last-write-wins.
func (s *PostgresStore) UpsertMapping(ctx context.Context, m *Mapping) error {
	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO mappings (id, client_conversation_id, client_user_id, reply_target, platform,
			platform_conversation_id, platform_conversation_alt_id, platform_user_id,
			is_resolved, greeting_sent, tenant_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		ON CONFLICT (client_conversation_id, platform) DO UPDATE SET
			client_user_id = EXCLUDED.client_user_id,
			reply_target = EXCLUDED.reply_target,
			platform_conversation_id = EXCLUDED.platform_conversation_id,
			platform_conversation_alt_id = EXCLUDED.platform_conversation_alt_id,
			platform_user_id = EXCLUDED.platform_user_id,
			is_resolved = EXCLUDED.is_resolved,
			greeting_sent = EXCLUDED.greeting_sent,
			tenant_id = EXCLUDED.tenant_id,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		id,
		m.ClientConversationID,
		m.ClientUserID,
		nullJSON(m.ReplyTarget),
		string(m.Platform),
		m.PlatformConversationID,
		m.PlatformConversationAltID,
		m.PlatformUserID,
		m.IsResolved,
		m.GreetingSent,
		m.TenantID,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting mapping: %w", err)
	}
	return nil
}

const pgMappingColumns = `id, client_conversation_id, client_user_id, reply_target, platform,
	platform_conversation_id, platform_conversation_alt_id, platform_user_id,
	is_resolved, greeting_sent, tenant_id, created_at, updated_at`

// GetMappingByClientID retrieves the mapping for a client conversation.
func (s *PostgresStore) GetMappingByClientID(ctx context.Context, clientConversationID string, platform Platform) (*Mapping, error) {
	query := `SELECT ` + pgMappingColumns + ` FROM mappings
		WHERE client_conversation_id = $1 AND platform = $2`

	m, err := scanPGMapping(s.db.QueryRowContext(ctx, query, clientConversationID, string(platform)))
	if err != nil {
		return nil, wrapQueryError("querying mapping by client id", err)
	}
	return m, nil
}

// GetMappingByPlatformID retrieves the mapping whose primary or alternate id matches.
func (s *PostgresStore) GetMappingByPlatformID(ctx context.Context, platformConversationID string, platform Platform) (*Mapping, error) {
	if platformConversationID == "" {
		return nil, ErrNotFound
	}

	query := `SELECT ` + pgMappingColumns + ` FROM mappings
		WHERE platform = $1 AND (platform_conversation_id = $2 OR platform_conversation_alt_id = $2)
		ORDER BY updated_at DESC
		LIMIT 1`

	m, err := scanPGMapping(s.db.QueryRowContext(ctx, query, string(platform), platformConversationID))
	if err != nil {
		return nil, wrapQueryError("querying mapping by platform id", err)
	}
	return m, nil
}

// GetLatestMappingByUser retrieves the most recently updated unresolved mapping for a user.
func (s *PostgresStore) GetLatestMappingByUser(ctx context.Context, clientUserID string, platform Platform) (*Mapping, error) {
	query := `SELECT ` + pgMappingColumns + ` FROM mappings
		WHERE client_user_id = $1 AND platform = $2 AND NOT is_resolved
		ORDER BY updated_at DESC
		LIMIT 1`

	m, err := scanPGMapping(s.db.QueryRowContext(ctx, query, clientUserID, string(platform)))
	if err != nil {
		return nil, wrapQueryError("querying latest mapping by user", err)
	}
	return m, nil
}

// SetMappingResolved updates the resolution flag of the mapping carrying the platform id.
func (s *PostgresStore) SetMappingResolved(ctx context.Context, platformConversationID string, platform Platform, resolved bool) error {
	if platformConversationID == "" {
		return ErrNotFound
	}

	query := `
		UPDATE mappings SET is_resolved = $1, updated_at = now()
		WHERE platform = $2 AND (platform_conversation_id = $3 OR platform_conversation_alt_id = $3)
	`

	result, err := s.db.ExecContext(ctx, query, resolved, string(platform), platformConversationID)
	if err != nil {
		return fmt.Errorf("updating resolution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountActiveMappings counts unresolved mappings. An empty platform counts all platforms.
func (s *PostgresStore) CountActiveMappings(ctx context.Context, platform Platform) (int, error) {
	query := `SELECT COUNT(*) FROM mappings WHERE NOT is_resolved`
	var args []any
	if platform != "" {
		query += ` AND platform = $1`
		args = append(args, string(platform))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active mappings: %w", err)
	}
	return count, nil
}

// ListMappings returns mappings ordered by most recent update.
func (s *PostgresStore) ListMappings(ctx context.Context, opts ListOptions) ([]*Mapping, error) {
	var conditions []string
	var args []any

	if opts.Platform != "" {
		args = append(args, string(opts.Platform))
		conditions = append(conditions, fmt.Sprintf("platform = $%d", len(args)))
	}
	if opts.ClientUserID != "" {
		args = append(args, opts.ClientUserID)
		conditions = append(conditions, fmt.Sprintf("client_user_id = $%d", len(args)))
	}
	if opts.ActiveOnly {
		conditions = append(conditions, "NOT is_resolved")
	}

	query := `SELECT ` + pgMappingColumns + ` FROM mappings`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	args = append(args, listLimit(opts.Limit))
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanPGMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mappings: %w", err)
	}
	return mappings, nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func scanPGMapping(row rowScanner) (*Mapping, error) {
	var (
		m           Mapping
		platform    string
		replyTarget []byte
	)

	err := row.Scan(
		&m.ID,
		&m.ClientConversationID,
		&m.ClientUserID,
		&replyTarget,
		&platform,
		&m.PlatformConversationID,
		&m.PlatformConversationAltID,
		&m.PlatformUserID,
		&m.IsResolved,
		&m.GreetingSent,
		&m.TenantID,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Platform = Platform(platform)
	if len(replyTarget) > 0 {
		m.ReplyTarget = json.RawMessage(replyTarget)
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)
