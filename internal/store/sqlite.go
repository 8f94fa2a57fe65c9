// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides mapping persistence with automatic schema creation and migrations

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so text timestamps sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store", "driver", "sqlite")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database lives on a single connection
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS mappings (
			id                           TEXT PRIMARY KEY,
			client_conversation_id       TEXT NOT NULL,
			client_user_id               TEXT NOT NULL DEFAULT '',
			reply_target                 TEXT,
			platform                     TEXT NOT NULL,
			platform_conversation_id     TEXT NOT NULL DEFAULT '',
			platform_conversation_alt_id TEXT NOT NULL DEFAULT '',
			platform_user_id             TEXT NOT NULL DEFAULT '',
			is_resolved                  INTEGER NOT NULL DEFAULT 0,
			tenant_id                    TEXT NOT NULL DEFAULT '',
			created_at                   TEXT NOT NULL,
			updated_at                   TEXT NOT NULL,

			CHECK (platform IN ('freshchat', 'zendesk'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_mappings_client
			ON mappings(client_conversation_id, platform);

		CREATE INDEX IF NOT EXISTS idx_mappings_platform_id
			ON mappings(platform, platform_conversation_id);

		CREATE INDEX IF NOT EXISTS idx_mappings_platform_alt_id
			ON mappings(platform, platform_conversation_alt_id);

		CREATE INDEX IF NOT EXISTS idx_mappings_user_active
			ON mappings(platform, client_user_id, is_resolved, updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive schema changes to databases created by older versions
func (s *SQLiteStore) runMigrations() error {
	// greeting_sent was not persisted by the first schema revision
	return s.addColumnIfMissing("mappings", "greeting_sent", "INTEGER NOT NULL DEFAULT 0")
}

// addColumnIfMissing adds a column unless pragma_table_info already lists it
func (s *SQLiteStore) addColumnIfMissing(table, column, definition string) error {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)); err != nil {
		return fmt.Errorf("adding column %s.%s: %w", table, column, err)
	}
	s.logger.Info("migrated schema", "table", table, "column", column)
	return nil
}

const mappingColumns = `id, client_conversation_id, client_user_id, reply_target, platform,
	platform_conversation_id, platform_conversation_alt_id, platform_user_id,
	is_resolved, greeting_sent, tenant_id, created_at, updated_at`

// UpsertMapping inserts a mapping or updates the row sharing its
// (client_conversation_id, platform) identity. ID and timestamps are written back to m.
func (s *SQLiteStore) UpsertMapping(ctx context.Context, m *Mapping) error {
	now := s.now().UTC()

	if m.ID != "" {
		updated, err := s.updateByID(ctx, m, now)
		if err != nil {
			return err
		}
		if updated {
			return nil
		}
	}

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_conversation_id, platform) DO UPDATE SET
			client_user_id = excluded.client_user_id,
			reply_target = excluded.reply_target,
			platform_conversation_id = excluded.platform_conversation_id,
			platform_conversation_alt_id = excluded.platform_conversation_alt_id,
			platform_user_id = excluded.platform_user_id,
			is_resolved = excluded.is_resolved,
			greeting_sent = excluded.greeting_sent,
			tenant_id = excluded.tenant_id,
			updated_at = excluded.updated_at
		RETURNING id, created_at, updated_at
	`

	var createdAt, updatedAt string
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
		now.Format(timeLayout),
		now.Format(timeLayout),
	).Scan(&m.ID, &createdAt, &updatedAt)
	if err != nil {
		return fmt.Errorf("upserting mapping: %w", err)
	}

	return s.applyTimestamps(m, createdAt, updatedAt)
}

// updateByID updates an existing row by storage id, reporting whether a row matched
func (s *SQLiteStore) updateByID(ctx context.Context, m *Mapping, now time.Time) (bool, error) {
	query := `
		UPDATE mappings SET
			client_conversation_id = ?,
			client_user_id = ?,
			reply_target = ?,
			platform = ?,
			platform_conversation_id = ?,
			platform_conversation_alt_id = ?,
			platform_user_id = ?,
			is_resolved = ?,
			greeting_sent = ?,
			tenant_id = ?,
			updated_at = ?
		WHERE id = ?
		RETURNING created_at, updated_at
	`

	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, query,
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
		now.Format(timeLayout),
		m.ID,
	).Scan(&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("updating mapping %s: %w", m.ID, err)
	}

	return true, s.applyTimestamps(m, createdAt, updatedAt)
}

func (s *SQLiteStore) applyTimestamps(m *Mapping, createdAt, updatedAt string) error {
	var err error
	if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return fmt.Errorf("parsing updated_at: %w", err)
	}
	return nil
}

// GetMappingByClientID retrieves the mapping for a client conversation.
// Returns ErrNotFound if the mapping doesn't exist.
func (s *SQLiteStore) GetMappingByClientID(ctx context.Context, clientConversationID string, platform Platform) (*Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings
		WHERE client_conversation_id = ? AND platform = ?`

	m, err := scanMapping(s.db.QueryRowContext(ctx, query, clientConversationID, string(platform)))
	if err != nil {
		return nil, wrapQueryError("querying mapping by client id", err)
	}
	return m, nil
}

// GetMappingByPlatformID retrieves the mapping whose primary or alternate id matches.
func (s *SQLiteStore) GetMappingByPlatformID(ctx context.Context, platformConversationID string, platform Platform) (*Mapping, error) {
	if platformConversationID == "" {
		return nil, ErrNotFound
	}

	query := `SELECT ` + mappingColumns + ` FROM mappings
		WHERE platform = ? AND (platform_conversation_id = ? OR platform_conversation_alt_id = ?)
		ORDER BY updated_at DESC
		LIMIT 1`

	m, err := scanMapping(s.db.QueryRowContext(ctx, query, string(platform), platformConversationID, platformConversationID))
	if err != nil {
		return nil, wrapQueryError("querying mapping by platform id", err)
	}
	return m, nil
}

// GetLatestMappingByUser retrieves the most recently updated unresolved mapping for a user.
func (s *SQLiteStore) GetLatestMappingByUser(ctx context.Context, clientUserID string, platform Platform) (*Mapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM mappings
		WHERE client_user_id = ? AND platform = ? AND is_resolved = 0
		ORDER BY updated_at DESC
		LIMIT 1`

	m, err := scanMapping(s.db.QueryRowContext(ctx, query, clientUserID, string(platform)))
	if err != nil {
		return nil, wrapQueryError("querying latest mapping by user", err)
	}
	return m, nil
}

// SetMappingResolved updates the resolution flag of the mapping carrying the platform id.
// Setting the flag to its current value still counts as a match.
func (s *SQLiteStore) SetMappingResolved(ctx context.Context, platformConversationID string, platform Platform, resolved bool) error {
	if platformConversationID == "" {
		return ErrNotFound
	}

	query := `
		UPDATE mappings SET is_resolved = ?, updated_at = ?
		WHERE platform = ? AND (platform_conversation_id = ? OR platform_conversation_alt_id = ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		resolved,
		s.now().UTC().Format(timeLayout),
		string(platform),
		platformConversationID,
		platformConversationID,
	)
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
func (s *SQLiteStore) CountActiveMappings(ctx context.Context, platform Platform) (int, error) {
	query := `SELECT COUNT(*) FROM mappings WHERE is_resolved = 0`
	var args []any
	if platform != "" {
		query += ` AND platform = ?`
		args = append(args, string(platform))
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting active mappings: %w", err)
	}
	return count, nil
}

// ListMappings returns mappings ordered by most recent update.
func (s *SQLiteStore) ListMappings(ctx context.Context, opts ListOptions) ([]*Mapping, error) {
	var conditions []string
	var args []any

	if opts.Platform != "" {
		conditions = append(conditions, "platform = ?")
		args = append(args, string(opts.Platform))
	}
	if opts.ClientUserID != "" {
		conditions = append(conditions, "client_user_id = ?")
		args = append(args, opts.ClientUserID)
	}
	if opts.ActiveOnly {
		conditions = append(conditions, "is_resolved = 0")
	}

	query := `SELECT ` + mappingColumns + ` FROM mappings`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC LIMIT ?"
	args = append(args, listLimit(opts.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*Mapping
	for rows.Next() {
		m, err := scanMapping(rows)
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
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (*Mapping, error) {
	var (
		m           Mapping
		platform    string
		replyTarget sql.NullString
		createdAt   string
		updatedAt   string
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
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Platform = Platform(platform)
	if replyTarget.Valid && replyTarget.String != "" {
		m.ReplyTarget = json.RawMessage(replyTarget.String)
	}
	if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}

// wrapQueryError maps sql.ErrNoRows to ErrNotFound and wraps everything else
func wrapQueryError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}

// nullJSON stores empty reply targets as NULL
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
