// Package postgres implements dispatch.Store on a PostgreSQL actions
// table, using database/sql with the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/howaitoreivun/dispatch"
)

// Config holds the configuration for the PostgreSQL action store.
type Config struct {
	// DB is the open database handle. Required.
	DB *sql.DB

	// Table is the actions table name. Default: "actions".
	Table string

	// Horizon bounds how far ahead FetchSoonest looks.
	// Default: dispatch.DefaultHorizon (28 days).
	Horizon time.Duration
}

// Store implements dispatch.Store for PostgreSQL.
type Store struct {
	db      *sql.DB
	table   string
	horizon time.Duration
}

// NewStore creates a new PostgreSQL action store with the given
// configuration.
func NewStore(config Config) (*Store, error) {
	if config.DB == nil {
		return nil, errors.New("database handle is required")
	}

	// Set defaults
	if config.Table == "" {
		config.Table = "actions"
	}
	if config.Horizon == 0 {
		config.Horizon = dispatch.DefaultHorizon
	}

	return &Store{
		db:      config.DB,
		table:   config.Table,
		horizon: config.Horizon,
	}, nil
}

// EnsureSchema creates the actions table and its trigger-time index if
// they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id         BIGSERIAL PRIMARY KEY,
			kind       TEXT NOT NULL,
			author_id  TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			guild_id   TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			trigger_at TIMESTAMPTZ NOT NULL,
			extra      JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_trigger_at_idx ON %[1]s (trigger_at);`, s.table)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure actions schema: %w", err)
	}
	return nil
}

// FetchSoonest returns the action with the smallest trigger_at inside
// the horizon, or nil when no row qualifies.
func (s *Store) FetchSoonest(ctx context.Context) (*dispatch.Action, error) {
	query := fmt.Sprintf(`
		SELECT id, kind, author_id, channel_id, message_id, guild_id, created_at, trigger_at, extra
		FROM %s
		WHERE trigger_at < $1
		ORDER BY trigger_at
		LIMIT 1`, s.table)

	row := s.db.QueryRowContext(ctx, query, time.Now().Add(s.horizon))

	action, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// No pending action inside the horizon
			return nil, nil
		}
		return nil, fmt.Errorf("fetch soonest action: %w", err)
	}
	return action, nil
}

// Insert persists the action and returns a copy carrying the assigned
// row ID (int64).
func (s *Store) Insert(ctx context.Context, a *dispatch.Action) (*dispatch.Action, error) {
	raw, err := a.RawExtra()
	if err != nil {
		return nil, err
	}

	var guildID sql.NullString
	if a.GuildID != "" {
		guildID = sql.NullString{String: a.GuildID, Valid: true}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, author_id, channel_id, message_id, guild_id, created_at, trigger_at, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`, s.table)

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		a.RawKind(), a.AuthorID, a.ChannelID, a.MessageID, guildID, a.CreatedAt, a.TriggerAt, raw,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("insert action: %w", err)
	}

	stored := *a
	stored.ID = id
	return &stored, nil
}

// Delete removes an action by row ID. Deleting an absent row is a no-op.
func (s *Store) Delete(ctx context.Context, id any) error {
	rowID, err := rowID(id)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.table)
	if _, err := s.db.ExecContext(ctx, query, rowID); err != nil {
		return fmt.Errorf("delete action %d: %w", rowID, err)
	}
	return nil
}

// rowID coerces a store ID back to the int64 this backend assigns.
func rowID(id any) (int64, error) {
	switch v := id.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("unexpected action ID type %T", id)
	}
}

// scanAction reads one actions row into a dispatch.Action, decoding the
// kind name and the jsonb extra payload.
func scanAction(row *sql.Row) (*dispatch.Action, error) {
	var (
		id        int64
		rawKind   string
		guildID   sql.NullString
		rawExtra  []byte
		action    dispatch.Action
		createdAt time.Time
		triggerAt time.Time
	)

	err := row.Scan(&id, &rawKind, &action.AuthorID, &action.ChannelID, &action.MessageID,
		&guildID, &createdAt, &triggerAt, &rawExtra)
	if err != nil {
		return nil, err
	}

	kind, err := dispatch.ParseKind(rawKind)
	if err != nil {
		return nil, err
	}
	extra, err := dispatch.DecodeExtra(kind, rawExtra)
	if err != nil {
		return nil, err
	}

	action.ID = id
	action.Kind = kind
	action.GuildID = guildID.String
	action.CreatedAt = createdAt
	action.TriggerAt = triggerAt
	action.Extra = extra
	return &action, nil
}
