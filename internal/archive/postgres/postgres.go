// Package postgres implements [archive.Store] on PostgreSQL using pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxlog/internal/archive"
	"github.com/MrWong99/voxlog/pkg/types"
)

// Schema is the SQL DDL for the voxlog_transcripts table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voxlog_transcripts (
    id             UUID PRIMARY KEY,
    session_id     TEXT NOT NULL DEFAULT '',
    guild_id       TEXT NOT NULL,
    channel_id     TEXT NOT NULL DEFAULT '',
    started_at     TIMESTAMPTZ NOT NULL,
    ended_at       TIMESTAMPTZ NOT NULL,
    participants   JSONB NOT NULL DEFAULT '[]',
    transcript     TEXT NOT NULL,
    raw_transcript TEXT NOT NULL DEFAULT '',
    summary        TEXT NOT NULL DEFAULT '',
    file_path      TEXT NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voxlog_transcripts_guild_ended
    ON voxlog_transcripts(guild_id, ended_at DESC);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is an [archive.Store] backed by a PostgreSQL database.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ archive.Store = (*Store)(nil)

// New wraps an existing connection or pool. The caller is responsible for
// calling [Store.Migrate].
func New(db DB) *Store {
	s := &Store{db: db}
	if p, ok := db.(*pgxpool.Pool); ok {
		s.pool = p
	}
	return s
}

// Open connects to dsn, pings the server and runs [Store.Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive postgres: ping: %w", err)
	}
	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive postgres: migrate: %w", err)
	}
	return nil
}

// participantJSON is the JSONB shape of one participant.
type participantJSON struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Synthetic   bool   `json:"synthetic,omitempty"`
}

// Save inserts rec. Saving a record whose ID already exists is an error.
func (s *Store) Save(ctx context.Context, rec *archive.Record) error {
	if err := rec.Normalize(); err != nil {
		return err
	}

	ps := make([]participantJSON, len(rec.Participants))
	for i, p := range rec.Participants {
		ps[i] = participantJSON{ID: p.ID, DisplayName: p.DisplayName, Synthetic: p.Synthetic}
	}
	psJSON, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("archive postgres: marshal participants: %w", err)
	}

	const query = `
		INSERT INTO voxlog_transcripts (
			id, session_id, guild_id, channel_id, started_at, ended_at,
			participants, transcript, raw_transcript, summary, file_path
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = s.db.Exec(ctx, query,
		rec.ID, rec.SessionID, rec.GuildID, rec.ChannelID, rec.StartedAt, rec.EndedAt,
		psJSON, rec.Transcript, rec.RawTranscript, rec.Summary, rec.Path,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("archive postgres: record %q already exists", rec.ID)
		}
		return fmt.Errorf("archive postgres: save: %w", err)
	}
	return nil
}

// List returns the newest records for guildID.
func (s *Store) List(ctx context.Context, guildID string, limit int) ([]archive.Record, error) {
	const base = `
		SELECT id::text, session_id, guild_id, channel_id, started_at, ended_at,
		       participants, transcript, raw_transcript, summary, file_path
		FROM voxlog_transcripts
		WHERE guild_id = $1
		ORDER BY ended_at DESC, id`

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, base+" LIMIT $2", guildID, limit)
	} else {
		rows, err = s.db.Query(ctx, base, guildID)
	}
	if err != nil {
		return nil, fmt.Errorf("archive postgres: list: %w", err)
	}
	defer rows.Close()

	var out []archive.Record
	for rows.Next() {
		var (
			rec    archive.Record
			psJSON []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.GuildID, &rec.ChannelID, &rec.StartedAt, &rec.EndedAt,
			&psJSON, &rec.Transcript, &rec.RawTranscript, &rec.Summary, &rec.Path,
		); err != nil {
			return nil, fmt.Errorf("archive postgres: scan: %w", err)
		}
		var ps []participantJSON
		if err := json.Unmarshal(psJSON, &ps); err != nil {
			return nil, fmt.Errorf("archive postgres: unmarshal participants: %w", err)
		}
		for _, p := range ps {
			rec.Participants = append(rec.Participants, types.Participant{
				ID: p.ID, DisplayName: p.DisplayName, Synthetic: p.Synthetic,
			})
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive postgres: list rows: %w", err)
	}
	return out, nil
}

// Ping checks connectivity. Stores created from a bare connection run a
// trivial query instead.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if s.pool != nil {
		return s.pool.Ping(ctx)
	}
	var one int
	return s.db.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// Close closes the underlying pool, if any.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
