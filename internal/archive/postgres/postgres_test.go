package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/voxlog/internal/archive"
	"github.com/MrWong99/voxlog/pkg/types"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

type mockRows struct {
	data [][]any
	idx  int
	err  error
}

func (r *mockRows) Close()                                       {}
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *[]byte:
			*d = v.([]byte)
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(dest ...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.CommandTag{}, nil
}

func testRecord() *archive.Record {
	return &archive.Record{
		SessionID:  "sess-1",
		GuildID:    "guild-1",
		ChannelID:  "chan-1",
		StartedAt:  time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC),
		EndedAt:    time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC),
		Transcript: "**Alice:** hi",
		Summary:    "greeting",
		Participants: []types.Participant{
			{ID: "100", DisplayName: "Alice"},
			types.SyntheticParticipant(7),
		},
	}
}

// ---------------------------------------------------------------------------
// Unit tests
// ---------------------------------------------------------------------------

func TestStore_Save(t *testing.T) {
	t.Parallel()

	var gotSQL string
	var gotArgs []any
	db := &mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.CommandTag{}, nil
	}}

	rec := testRecord()
	if err := New(db).Save(context.Background(), rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rec.ID == "" {
		t.Error("Save did not assign an ID")
	}
	if !strings.Contains(gotSQL, "INSERT INTO voxlog_transcripts") {
		t.Errorf("unexpected SQL: %s", gotSQL)
	}
	if len(gotArgs) != 11 {
		t.Fatalf("got %d args, want 11", len(gotArgs))
	}
	ps, ok := gotArgs[6].([]byte)
	if !ok {
		t.Fatalf("participants arg is %T, want []byte", gotArgs[6])
	}
	want := `[{"id":"100","display_name":"Alice"},{"id":"unassociated-7","display_name":"Unassociated 7","synthetic":true}]`
	if string(ps) != want {
		t.Errorf("participants JSON = %s, want %s", ps, want)
	}
}

func TestStore_SaveErrors(t *testing.T) {
	t.Parallel()

	t.Run("invalid record", func(t *testing.T) {
		t.Parallel()
		err := New(&mockDB{}).Save(context.Background(), &archive.Record{})
		if !errors.Is(err, archive.ErrInvalidRecord) {
			t.Errorf("err = %v, want ErrInvalidRecord", err)
		}
	})

	t.Run("duplicate key", func(t *testing.T) {
		t.Parallel()
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505"}
		}}
		rec := testRecord()
		rec.ID = "dup"
		err := New(db).Save(context.Background(), rec)
		if err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Errorf("err = %v, want already exists", err)
		}
	})

	t.Run("exec failure", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("connection reset")
		db := &mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, boom
		}}
		if err := New(db).Save(context.Background(), testRecord()); !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped %v", err, boom)
		}
	})
}

func TestStore_List(t *testing.T) {
	t.Parallel()

	ended := time.Date(2026, 1, 2, 11, 0, 0, 0, time.UTC)
	var gotSQL string
	var gotArgs []any
	db := &mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return &mockRows{data: [][]any{{
			"id-1", "sess-1", "guild-1", "chan-1", ended.Add(-time.Hour), ended,
			[]byte(`[{"id":"100","display_name":"Alice"}]`), "**Alice:** hi", "raw", "sum", "/tmp/t.txt",
		}}}, nil
	}}

	recs, err := New(db).List(context.Background(), "guild-1", 5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !strings.HasSuffix(gotSQL, "LIMIT $2") || len(gotArgs) != 2 || gotArgs[1] != 5 {
		t.Errorf("limit not applied: %s %v", gotSQL, gotArgs)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records, want 1", len(recs))
	}
	r := recs[0]
	if r.ID != "id-1" || r.Summary != "sum" || r.Path != "/tmp/t.txt" || !r.EndedAt.Equal(ended) {
		t.Errorf("unexpected record: %+v", r)
	}
	if len(r.Participants) != 1 || r.Participants[0].Name() != "Alice" {
		t.Errorf("participants = %+v", r.Participants)
	}
}

func TestStore_ListErrors(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: errors.New("rows broke")}, nil
	}}
	if _, err := New(db).List(context.Background(), "g", 0); err == nil {
		t.Error("expected rows error")
	}

	db = &mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return nil, errors.New("query failed")
	}}
	if _, err := New(db).List(context.Background(), "g", 0); err == nil {
		t.Error("expected query error")
	}
}

func TestStore_Ping(t *testing.T) {
	t.Parallel()

	db := &mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*dest[0].(*int) = 1
			return nil
		}}
	}}
	if err := New(db).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Integration tests
// ---------------------------------------------------------------------------

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXLOG_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXLOG_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXLOG_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

func TestIntegration_SaveList(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	s, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	guild := fmt.Sprintf("test-guild-%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_, _ = s.db.Exec(context.Background(), "DELETE FROM voxlog_transcripts WHERE guild_id = $1", guild)
	})

	older := testRecord()
	older.GuildID = guild
	newer := testRecord()
	newer.GuildID = guild
	newer.EndedAt = older.EndedAt.Add(time.Hour)
	newer.Transcript = "**Alice:** later"

	for _, r := range []*archive.Record{older, newer} {
		if err := s.Save(ctx, r); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if err := s.Save(ctx, older); err == nil {
		t.Error("saving the same ID twice succeeded")
	}

	recs, err := s.List(ctx, guild, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("List returned %d records, want 2", len(recs))
	}
	if recs[0].ID != newer.ID || recs[0].Transcript != "**Alice:** later" {
		t.Errorf("newest record = %+v", recs[0])
	}
	if len(recs[1].Participants) != 2 || !recs[1].Participants[1].Synthetic {
		t.Errorf("participants round trip = %+v", recs[1].Participants)
	}
}
