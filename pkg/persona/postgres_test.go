package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers — mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
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
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)

	execs []string
}

func (db *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return db.queryRowFunc(ctx, sql, args...)
}

func (db *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return db.queryFunc(ctx, sql, args...)
}

func (db *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	return db.execFunc(ctx, sql, args...)
}

// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	db := &mockDB{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("CREATE TABLE"), nil
		},
	}
	store := NewPostgresStore(context.Background(), db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0], "persona_versions") {
		t.Errorf("migrate executed %v", db.execs)
	}
}

func TestPostgresStore_CreatePersona(t *testing.T) {
	db := &mockDB{
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	store := NewPostgresStore(context.Background(), db)
	if err := store.CreatePersona("ava", map[string]any{"team": "demo"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Zero rows affected means the persona already existed.
	db.execFunc = func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	if err := store.CreatePersona("ava", nil); err == nil {
		t.Error("duplicate persona: expected error")
	}

	if err := store.CreatePersona("", nil); err == nil {
		t.Error("empty id: expected error")
	}
}

func TestPostgresStore_CreateVersion(t *testing.T) {
	db := &mockDB{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*bool)) = true
				return nil
			}}
		},
		execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		},
	}
	store := NewPostgresStore(context.Background(), db)

	version, err := store.CreateVersion("ava", validPack())
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if version != "v1" {
		t.Errorf("version = %q, want v1", version)
	}

	// Invalid packs are rejected before touching the database.
	bad := validPack()
	bad.AnchorSets = nil
	if _, err := store.CreateVersion("ava", bad); err == nil {
		t.Error("invalid pack: expected error")
	}

	// Unknown personas are rejected.
	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error {
			*(dest[0].(*bool)) = false
			return nil
		}}
	}
	if _, err := store.CreateVersion("ava", validPack()); err == nil {
		t.Error("unknown persona: expected error")
	}
}

func TestPostgresStore_GetPack(t *testing.T) {
	packJSON, err := json.Marshal(validPack())
	if err != nil {
		t.Fatal(err)
	}
	db := &mockDB{
		queryRowFunc: func(context.Context, string, ...any) pgx.Row {
			return &mockRow{scanFunc: func(dest ...any) error {
				*(dest[0].(*[]byte)) = packJSON
				return nil
			}}
		},
	}
	store := NewPostgresStore(context.Background(), db)

	pack, err := store.GetPack("ava", "v1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if pack == nil || pack.PersonaID != "ava" || pack.Version != "v1" {
		t.Errorf("pack = %+v", pack)
	}

	// Missing rows map to a nil pack without error.
	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
	}
	pack, err = store.GetPack("ava", "v9")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if pack != nil {
		t.Errorf("missing pack = %+v, want nil", pack)
	}

	// Other scan failures propagate.
	db.queryRowFunc = func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(...any) error { return errors.New("connection reset") }}
	}
	if _, err := store.GetPack("ava", "v1"); err == nil {
		t.Error("scan failure: expected error")
	}
}

func TestPostgresStore_ListVersions(t *testing.T) {
	db := &mockDB{
		queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
			return &mockRows{data: [][]any{{"v2"}, {"v1"}, {"v10"}}}, nil
		},
	}
	store := NewPostgresStore(context.Background(), db)

	versions, err := store.ListVersions("ava")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// Sorted ascending (lexicographic).
	want := []string{"v1", "v10", "v2"}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Errorf("versions[%d] = %q, want %q", i, versions[i], want[i])
		}
	}
}
