package endpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replication/internal/errs"
	"replication/internal/model"
)

func TestRegistryOpen(t *testing.T) {
	r := NewDefaultRegistry(nil)
	for _, typ := range []string{"mysql", "postgresql", "yugabytedb", "sqlite", "memory", "MySQL"} {
		assert.True(t, r.Supports(typ), typ)
	}
	assert.False(t, r.Supports("oracle"))

	_, err := r.Open(context.Background(), model.ConnectionDescriptor{Type: "oracle", ConnectionString: "x"}, Options{})
	require.True(t, errs.IsValidation(err))
	assert.Contains(t, err.Error(), "memory, mysql, postgres, postgresql, sqlite, yugabytedb")

	r.Register("broken", DriverFunc(func(context.Context, model.ConnectionDescriptor, Options) (Handle, error) {
		return nil, errors.New("dial tcp: connection refused")
	}))
	_, err = r.Open(context.Background(), model.ConnectionDescriptor{Type: "broken", ConnectionString: "x"}, Options{})
	require.True(t, errs.IsIntegration(err))

	h, err := r.Open(context.Background(), model.ConnectionDescriptor{Type: "memory", ConnectionString: "crm"}, Options{})
	require.NoError(t, err)
	require.NoError(t, h.Close())
}

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	for _, v := range []interface{}{
		want,
		&want,
		"2026-05-06T07:08:09Z",
		"2026-05-06 07:08:09",
		[]byte("2026-05-06 07:08:09"),
		"2026-05-06 07:08:09 +0000 UTC",
		want.Unix(),
	} {
		got, ok := ParseTime(v)
		require.True(t, ok, "%#v", v)
		assert.True(t, want.Equal(got), "%#v -> %v", v, got)
	}
	_, ok := ParseTime("yesterday")
	assert.False(t, ok)
	_, ok = ParseTime(nil)
	assert.False(t, ok)
}

func TestRowsEqual(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Row{"id": int64(1), "name": "a", "updated_at": ts}
	b := Row{"id": 1, "name": []byte("a"), "updated_at": ts.In(time.FixedZone("CST", 8*3600))}
	assert.True(t, RowsEqual(a, b))

	b["name"] = "b"
	assert.False(t, RowsEqual(a, b))
	assert.False(t, RowsEqual(a, Row{"id": 1}))

	key, ok := KeyOf(a, "id")
	require.True(t, ok)
	assert.Equal(t, "1", key)
	_, ok = KeyOf(Row{"name": "x"}, "id")
	assert.False(t, ok)
}

func TestMemoryHandle(t *testing.T) {
	drv := NewMemoryDriver()
	ctx := context.Background()
	h, err := drv.Open(ctx, model.ConnectionDescriptor{Type: "memory", ConnectionString: "crm"}, Options{})
	require.NoError(t, err)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := []Row{
		{"id": 2, "name": "b", "updated_at": t0.Add(2 * time.Hour)},
		{"id": 1, "name": "a", "updated_at": t0.Add(time.Hour)},
	}
	require.NoError(t, h.UpsertRows(ctx, "contacts", rows))
	require.NoError(t, h.UpsertRows(ctx, "contacts", rows))
	assert.Equal(t, 2, drv.Database("crm").Count("contacts"))

	all, err := h.ReadChangedRows(ctx, "contacts", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0]["name"], "按更新时间排序")

	changed, err := h.ReadChangedRows(ctx, "contacts", t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "b", changed[0]["name"])

	boom := errors.New("disk full")
	drv.Database("crm").SetFailure("contacts", boom)
	_, err = h.ReadChangedRows(ctx, "contacts", time.Time{})
	require.ErrorIs(t, err, boom)
	drv.Database("crm").SetFailure("contacts", nil)

	drv.Database("crm").SetLatency(time.Second)
	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = h.ReadChangedRows(short, "contacts", time.Time{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSQLiteUpsertIsIdempotent(t *testing.T) {
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE contacts (id INTEGER PRIMARY KEY, name TEXT, updated_at DATETIME)`)
	require.NoError(t, err)

	ctx := context.Background()
	h := NewSQLXHandle(db, Options{BatchSize: 1})
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := []Row{
		{"id": int64(1), "name": "a", "updated_at": t0},
		{"id": int64(2), "name": "b", "updated_at": t0.Add(time.Hour)},
	}
	require.NoError(t, h.UpsertRows(ctx, "contacts", rows))
	require.NoError(t, h.UpsertRows(ctx, "contacts", rows))

	var count int
	require.NoError(t, db.Get(&count, "SELECT COUNT(*) FROM contacts"))
	assert.Equal(t, 2, count)

	rows[0]["name"] = "a2"
	require.NoError(t, h.UpsertRows(ctx, "contacts", rows[:1]))
	var name string
	require.NoError(t, db.Get(&name, "SELECT name FROM contacts WHERE id = 1"))
	assert.Equal(t, "a2", name)

	all, err := h.ReadChangedRows(ctx, "contacts", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	changed, err := h.ReadChangedRows(ctx, "contacts", t0)
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "2", ValueString(changed[0]["id"]))
}

func TestPostgresUpsertStatement(t *testing.T) {
	db, err := sqlx.Open("postgres", "postgres://localhost/none?sslmode=disable")
	require.NoError(t, err)
	defer db.Close()

	h := NewSQLXHandle(db, Options{KeyColumn: "id"}).(*sqlxHandle)
	query, args, err := h.upsertStatement("public.contacts", Row{"id": 1, "name": "a"})
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "public"."contacts" ("id", "name") VALUES ($1, $2) ON CONFLICT ("id") DO UPDATE SET "name" = EXCLUDED."name"`, query)
	assert.Equal(t, []interface{}{1, "a"}, args)

	query, _, err = h.upsertStatement("contacts", Row{"id": 1})
	require.NoError(t, err)
	assert.Contains(t, query, "DO NOTHING")

	_, _, err = h.upsertStatement("contacts", Row{"id": 1, "na-me": "x"})
	require.Error(t, err)

	bad := NewSQLXHandle(db, Options{KeyColumn: `id") DO NOTHING; DROP TABLE contacts; --`}).(*sqlxHandle)
	_, _, err = bad.upsertStatement("contacts", Row{"name": "a"})
	require.Error(t, err)
}
