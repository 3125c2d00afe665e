package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/callcenter-bots/core/database"
)

type channels struct {
	Report int64            `json:"report_channel"`
	Users  map[string]int64 `json:"users"`
}

type failingBackend struct {
	Backend
	saveErr error
}

func (f failingBackend) Save(context.Context, string, []byte) error { return f.saveErr }

func TestRecordDefaultsAndPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir)
	require.NoError(t, err)

	rec, err := Open(ctx, backend, "channels", channels{Report: -1})
	require.NoError(t, err)
	assert.Equal(t, int64(-1), rec.Get().Report)

	require.NoError(t, rec.Update(ctx, func(c *channels) error {
		c.Report = -1001234
		c.Users = map[string]int64{"AB": 42}
		return nil
	}))

	reopened, err := Open(ctx, backend, "channels", channels{})
	require.NoError(t, err)
	assert.Equal(t, int64(-1001234), reopened.Get().Report)
	assert.Equal(t, int64(42), reopened.Get().Users["AB"])
	assert.FileExists(t, filepath.Join(dir, "channels.json"))
}

func TestRecordGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	rec, err := Open(ctx, backend, "channels", channels{Users: map[string]int64{"AB": 1}})
	require.NoError(t, err)

	v := rec.Get()
	v.Users["AB"] = 99
	assert.Equal(t, int64(1), rec.Get().Users["AB"])
}

func TestRecordUpdateErrorLeavesValue(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	rec, err := Open(ctx, backend, "channels", channels{Report: 5})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = rec.Update(ctx, func(c *channels) error {
		c.Report = 6
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(5), rec.Get().Report)
}

func TestRecordSaveFailureKeepsMemoryEqualToDisk(t *testing.T) {
	ctx := context.Background()
	fb, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	saveErr := errors.New("disk full")

	var hooked error
	rec, err := Open[channels](ctx, failingBackend{Backend: fb, saveErr: saveErr}, "channels", channels{Report: 5},
		WithSaveHook(func(_ string, err error) { hooked = err }))
	require.NoError(t, err)

	err = rec.Set(ctx, channels{Report: 7})
	require.ErrorIs(t, err, saveErr)
	assert.Equal(t, saveErr, hooked)
	assert.Equal(t, int64(5), rec.Get().Report)
}

func TestRecordReload(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	a, err := Open(ctx, backend, "channels", channels{})
	require.NoError(t, err)
	b, err := Open(ctx, backend, "channels", channels{})
	require.NoError(t, err)

	require.NoError(t, a.Set(ctx, channels{Report: 11}))
	assert.Equal(t, int64(0), b.Get().Report)
	require.NoError(t, b.Reload(ctx))
	assert.Equal(t, int64(11), b.Get().Report)
}

func TestFileBackendMissing(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir())
	require.NoError(t, err)
	_, err = backend.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLBackendSQLite(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config.db")
	require.NoError(t, database.Migrate(ctx, database.DriverSQLite, database.SQLiteURL(path)))
	db, err := database.OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	backend := NewSQLBackend(db)
	assert.Equal(t, "sqlite", backend.Kind())

	_, err = backend.Load(ctx, "channels")
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := Open(ctx, backend, "channels", channels{})
	require.NoError(t, err)
	require.NoError(t, rec.Set(ctx, channels{Report: -100}))
	require.NoError(t, rec.Set(ctx, channels{Report: -200}))

	again, err := Open(ctx, backend, "channels", channels{})
	require.NoError(t, err)
	assert.Equal(t, int64(-200), again.Get().Report)
}
