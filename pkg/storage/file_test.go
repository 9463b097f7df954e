package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

const testDir = "/spool"

func TestFileRepository_LayoutOnDisk(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	repo, err := NewFileRepository(fsys, testDir)
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	for _, p := range []string{"/spool/m1.env", "/spool/m1.msg"} {
		ok, err := afero.Exists(fsys, p)
		require.NoError(t, err)
		assert.True(t, ok, "%s should exist", p)
	}
	ok, _ := afero.Exists(fsys, "/spool/m1.env.tmp")
	assert.False(t, ok, "temp file must be renamed away")
}

func TestFileRepository_MissingContentIsCorrupt(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	repo, err := NewFileRepository(fsys, testDir)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	require.NoError(t, fsys.Remove("/spool/m1.msg"))

	_, err = repo.Get(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrCorrupt)
}

func TestFileRepository_GarbledEnvelopeIsCorrupt(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	repo, err := NewFileRepository(fsys, testDir)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))
	require.NoError(t, repo.Put(ctx, newTestMail("m2", "a@x")))

	require.NoError(t, afero.WriteFile(fsys, "/spool/m1.env", []byte("{garbage"), 0o640))

	_, err = repo.Get(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrCorrupt)
	_, err = repo.Stat(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrCorrupt)

	keys, err := repo.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, keys, "unreadable entries sort last but stay visible")
}

func TestFileRepository_RecoverCleansPartialWrites(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	repo, err := NewFileRepository(fsys, testDir)
	require.NoError(t, err)
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	// A crash after writing content but before committing the envelope.
	require.NoError(t, afero.WriteFile(fsys, "/spool/m2.msg", []byte("orphan"), 0o640))
	require.NoError(t, afero.WriteFile(fsys, "/spool/m2.env.tmp", []byte("{}"), 0o640))

	reopened, err := NewFileRepository(fsys, testDir)
	require.NoError(t, err)

	ok, _ := afero.Exists(fsys, "/spool/m2.msg")
	assert.False(t, ok)
	ok, _ = afero.Exists(fsys, "/spool/m2.env.tmp")
	assert.False(t, ok)

	// Sequence resumes after the highest stored entry.
	require.NoError(t, reopened.Put(ctx, newTestMail("a0", "a@x")))
	keys, err := reopened.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "a0"}, keys)
}

func TestFileRepository_RejectsUnsafeNames(t *testing.T) {
	repo, err := NewFileRepository(afero.NewMemMapFs(), testDir)
	require.NoError(t, err)

	m := newTestMail("../escape", "a@x")
	assert.ErrorIs(t, repo.Put(context.Background(), m), core.ErrInvalidMailName)
	_, err = repo.Get(context.Background(), "../escape")
	assert.ErrorIs(t, err, core.ErrNotFound)
}
