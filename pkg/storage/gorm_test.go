package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// newTestRepository creates a migrated repository on a fresh database.
func newTestRepository(t *testing.T, name string) *GormRepository {
	t.Helper()
	repo := NewGormRepository(openTestDB(t), name)
	require.NoError(t, repo.Migrate(context.Background()), "migrate schema")
	return repo
}

// ──────────────────────────────────────────────────────────────────────────────
// Constructor
// ──────────────────────────────────────────────────────────────────────────────

func TestNewGormRepository_DefaultName(t *testing.T) {
	repo := NewGormRepository(nil, "")
	assert.Equal(t, DefaultRepository, repo.Name())
}

// ──────────────────────────────────────────────────────────────────────────────
// Named repositories
// ──────────────────────────────────────────────────────────────────────────────

func TestGormRepository_NamedRepositoriesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	spool := NewGormRepository(db, "spool")
	errRepo := NewGormRepository(db, "error")
	require.NoError(t, spool.Migrate(ctx))

	require.NoError(t, spool.Put(ctx, newTestMail("m1", "a@x")))
	require.NoError(t, errRepo.Put(ctx, newTestMail("m1", "b@y")))

	got, err := spool.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x"}, got.Recipients)

	got, err = errRepo.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b@y"}, got.Recipients)

	require.NoError(t, errRepo.Delete(ctx, "m1"))
	_, err = spool.Get(ctx, "m1")
	assert.NoError(t, err, "delete in one repository must not touch another")

	n, err := spool.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// ──────────────────────────────────────────────────────────────────────────────
// Sequence
// ──────────────────────────────────────────────────────────────────────────────

func TestGormRepository_SequenceIsUniquePerRepository(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "")
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	err := repo.DB().Exec(
		"INSERT INTO spool_envelopes (repository, name, seq, recipients, state) VALUES (?, ?, ?, ?, ?)",
		DefaultRepository, "m2", 1, `["b@x"]`, core.StateDefault).Error
	require.Error(t, err)
	assert.True(t, isDuplicateKey(err), err.Error())

	require.NoError(t, repo.DB().Exec(
		"INSERT INTO spool_envelopes (repository, name, seq, recipients, state) VALUES (?, ?, ?, ?, ?)",
		"archive", "m2", 1, `["b@x"]`, core.StateDefault).Error)
}

func TestGormRepository_PutRetriesSequenceConflict(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "")
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	// The first insert of m2 finds its sequence number already taken, as if
	// another writer committed between the MAX lookup and the insert.
	var stolen int
	require.NoError(t, repo.DB().Callback().Create().Before("gorm:create").Register("test:steal_seq", func(tx *gorm.DB) {
		rec, ok := tx.Statement.Dest.(*envelopeRecord)
		if !ok || stolen > 0 {
			return
		}
		stolen++
		assert.NoError(t, tx.Session(&gorm.Session{NewDB: true}).Exec(
			"INSERT INTO spool_envelopes (repository, name, seq, recipients, state) VALUES (?, ?, ?, ?, ?)",
			rec.Repository, "racer", rec.Seq, `["r@x"]`, core.StateDefault).Error)
	}))

	require.NoError(t, repo.Put(ctx, newTestMail("m2", "b@x")))
	assert.Equal(t, 1, stolen)

	keys, err := repo.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, keys)
}

func TestGormRepository_ConcurrentPutsKeepOrder(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "")

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, repo.Put(ctx, newTestMail(fmt.Sprintf("m%02d", i), "a@x")))
		}()
	}
	wg.Wait()

	var seqs []int64
	require.NoError(t, repo.DB().Model(&envelopeRecord{}).Order("seq ASC").Pluck("seq", &seqs).Error)
	require.Len(t, seqs, 20)
	for i, seq := range seqs {
		assert.Equal(t, int64(i+1), seq)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Corruption
// ──────────────────────────────────────────────────────────────────────────────

func TestGormRepository_GarbledRecipientsIsCorrupt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "")
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	require.NoError(t, repo.DB().Exec(
		"UPDATE spool_envelopes SET recipients = ? WHERE name = ?", "[not json", "m1").Error)

	_, err := repo.Get(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrCorrupt)
}

func TestGormRepository_MissingContentIsCorrupt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "")
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	require.NoError(t, repo.DB().Exec("DELETE FROM spool_contents WHERE name = ?", "m1").Error)

	_, err := repo.Get(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrCorrupt)
}

func TestGormRepository_EmptyStateIsCorrupt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t, "")
	require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

	require.NoError(t, repo.DB().Exec("UPDATE spool_envelopes SET state = '' WHERE name = ?", "m1").Error)

	_, err := repo.Get(ctx, "m1")
	assert.ErrorIs(t, err, core.ErrCorrupt)
}

// ──────────────────────────────────────────────────────────────────────────────
// Mailbox
// ──────────────────────────────────────────────────────────────────────────────

func TestGormMailbox_DeliverAndRead(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	box := NewGormMailbox(db)
	require.NoError(t, box.Migrate(ctx))

	m := newTestMail("m1", "a@x", "b@x")
	require.NoError(t, box.Deliver(ctx, "a@x", m))
	require.NoError(t, box.Deliver(ctx, "b@x", m))

	msgs, err := box.Messages(ctx, "a@x")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MailName)
	assert.Equal(t, "sender@example.com", msgs[0].Sender)
	assert.Equal(t, m.Content, msgs[0].Content)
	assert.NotEmpty(t, msgs[0].ID)

	msgs, err = box.Messages(ctx, "nobody@x")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
