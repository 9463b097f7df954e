package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// repositoryFactories builds each backend fresh per test so the shared
// contract tests run against all of them.
func repositoryFactories() map[string]func(t *testing.T) core.Repository {
	return map[string]func(t *testing.T) core.Repository{
		"gorm": func(t *testing.T) core.Repository {
			repo := NewGormRepository(openTestDB(t), "")
			require.NoError(t, repo.Migrate(context.Background()))
			return repo
		},
		"memory": func(t *testing.T) core.Repository {
			return NewMemoryRepository()
		},
		"file": func(t *testing.T) core.Repository {
			repo, err := NewFileRepository(afero.NewMemMapFs(), "/var/spool/mail")
			require.NoError(t, err)
			return repo
		},
	}
}

func newTestMail(name string, rcpts ...string) *core.Mail {
	return &core.Mail{
		Name:        name,
		Sender:      "sender@example.com",
		Recipients:  rcpts,
		Content:     []byte("Subject: hi\r\n\r\nbody of " + name + "\r\n"),
		State:       core.StateDefault,
		RemoteHost:  "mx.example.com",
		RemoteAddr:  "192.0.2.10",
		LastUpdated: time.Now(),
		Attributes:  map[string]string{"spam.score": "1.5"},
	}
}

func TestRepository_Contract(t *testing.T) {
	for backend, factory := range repositoryFactories() {
		t.Run(backend, func(t *testing.T) {
			t.Run("round trip", func(t *testing.T) {
				ctx := context.Background()
				repo := factory(t)
				m := newTestMail("m1", "a@x", "b@y")

				require.NoError(t, repo.Put(ctx, m))
				got, err := repo.Get(ctx, "m1")
				require.NoError(t, err)

				assert.Equal(t, m.Name, got.Name)
				assert.Equal(t, m.Sender, got.Sender)
				assert.Equal(t, m.Recipients, got.Recipients)
				assert.Equal(t, m.State, got.State)
				assert.Equal(t, m.Content, got.Content, "content must be byte-identical")
				assert.Equal(t, m.RemoteHost, got.RemoteHost)
				assert.Equal(t, m.RemoteAddr, got.RemoteAddr)
				assert.Equal(t, m.Attributes, got.Attributes)
				assert.WithinDuration(t, m.LastUpdated, got.LastUpdated, time.Millisecond)
			})

			t.Run("null sender and binary content", func(t *testing.T) {
				ctx := context.Background()
				repo := factory(t)
				m := newTestMail("bounce1", "a@x")
				m.Sender = ""
				m.Attributes = nil
				m.Content = []byte{0x00, 0xff, 0x10, '\r', '\n'}

				require.NoError(t, repo.Put(ctx, m))
				got, err := repo.Get(ctx, "bounce1")
				require.NoError(t, err)
				assert.False(t, got.HasSender())
				assert.Equal(t, m.Content, got.Content)
			})

			t.Run("get missing", func(t *testing.T) {
				repo := factory(t)
				_, err := repo.Get(context.Background(), "nope")
				assert.ErrorIs(t, err, core.ErrNotFound)
				_, err = repo.Stat(context.Background(), "nope")
				assert.ErrorIs(t, err, core.ErrNotFound)
			})

			t.Run("put replaces", func(t *testing.T) {
				ctx := context.Background()
				repo := factory(t)
				m := newTestMail("m1", "a@x", "b@y")
				require.NoError(t, repo.Put(ctx, m))

				m.Recipients = []string{"b@y"}
				m.SetError("relay refused")
				m.Content = []byte("rewritten")
				require.NoError(t, repo.Put(ctx, m))

				got, err := repo.Get(ctx, "m1")
				require.NoError(t, err)
				assert.Equal(t, []string{"b@y"}, got.Recipients)
				assert.Equal(t, core.StateError, got.State)
				assert.Equal(t, "relay refused", got.ErrorMessage)
				assert.Equal(t, []byte("rewritten"), got.Content)

				keys, err := repo.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, []string{"m1"}, keys)
			})

			t.Run("stat", func(t *testing.T) {
				ctx := context.Background()
				repo := factory(t)
				m := newTestMail("m1", "a@x")
				m.SetError("boom")
				require.NoError(t, repo.Put(ctx, m))

				e, err := repo.Stat(ctx, "m1")
				require.NoError(t, err)
				assert.Equal(t, "m1", e.Name)
				assert.Equal(t, core.StateError, e.State)
				assert.WithinDuration(t, m.LastUpdated, e.LastUpdated, time.Millisecond)
			})

			t.Run("delete removes both halves", func(t *testing.T) {
				ctx := context.Background()
				repo := factory(t)
				require.NoError(t, repo.Put(ctx, newTestMail("m1", "a@x")))

				require.NoError(t, repo.Delete(ctx, "m1"))
				_, err := repo.Get(ctx, "m1")
				assert.ErrorIs(t, err, core.ErrNotFound)
				require.NoError(t, repo.Delete(ctx, "m1"), "deleting twice is a no-op")
			})

			t.Run("keys in insertion order", func(t *testing.T) {
				ctx := context.Background()
				repo := factory(t)
				var want []string
				for i := 0; i < 12; i++ {
					// Names deliberately sort differently than insertion order.
					name := fmt.Sprintf("m%02d", 11-i)
					want = append(want, name)
					require.NoError(t, repo.Put(ctx, newTestMail(name, "a@x")))
				}
				// Updating an old mail must not move it.
				require.NoError(t, repo.Put(ctx, newTestMail(want[0], "z@x")))

				keys, err := repo.Keys(ctx)
				require.NoError(t, err)
				assert.Equal(t, want, keys)
			})

			t.Run("returned mail is a copy", func(t *testing.T) {
				ctx := context.Background()
				repo := factory(t)
				m := newTestMail("m1", "a@x")
				require.NoError(t, repo.Put(ctx, m))
				m.Recipients[0] = "mutated@x"

				got, err := repo.Get(ctx, "m1")
				require.NoError(t, err)
				assert.Equal(t, []string{"a@x"}, got.Recipients)
			})
		})
	}
}
