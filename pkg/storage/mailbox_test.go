package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMailbox_DeliverAndRead(t *testing.T) {
	ctx := context.Background()
	box := NewMemoryMailbox()

	m := newTestMail("m1", "a@x")
	require.NoError(t, box.Deliver(ctx, "a@x", m))
	m.Content[0] = 'X'

	msgs, err := box.Messages(ctx, "a@x")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].MailName)
	assert.NotEqual(t, m.Content, msgs[0].Content, "delivered copy must not alias the mail")

	msgs, err = box.Messages(ctx, "nobody@x")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFileMailbox_DeliverAndRead(t *testing.T) {
	ctx := context.Background()
	fsys := afero.NewMemMapFs()
	box, err := NewFileMailbox(fsys, "/var/mail")
	require.NoError(t, err)

	first := newTestMail("m1", "A@X")
	second := newTestMail("m2", "a@x")
	require.NoError(t, box.Deliver(ctx, "a@x", first))
	require.NoError(t, box.Deliver(ctx, "a@x", second))

	msgs, err := box.Messages(ctx, "a@x")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(string(msgs[0].Content), "Return-Path: <sender@example.com>\r\nDelivered-To: a@x\r\n"))
	assert.True(t, strings.HasSuffix(string(msgs[0].Content), string(first.Content)))

	infos, err := afero.ReadDir(fsys, "/var/mail/a@x")
	require.NoError(t, err)
	for _, fi := range infos {
		assert.True(t, strings.HasSuffix(fi.Name(), ".eml"), fi.Name())
	}

	msgs, err = box.Messages(ctx, "nobody@x")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMailboxDir_Safe(t *testing.T) {
	assert.Equal(t, "a@x", mailboxDir("A@X"))
	assert.Equal(t, "_._evil@x", mailboxDir("../evil@x"))
	assert.Equal(t, "a_b@x", mailboxDir(`a\b@x`))
}
