package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a file-driver configuration rooted in a temp dir.
func writeConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	cfgPath = filepath.Join(dir, "spoold.yaml")
	doc := fmt.Sprintf(`spool:
  driver: file
  dir: %s
  retry_delay: 1s
workers:
  threads: 2
maintenance:
  schedule: ""
delivery:
  local_domains: [localhost]
`, dir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(doc), 0o600))
	return cfgPath, dir
}

func execute(t *testing.T, ctx context.Context, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// ─── enqueue / list / show ──────────────────────────────────────────────────

func TestEnqueueListShow(t *testing.T) {
	cfg, _ := writeConfig(t)
	ctx := context.Background()

	out, err := execute(t, ctx, "Subject: hi\r\n\r\nhello\r\n",
		"--config", cfg, "enqueue", "--from", "alice@example.org", "--to", "bob@localhost,carol@localhost")
	require.NoError(t, err)
	name := strings.TrimSpace(out)
	require.NotEmpty(t, name)

	out, err = execute(t, ctx, "", "--config", cfg, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, name)
	assert.Contains(t, out, "alice@example.org")

	out, err = execute(t, ctx, "", "--config", cfg, "show", name)
	require.NoError(t, err)
	assert.Contains(t, out, "State:      root")
	assert.Contains(t, out, "Recipients: bob@localhost, carol@localhost")
	assert.Contains(t, out, "hello")

	out, err = execute(t, ctx, "", "--config", cfg, "show", "--envelope", name)
	require.NoError(t, err)
	assert.NotContains(t, out, "hello")
}

func TestEnqueue_FromFileWithNullSender(t *testing.T) {
	cfg, dir := writeConfig(t)
	msg := filepath.Join(dir, "msg.eml")
	require.NoError(t, os.WriteFile(msg, []byte("Subject: notice\r\n\r\nbody\r\n"), 0o600))

	out, err := execute(t, context.Background(), "", "--config", cfg, "enqueue", "--to", "bob@localhost", msg)
	require.NoError(t, err)

	out, err = execute(t, context.Background(), "", "--config", cfg, "show", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Contains(t, out, "Sender:     <>")
}

func TestEnqueue_RequiresRecipients(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := execute(t, context.Background(), "body", "--config", cfg, "enqueue", "--from", "a@example.org")
	assert.Error(t, err)
}

func TestShow_Missing(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := execute(t, context.Background(), "", "--config", cfg, "show", "absent")
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, context.Background(), "", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "list")
	assert.Error(t, err)
}

// ─── stats ──────────────────────────────────────────────────────────────────

func TestStats_RequiresDatabase(t *testing.T) {
	cfg, _ := writeConfig(t)
	_, err := execute(t, context.Background(), "", "--config", cfg, "stats")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite and postgres")
}

func TestStats_SQLite(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "spoold.yaml")
	doc := fmt.Sprintf("spool:\n  driver: sqlite\n  dsn: %s\n", filepath.Join(dir, "spool.db"))
	require.NoError(t, os.WriteFile(cfg, []byte(doc), 0o600))

	out, err := execute(t, context.Background(), "", "--config", cfg, "stats", "--since", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "ACCEPTED")

	out, err = execute(t, context.Background(), "", "--config", cfg, "stats", "--json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

// ─── run ────────────────────────────────────────────────────────────────────

func TestRun_DeliversLocalMail(t *testing.T) {
	cfg, dir := writeConfig(t)

	out, err := execute(t, context.Background(), "Subject: hi\r\n\r\nhello\r\n",
		"--config", cfg, "enqueue", "--from", "alice@example.org", "--to", "bob@localhost")
	require.NoError(t, err)
	require.NotEmpty(t, strings.TrimSpace(out))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := execute(t, ctx, "", "--config", cfg, "run")
		done <- err
	}()

	mailbox := filepath.Join(dir, "mailboxes", "bob@localhost")
	require.Eventually(t, func() bool {
		matches, err := filepath.Glob(filepath.Join(mailbox, "*.eml"))
		return err == nil && len(matches) == 1
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	out, err = execute(t, context.Background(), "", "--config", cfg, "list")
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(out, "\n"), "only the header should remain:\n%s", out)
}
