package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

func testMail(sender string, rcpts ...string) *core.Mail {
	return &core.Mail{
		Name:       "m1",
		Sender:     sender,
		Recipients: rcpts,
		State:      core.StateDefault,
		RemoteAddr: "192.0.2.10",
	}
}

func mustParse(t *testing.T, reg *Registry, text string) Matcher {
	t.Helper()
	m, err := reg.Parse(text)
	require.NoError(t, err, text)
	return m
}

// ──────────────────────────────────────────────────────────────────────────────
// Partition
// ──────────────────────────────────────────────────────────────────────────────

func TestPartition(t *testing.T) {
	unmatched, matched := Partition([]string{"a@x", "b@y", "c@x"}, func(r string) bool {
		return core.Domain(r) == "x"
	})
	assert.Equal(t, []string{"b@y"}, unmatched)
	assert.Equal(t, []string{"a@x", "c@x"}, matched)
}

func TestPartition_Empty(t *testing.T) {
	unmatched, matched := Partition(nil, func(string) bool { return true })
	assert.Empty(t, unmatched)
	assert.Empty(t, matched)
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry
// ──────────────────────────────────────────────────────────────────────────────

func TestRegistry_UnknownMatcher(t *testing.T) {
	_, err := NewRegistry().Parse("NoSuchMatcher=foo")
	assert.ErrorIs(t, err, ErrUnknownMatcher)
}

func TestRegistry_MalformedConditions(t *testing.T) {
	reg := NewRegistry()
	for _, text := range []string{
		"HostIs",
		"RecipientIs=",
		"SenderHostIs= , ",
		"HasAttribute",
		"RecipientMatches=(",
		"RemoteAddrInNetwork=not-a-net",
		"HostIsLocal",
	} {
		_, err := reg.Parse(text)
		assert.ErrorIs(t, err, ErrInvalidCondition, text)
	}
}

func TestRegistry_Custom(t *testing.T) {
	reg := NewRegistry()
	reg.Register("FirstOnly", func(string) (Matcher, error) {
		return Func(func(m *core.Mail, r string) bool { return r == m.Recipients[0] }), nil
	})
	assert.Contains(t, reg.Names(), "FirstOnly")
	assert.Contains(t, reg.Names(), All)

	m := mustParse(t, reg, "FirstOnly")
	unmatched, matched, err := m.Match(context.Background(), testMail("s@x", "a@x", "b@x"))
	require.NoError(t, err)
	assert.Equal(t, []string{"b@x"}, unmatched)
	assert.Equal(t, []string{"a@x"}, matched)
}

// ──────────────────────────────────────────────────────────────────────────────
// Built-ins
// ──────────────────────────────────────────────────────────────────────────────

func TestBuiltins(t *testing.T) {
	reg := NewRegistry(LocalDomains("Local.Example"))

	tests := []struct {
		name      string
		text      string
		mail      *core.Mail
		unmatched []string
		matched   []string
	}{
		{
			name:    "all",
			text:    "All",
			mail:    testMail("s@x", "a@x", "b@y"),
			matched: []string{"a@x", "b@y"},
		},
		{
			name:      "recipient is",
			text:      "RecipientIs=A@X, c@z",
			mail:      testMail("s@x", "a@x", "b@y"),
			unmatched: []string{"b@y"},
			matched:   []string{"a@x"},
		},
		{
			name:      "host is",
			text:      "HostIs=x",
			mail:      testMail("s@x", "a@x", "b@y", "c@X"),
			unmatched: []string{"b@y"},
			matched:   []string{"a@x", "c@X"},
		},
		{
			name:      "host is local",
			text:      "HostIsLocal",
			mail:      testMail("s@x", "a@local.example", "b@remote.example"),
			unmatched: []string{"b@remote.example"},
			matched:   []string{"a@local.example"},
		},
		{
			name:    "sender is",
			text:    "SenderIs=boss@corp.example",
			mail:    testMail("boss@corp.example", "a@x", "b@y"),
			matched: []string{"a@x", "b@y"},
		},
		{
			name:      "sender is other",
			text:      "SenderIs=boss@corp.example",
			mail:      testMail("intern@corp.example", "a@x"),
			unmatched: []string{"a@x"},
		},
		{
			name:    "sender is null",
			text:    "SenderIsNull",
			mail:    testMail("", "a@x"),
			matched: []string{"a@x"},
		},
		{
			name:      "sender host is",
			text:      "SenderHostIs=corp.example",
			mail:      testMail("", "a@x"),
			unmatched: []string{"a@x"},
		},
		{
			name:      "recipient matches",
			text:      "RecipientMatches=^postmaster@",
			mail:      testMail("s@x", "postmaster@x", "a@x"),
			unmatched: []string{"a@x"},
			matched:   []string{"postmaster@x"},
		},
		{
			name:    "remote addr in network",
			text:    "RemoteAddrInNetwork=10.0.0.0/8, 192.0.2.0/24",
			mail:    testMail("s@x", "a@x"),
			matched: []string{"a@x"},
		},
		{
			name:      "remote addr single host",
			text:      "RemoteAddrInNetwork=127.0.0.1",
			mail:      testMail("s@x", "a@x"),
			unmatched: []string{"a@x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mustParse(t, reg, tt.text)
			unmatched, matched, err := m.Match(context.Background(), tt.mail)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.unmatched, unmatched, "unmatched")
			assert.ElementsMatch(t, tt.matched, matched, "matched")
		})
	}
}

func TestHasAttribute(t *testing.T) {
	reg := NewRegistry()
	m := testMail("s@x", "a@x")
	m.SetAttribute("spam", "yes")

	_, matched, err := mustParse(t, reg, "HasAttribute=spam").Match(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x"}, matched)

	_, matched, err = mustParse(t, reg, "HasAttribute=spam=yes").Match(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x"}, matched)

	unmatched, matched, err := mustParse(t, reg, "HasAttribute=spam=no").Match(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, matched)
	assert.Equal(t, []string{"a@x"}, unmatched)
}

func TestRemoteAddrWithPort(t *testing.T) {
	m := testMail("s@x", "a@x")
	m.RemoteAddr = "[2001:db8::1]:25"

	_, matched, err := mustParse(t, NewRegistry(), "RemoteAddrInNetwork=2001:db8::/32").Match(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x"}, matched)
}

func TestMatchersArePure(t *testing.T) {
	reg := NewRegistry()
	m := testMail("s@x", "a@x", "b@y")
	before := m.Duplicate()

	for _, text := range []string{"All", "HostIs=x", "SenderIsNull", "RecipientMatches=a"} {
		_, _, err := mustParse(t, reg, text).Match(context.Background(), m)
		require.NoError(t, err)
	}
	assert.Equal(t, before, m)
}
