package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolveAssignmentsTooFewNames(t *testing.T) {
	assert.Nil(t, solveAssignments(nil, nil))
	assert.Nil(t, solveAssignments([]string{"Alice"}, nil))
}

func TestSolveAssignmentsTwoNames(t *testing.T) {
	// The only derangement of size 2.
	mapping := solveAssignments([]string{"Alice", "Bob"}, nil)
	require.NotNil(t, mapping)
	assert.Equal(t, map[string]string{"Alice": "Bob", "Bob": "Alice"}, mapping)
}

func TestSolveAssignmentsIsDerangement(t *testing.T) {
	names := []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank", "Grüße"}

	for i := 0; i < 50; i++ {
		mapping := solveAssignments(names, nil)
		require.NotNil(t, mapping)
		require.Len(t, mapping, len(names))

		seen := make(map[string]bool)
		for giver, receiver := range mapping {
			assert.NotEqual(t, giver, receiver)
			assert.False(t, seen[receiver], "receiver %q assigned twice", receiver)
			seen[receiver] = true
		}
	}
}

func TestSolveAssignmentsHonorsForbiddenPairs(t *testing.T) {
	// Three names would leave no valid derangement once both directions
	// of a pair are excluded, so use four.
	names := []string{"Alice", "Bob", "Carol", "Dave"}
	forbidden := map[exclusionPair]bool{
		{"alice", "bob"}: true,
		{"bob", "alice"}: true,
	}

	for i := 0; i < 50; i++ {
		mapping := solveAssignments(names, forbidden)
		require.NotNil(t, mapping)

		assert.NotEqual(t, "Bob", mapping["Alice"])
		assert.NotEqual(t, "Alice", mapping["Bob"])
	}
}

func TestSolveAssignmentsUnsolvable(t *testing.T) {
	// Two names whose only derangement is forbidden.
	forbidden := map[exclusionPair]bool{
		{"alice", "bob"}: true,
	}

	assert.Nil(t, solveAssignments([]string{"Alice", "Bob"}, forbidden))
}

func TestLoadExclusions(t *testing.T) {
	cfg := &Config{}

	path := filepath.Join(t.TempDir(), "exclusions.txt")
	content := strings.Join([]string{
		"# couples should not draw each other",
		"",
		"Alice, Bob",
		"bob,ALICE",
		"malformed line without delimiter",
		"too,many,fields",
		" ,empty-giver",
		"Carol,Dave",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	forbidden := loadExclusions(cfg, path)

	assert.Equal(t, map[exclusionPair]bool{
		{"alice", "bob"}:  true,
		{"bob", "alice"}:  true,
		{"carol", "dave"}: true,
	}, forbidden)
}

func TestLoadExclusionsMissingFile(t *testing.T) {
	cfg := &Config{}

	forbidden := loadExclusions(cfg, filepath.Join(t.TempDir(), "nope.txt"))
	assert.Empty(t, forbidden)
}

func newDrawTestConfig(t *testing.T) *Config {
	t.Helper()

	dir := t.TempDir()
	return &Config{
		exclusions: filepath.Join(dir, "exclusions.txt"),
		results:    filepath.Join(dir, "results.txt"),
	}
}

func TestRunDraw(t *testing.T) {
	cfg := newDrawTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.exclusions, []byte("Alice,Bob\nBob,Alice\n"), 0o644))

	reg := newRegistry()
	for _, name := range []string{"Alice", "Bob", "Carol", "Dave"} {
		c := &Client{token: newSessionToken()}
		reg.addConn(c)
		_, err := reg.claimName(c, name, strings.ToLower(name)+"@example.com")
		require.NoError(t, err)
	}

	deliveries, err := runDraw(cfg, reg)
	require.NoError(t, err)
	require.Len(t, deliveries, 4)

	mapping := make(map[string]string)
	for _, d := range deliveries {
		mapping[d.giver] = d.target
	}

	assert.NotEqual(t, "Bob", mapping["Alice"])
	assert.NotEqual(t, "Alice", mapping["Bob"])
	for giver, target := range mapping {
		assert.NotEqual(t, giver, target)
	}

	// The committed mapping is on disk for audit, sorted by giver.
	data, err := os.ReadFile(cfg.results)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[1], "Alice,"))
	assert.True(t, strings.HasPrefix(lines[2], "Bob,"))
	assert.True(t, strings.HasPrefix(lines[3], "Carol,"))
	assert.True(t, strings.HasPrefix(lines[4], "Dave,"))

	// Everyone is drawn now, so a rerun finds nobody eligible and
	// existing assignments stay untouched.
	_, err = runDraw(cfg, reg)
	assert.Error(t, err)
}

func TestRunDrawInsufficientParticipants(t *testing.T) {
	cfg := newDrawTestConfig(t)

	reg := newRegistry()
	c := &Client{token: newSessionToken()}
	reg.addConn(c)
	_, err := reg.claimName(c, "Alice", "alice@example.com")
	require.NoError(t, err)

	_, err = runDraw(cfg, reg)
	assert.Error(t, err)
}

func TestRunDrawUnsolvableIsRetryable(t *testing.T) {
	cfg := newDrawTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.exclusions, []byte("Alice,Bob\n"), 0o644))

	reg := newRegistry()
	for _, name := range []string{"Alice", "Bob"} {
		c := &Client{token: newSessionToken()}
		reg.addConn(c)
		_, err := reg.claimName(c, name, strings.ToLower(name)+"@example.com")
		require.NoError(t, err)
	}

	_, err := runDraw(cfg, reg)
	require.Error(t, err)

	// Nothing was committed, so both names stay eligible for a retry.
	assert.Len(t, reg.listEligibleNames(), 2)
}
