package lock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "locks")
	m := NewManager(zaptest.NewLogger(t), dir)

	require.True(t, m.Acquire("daily"))

	raw, err := os.ReadFile(filepath.Join(dir, "daily.lock"))
	require.NoError(t, err)
	parts := strings.SplitN(string(raw), "|", 2)
	require.Len(t, parts, 2)
	_, err = time.Parse(time.RFC3339, parts[1])
	assert.NoError(t, err)

	m.Release("daily")
	_, err = os.Stat(filepath.Join(dir, "daily.lock"))
	assert.True(t, os.IsNotExist(err))

	// Empty lock directory is pruned on the last release.
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestFreshLockBlocks(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "locks"))

	require.True(t, m.Acquire("daily"))
	assert.False(t, m.Acquire("daily"))

	// Five minutes old is still live.
	path := filepath.Join(m.dir, "daily.lock")
	old := time.Now().Add(-5 * time.Minute)
	require.NoError(t, os.Chtimes(path, old, old))
	assert.False(t, m.Acquire("daily"))
}

func TestStaleLockReclaimed(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "locks"))

	require.True(t, m.Acquire("daily"))

	path := filepath.Join(m.dir, "daily.lock")
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	assert.True(t, m.Acquire("daily"))
}

func TestLocksAreIndependentPerTask(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "locks"))

	require.True(t, m.Acquire("a"))
	assert.True(t, m.Acquire("b"))

	m.Release("a")
	assert.False(t, m.Acquire("b"))
}

func TestReleaseWithoutAcquireIsNoop(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "locks"))
	m.Release("never-acquired")
}
