package allowlist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRulesFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "allowlist.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmptyPathAllowsAll(t *testing.T) {
	g, err := New("")
	require.NoError(t, err)
	defer g.Stop()

	assert.True(t, g.AllowInbound("anything"))
	assert.True(t, g.AllowOutbound("anything"))
}

func TestEmptyListsAllowAll(t *testing.T) {
	dir := t.TempDir()
	path := writeRulesFile(t, dir, `{"inbound": [], "outbound": []}`)

	g, err := New(path)
	require.NoError(t, err)
	defer g.Stop()

	assert.True(t, g.AllowInbound("5551234"))
	assert.True(t, g.AllowOutbound("5551234"))
}

func TestExplicitListsDenyUnlisted(t *testing.T) {
	dir := t.TempDir()
	path := writeRulesFile(t, dir, `{"inbound": ["5551234"], "outbound": []}`)

	g, err := New(path)
	require.NoError(t, err)
	defer g.Stop()

	assert.True(t, g.AllowInbound("5551234"))
	assert.False(t, g.AllowInbound("5559999"))
	assert.True(t, g.AllowOutbound("anything"))
}

func TestHotReloadPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeRulesFile(t, dir, `{"inbound": ["5551234"], "outbound": []}`)

	g, err := New(path)
	require.NoError(t, err)
	g.interval = 10 * time.Millisecond
	defer g.Stop()

	assert.False(t, g.AllowInbound("5559999"))

	// Advance mtime deliberately so the poll loop observes a change even on
	// filesystems with coarse mtime resolution.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"inbound": ["5559999"], "outbound": []}`), 0o644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		return g.AllowInbound("5559999")
	}, 2*time.Second, 10*time.Millisecond)
}
