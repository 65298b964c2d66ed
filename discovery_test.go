package pluginsup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakePlugin(t *testing.T, dir, name, metadataJSON string) string {
	t.Helper()
	path := filepath.Join(dir, name+pluginBinaryExt)
	script := "#!/bin/sh\ncat <<'EOF'\n" + metadataJSON + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func discardLogger() hclog.Logger {
	return hclog.NewNullLogger()
}

func TestDiscoverPluginsFindsValidCandidate(t *testing.T) {
	dir := t.TempDir()
	writeFakePlugin(t, dir, "demo", `{"id":"demo","name":"Demo","version":"1.0","route":"/demo"}`)

	found, err := discoverPlugins(dir, discardLogger())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "demo", found[0].metadata.ID)
}

func TestDiscoverPluginsSkipsNonMarkerFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a plugin"), 0o644))

	found, err := discoverPlugins(dir, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoverPluginsSkipsFailingProbe(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken"+pluginBinaryExt)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	found, err := discoverPlugins(dir, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestDiscoverPluginsSkipsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	writeFakePlugin(t, dir, "first", `{"id":"dup","name":"First","version":"1.0","route":"/first"}`)
	writeFakePlugin(t, dir, "second", `{"id":"dup","name":"Second","version":"1.0","route":"/second"}`)

	found, err := discoverPlugins(dir, discardLogger())
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestDiscoverPluginsSkipsDuplicateRoute(t *testing.T) {
	dir := t.TempDir()
	writeFakePlugin(t, dir, "first", `{"id":"one","name":"One","version":"1.0","route":"/shared"}`)
	writeFakePlugin(t, dir, "second", `{"id":"two","name":"Two","version":"1.0","route":"/shared"}`)

	found, err := discoverPlugins(dir, discardLogger())
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

// TestDiscoverPluginsSkipsSymlinkEscape matches spec §8 scenario 1: a
// marker-suffixed symlink pointing outside the plugins directory (e.g. at
// /etc/passwd) must be skipped with a warning, not followed or probed.
func TestDiscoverPluginsSkipsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	writeFakePlugin(t, dir, "good", `{"id":"good","name":"Good","version":"1.0","route":"/good"}`)
	require.NoError(t, os.Symlink("/etc/passwd", filepath.Join(dir, "evil"+pluginBinaryExt)))

	found, err := discoverPlugins(dir, discardLogger())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "good", found[0].metadata.ID)
}

func TestProbeMetadataRawSkipsProcessSpawn(t *testing.T) {
	m, err := probeMetadataRaw([]byte(`{"id":"demo","name":"Demo","version":"1.0","route":"/demo"}`))
	require.NoError(t, err)
	assert.Equal(t, "demo", m.ID)
}
