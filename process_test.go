package pluginsup

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertInsertsThenUpdatesExisting(t *testing.T) {
	reg := NewProcessRegistry()
	meta := validMetadata()

	p := reg.Upsert("demo", meta, "/bin/demo.plugin", "/tmp/demo.sock")
	assert.True(t, p.Enabled)
	assert.Equal(t, "/bin/demo.plugin", p.BinaryPath)

	updated := reg.Upsert("demo", meta, "/bin/demo-v2.plugin", "/tmp/demo2.sock")
	assert.Same(t, p, updated)
	assert.Equal(t, "/bin/demo-v2.plugin", updated.BinaryPath)
	assert.Equal(t, "/tmp/demo2.sock", updated.SocketPath)
}

func TestGetUnknownReturnsFalse(t *testing.T) {
	reg := NewProcessRegistry()
	_, ok := reg.Get("missing")
	assert.False(t, ok)
}

func TestAllReturnsEveryRow(t *testing.T) {
	reg := NewProcessRegistry()
	reg.Upsert("a", validMetadata(), "/bin/a.plugin", "/tmp/a.sock")
	reg.Upsert("b", validMetadata(), "/bin/b.plugin", "/tmp/b.sock")

	all := reg.All()
	assert.Len(t, all, 2)
}

func TestHealthFalseWhenNeverRunning(t *testing.T) {
	reg := NewProcessRegistry()
	reg.Upsert("demo", validMetadata(), "/bin/demo.plugin", "/tmp/demo.sock")
	assert.False(t, reg.Health("demo"))
}

func TestHealthFalseWhenDisabled(t *testing.T) {
	reg := NewProcessRegistry()
	reg.Upsert("demo", validMetadata(), "/bin/demo.plugin", "/tmp/demo.sock")
	reg.setEnabled("demo", false)
	assert.False(t, reg.Health("demo"))
}

func TestHealthTrueWhenProcessAliveAndSocketPresent(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "demo.sock")
	require.NoError(t, os.WriteFile(socketPath, nil, 0o644))

	reg := NewProcessRegistry()
	reg.Upsert("demo", validMetadata(), "/bin/demo.plugin", socketPath)

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()
	reg.setRunning("demo", cmd)

	assert.True(t, reg.Health("demo"))

	reg.clearRunning("demo")
	p, ok := reg.Get("demo")
	require.True(t, ok)
	assert.Equal(t, 0, p.PID())
	assert.False(t, p.Running())
	assert.False(t, reg.Health("demo"))
}

func TestHealthFalseWhenSocketMissing(t *testing.T) {
	reg := NewProcessRegistry()
	reg.Upsert("demo", validMetadata(), "/bin/demo.plugin", "/tmp/does-not-exist.sock")

	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	defer cmd.Process.Kill()
	reg.setRunning("demo", cmd)

	assert.False(t, reg.Health("demo"))
}

func TestProcessAliveRejectsNonPositivePID(t *testing.T) {
	assert.False(t, processAlive(0))
	assert.False(t, processAlive(-1))
}
