package pluginsdk

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlhost/pluginsup/wire"
)

func startTestPlugin(t *testing.T, p *Plugin) (socketPath string, stop func()) {
	t.Helper()
	socketPath = filepath.Join(t.TempDir(), "plugin.sock")
	require.NoError(t, os.Setenv(SocketEnvVar, socketPath))

	errCh := make(chan error, 1)
	go func() { errCh <- p.serve() }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return socketPath, func() {
		if p.listener != nil {
			p.listener.Close()
		}
	}
}

func TestServeAnswersHTTPRequest(t *testing.T) {
	body := "hello"
	p := &Plugin{
		Metadata: Metadata{ID: "demo", Name: "Demo", Version: "1.0", Route: "/demo"},
		OnHTTP: func(req *wire.HTTPRequestPayload) *wire.HTTPResponsePayload {
			assert.Equal(t, "GET", req.Method)
			return &wire.HTTPResponsePayload{Status: 200, Body: &body}
		},
	}
	socketPath, stop := startTestPlugin(t, p)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	req := wire.NewHTTPRequest("req-1", "GET", "/demo", nil, nil)
	require.NoError(t, wire.NewFrameWriter(conn).WriteEnvelope(req))

	env, err := wire.NewFrameReader(conn).ReadEnvelope()
	require.NoError(t, err)
	assert.Equal(t, "req-1", env.RequestID)

	resp, err := env.DecodeHTTPResponse()
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	require.NotNil(t, resp.Body)
	assert.Equal(t, "hello", *resp.Body)
}

func TestServeAnswersKVRequest(t *testing.T) {
	p := &Plugin{
		Metadata: Metadata{ID: "demo", Name: "Demo", Version: "1.0", Route: "/demo"},
		OnKV: func(req *wire.KVRequestPayload) *wire.KVResponsePayload {
			v := "value-for-" + req.Key
			return &wire.KVResponsePayload{Value: &v}
		},
	}
	socketPath, stop := startTestPlugin(t, p)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	req := wire.NewKVRequest("req-2", wire.KVOpGet, "color", nil)
	require.NoError(t, wire.NewFrameWriter(conn).WriteEnvelope(req))

	env, err := wire.NewFrameReader(conn).ReadEnvelope()
	require.NoError(t, err)
	resp, err := env.DecodeKVResponse()
	require.NoError(t, err)
	require.NotNil(t, resp.Value)
	assert.Equal(t, "value-for-color", *resp.Value)
}

func TestShutdownStopsServeLoop(t *testing.T) {
	shutdownCalled := false
	p := &Plugin{
		Metadata:   Metadata{ID: "demo", Name: "Demo", Version: "1.0", Route: "/demo"},
		OnShutdown: func() { shutdownCalled = true },
	}
	socketPath := filepath.Join(t.TempDir(), "plugin.sock")
	require.NoError(t, os.Setenv(SocketEnvVar, socketPath))

	errCh := make(chan error, 1)
	go func() { errCh <- p.serve() }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	require.NoError(t, wire.NewFrameWriter(conn).WriteEnvelope(wire.NewLifecycleShutdown()))
	conn.Close()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
	assert.True(t, shutdownCalled)
}

func TestPrintMetadataWritesJSONToStdout(t *testing.T) {
	p := &Plugin{Metadata: Metadata{ID: "demo", Name: "Demo", Version: "1.0", Route: "/demo"}}

	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	require.NoError(t, p.printMetadata())
	w.Close()

	buf := make([]byte, 4096)
	n, _ := r.Read(buf)
	assert.Contains(t, string(buf[:n]), `"id":"demo"`)
}
