// Package pluginsdk is the plugin-side half of the binary contract described
// in spec §6: a conforming plugin links this package, registers handlers, and
// calls Run. Run dispatches on os.Args the same way the supervisor expects:
// "--metadata" prints the plugin's PluginMetadata JSON and exits; no
// arguments binds the socket named by the plugin socket environment variable
// and serves connections until a lifecycle shutdown message arrives.
package pluginsdk

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/ctrlhost/pluginsup/wire"
)

// SocketEnvVar is the one environment variable the supervisor guarantees
// (spec §6): the path of the Unix socket this plugin must bind.
const SocketEnvVar = "TORU_PLUGIN_SOCKET"

// Metadata mirrors pluginsup.PluginMetadata's wire shape. It is redeclared
// here rather than imported so a plugin binary does not need to depend on
// the supervisor's root package, only on the wire protocol and this SDK.
type Metadata struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Author  string `json:"author,omitempty"`
	Icon    string `json:"icon,omitempty"`
	Route   string `json:"route"`
}

// HTTPHandler answers an http-message request forwarded by the supervisor.
type HTTPHandler func(req *wire.HTTPRequestPayload) *wire.HTTPResponsePayload

// KVHandler answers a kv-message request forwarded by the supervisor (spec
// §4.6: "KV operations from host to plugin are symmetric"). Most plugins
// never receive these — the common case is the plugin calling the host's KV
// store over its own HTTP route — but the contract allows the host to ask a
// plugin to service a kv request directly.
type KVHandler func(req *wire.KVRequestPayload) *wire.KVResponsePayload

// Plugin is a conforming plugin process: metadata plus the handlers that
// answer forwarded requests.
type Plugin struct {
	Metadata Metadata
	OnHTTP   HTTPHandler
	OnKV     KVHandler

	// OnShutdown is called, if set, when a lifecycle shutdown message
	// arrives, before Run returns. Use it to flush state; Run exits the
	// process's serve loop regardless of what this returns.
	OnShutdown func()

	listener   net.Listener
	instanceID string
}

// Run dispatches on os.Args per the binary contract and blocks until the
// socket is told to shut down or the listener errors out. It is the only
// call most plugin main functions need to make.
func (p *Plugin) Run() error {
	args := os.Args
	if len(args) == 2 && args[1] == "--metadata" {
		return p.printMetadata()
	}
	return p.serve()
}

func (p *Plugin) printMetadata() error {
	body, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("pluginsdk: failed to encode metadata: %w", err)
	}
	_, err = os.Stdout.Write(append(body, '\n'))
	return err
}

func (p *Plugin) serve() error {
	socketPath := os.Getenv(SocketEnvVar)
	if socketPath == "" {
		return fmt.Errorf("pluginsdk: %s is not set", SocketEnvVar)
	}
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("pluginsdk: failed to bind socket %s: %w", socketPath, err)
	}
	p.listener = listener
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("pluginsdk: accept failed: %w", err)
		}
		if p.handleConn(conn) {
			return nil
		}
	}
}

// handleConn serves frames on one connection until it closes or a shutdown
// message is received, in which case it reports true so serve can return.
func (p *Plugin) handleConn(conn net.Conn) (shutdown bool) {
	defer conn.Close()
	reader := wire.NewFrameReader(bufio.NewReader(conn))
	writer := wire.NewFrameWriter(conn)

	for {
		env, err := reader.ReadEnvelope()
		if err != nil {
			if err == io.EOF {
				return false
			}
			fmt.Fprintf(os.Stderr, "pluginsdk: frame read error: %v\n", err)
			return false
		}

		switch env.MessageType {
		case wire.MessageTypeLifecycle:
			lifecycle, err := env.DecodeLifecycle()
			if err != nil {
				fmt.Fprintf(os.Stderr, "pluginsdk: %v\n", err)
				continue
			}
			switch lifecycle.Action {
			case wire.LifecycleActionInit:
				if lifecycle.Payload != nil {
					p.instanceID = lifecycle.Payload.InstanceID
				}
			case wire.LifecycleActionShutdown:
				if p.OnShutdown != nil {
					p.OnShutdown()
				}
				return true
			}

		case wire.MessageTypeHTTP:
			req, err := env.DecodeHTTPRequest()
			if err != nil {
				fmt.Fprintf(os.Stderr, "pluginsdk: %v\n", err)
				continue
			}
			resp := p.answerHTTP(req)
			if writeErr := writer.WriteEnvelope(wire.NewHTTPResponse(env.RequestID, resp.Status, resp.Headers, resp.Body)); writeErr != nil {
				fmt.Fprintf(os.Stderr, "pluginsdk: failed to write http response: %v\n", writeErr)
				return false
			}

		case wire.MessageTypeKV:
			req, err := env.DecodeKVRequest()
			if err != nil {
				fmt.Fprintf(os.Stderr, "pluginsdk: %v\n", err)
				continue
			}
			resp := p.answerKV(req)
			if writeErr := writer.WriteEnvelope(wire.NewKVResponse(env.RequestID, resp.Value)); writeErr != nil {
				fmt.Fprintf(os.Stderr, "pluginsdk: failed to write kv response: %v\n", writeErr)
				return false
			}
		}
	}
}

func (p *Plugin) answerHTTP(req *wire.HTTPRequestPayload) *wire.HTTPResponsePayload {
	if p.OnHTTP == nil {
		return &wire.HTTPResponsePayload{Status: 501}
	}
	return p.OnHTTP(req)
}

func (p *Plugin) answerKV(req *wire.KVRequestPayload) *wire.KVResponsePayload {
	if p.OnKV == nil {
		return &wire.KVResponsePayload{}
	}
	return p.OnKV(req)
}
