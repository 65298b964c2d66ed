package pluginsup

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ctrlhost/pluginsup/wire"
)

// forwarderTimeout is the round-trip deadline for a single forwarded
// request (spec §4.6 step 5).
const forwarderTimeout = 30 * time.Second

// ForwardHTTP builds and sends an http-message request to id's plugin and
// waits for the matching response (spec §4.6).
func (s *Supervisor) ForwardHTTP(id, method, path string, headers map[string]string, body *string) (*wire.HTTPResponsePayload, error) {
	env, err := s.roundTrip(id, wire.NewHTTPRequest(uuid.NewString(), method, path, headers, body))
	if err != nil {
		return nil, err
	}
	return env.DecodeHTTPResponse()
}

// ForwardKV builds and sends a kv-message request to id's plugin (host ->
// plugin direction only; plugin -> host KV is served locally by kvstore,
// spec §4.8) and waits for the matching response.
func (s *Supervisor) ForwardKV(id string, op wire.KVOp, key string, value *string) (*wire.KVResponsePayload, error) {
	env, err := s.roundTrip(id, wire.NewKVRequest(uuid.NewString(), op, key, value))
	if err != nil {
		return nil, err
	}
	return env.DecodeKVResponse()
}

// roundTrip implements spec §4.6 steps 1-6: health check, fresh connection,
// one frame out, one frame back within forwarderTimeout, request_id match.
func (s *Supervisor) roundTrip(id string, req *wire.Envelope) (*wire.Envelope, error) {
	p, ok := s.registry.Get(id)
	if !ok || !s.registry.Health(id) {
		return nil, newError(ErrPluginUnavailable, id, "plugin is not enabled or not healthy", nil)
	}

	conn, err := net.DialTimeout("unix", p.SocketPath, 5*time.Second)
	if err != nil {
		return nil, newError(ErrPluginUnavailable, id, "failed to connect to plugin socket", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(forwarderTimeout)); err != nil {
		return nil, newError(ErrPluginTimeout, id, "failed to set connection deadline", err)
	}

	if err := wire.NewFrameWriter(conn).WriteEnvelope(req); err != nil {
		return nil, newError(ErrProtocol, id, "failed to write request frame", err)
	}

	resp, err := wire.NewFrameReader(conn).ReadEnvelope()
	if err != nil {
		var protoErr *wire.ProtocolError
		var netErr net.Error
		if errors.As(err, &protoErr) && !(errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, newError(ErrProtocol, id, "malformed response frame", err)
		}
		return nil, newError(ErrPluginTimeout, id, "no response within deadline", err)
	}

	if resp.RequestID != req.RequestID {
		return nil, newError(ErrProtocol, id, fmt.Sprintf("response request_id %q does not match request %q", resp.RequestID, req.RequestID), nil)
	}

	return resp, nil
}
