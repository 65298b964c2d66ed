// Package wire implements the length-framed JSON wire protocol (spec §3, §4.1)
// exchanged between the supervisor and a plugin process over a Unix domain
// socket. It is the Go-side twin of the protocol implemented by
// toru-plugin-api's PluginProtocol: a u32 big-endian length prefix followed
// by exactly that many bytes of UTF-8 JSON.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the Envelope payload variant.
type MessageType string

const (
	MessageTypeLifecycle MessageType = "lifecycle"
	MessageTypeHTTP      MessageType = "http"
	MessageTypeKV        MessageType = "kv"
)

// Envelope is the outer frame every message on the wire carries (spec §3).
// RequestID is required for http and kv messages and absent for lifecycle.
type Envelope struct {
	MessageType MessageType     `json:"message_type"`
	RequestID   string          `json:"request_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// LifecycleAction names the lifecycle sub-message kind.
type LifecycleAction string

const (
	LifecycleActionInit     LifecycleAction = "init"
	LifecycleActionShutdown LifecycleAction = "shutdown"
)

// LifecycleInitDetail carries the data a plugin needs to orient itself
// (spec §3, §6): the host instance id, the socket path it was told to bind
// (echoed back so the plugin can confirm agreement), and the per-plugin log
// path the host is writing structured lines to.
type LifecycleInitDetail struct {
	InstanceID   string `json:"instance_id"`
	PluginSocket string `json:"plugin_socket"`
	LogPath      string `json:"log_path"`
}

// LifecyclePayload is the payload of a message_type=lifecycle envelope.
type LifecyclePayload struct {
	Action  LifecycleAction       `json:"action"`
	Payload *LifecycleInitDetail  `json:"payload,omitempty"`
}

// HTTPRequestPayload is an http-message request payload.
type HTTPRequestPayload struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body,omitempty"`
}

// HTTPResponsePayload is the symmetric http-message response payload.
type HTTPResponsePayload struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    *string           `json:"body,omitempty"`
}

// KVOp names a plugin KV store operation (spec §4.8).
type KVOp string

const (
	KVOpGet    KVOp = "get"
	KVOpSet    KVOp = "set"
	KVOpDelete KVOp = "delete"
)

// KVRequestPayload is a kv-message request payload.
type KVRequestPayload struct {
	Op    KVOp    `json:"op"`
	Key   string  `json:"key"`
	Value *string `json:"value,omitempty"`
}

// KVResponsePayload is the symmetric kv-message response payload.
type KVResponsePayload struct {
	Value *string `json:"value,omitempty"`
}

func marshalPayload(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		// Every payload type here is a plain struct of strings/maps; a
		// marshal failure means programmer error, not a runtime condition.
		panic(fmt.Sprintf("wire: failed to marshal payload: %v", err))
	}
	return raw
}

// NewLifecycleInit builds the init envelope the supervisor sends right
// after the plugin's socket appears (spec §4.3 init handshake).
func NewLifecycleInit(instanceID, socketPath, logPath string) *Envelope {
	return &Envelope{
		MessageType: MessageTypeLifecycle,
		Payload: marshalPayload(LifecyclePayload{
			Action: LifecycleActionInit,
			Payload: &LifecycleInitDetail{
				InstanceID:   instanceID,
				PluginSocket: socketPath,
				LogPath:      logPath,
			},
		}),
	}
}

// NewLifecycleShutdown builds the shutdown envelope sent to ask a plugin to
// exit cleanly.
func NewLifecycleShutdown() *Envelope {
	return &Envelope{
		MessageType: MessageTypeLifecycle,
		Payload:     marshalPayload(LifecyclePayload{Action: LifecycleActionShutdown}),
	}
}

// NewHTTPRequest builds an http-message request envelope.
func NewHTTPRequest(requestID, method, path string, headers map[string]string, body *string) *Envelope {
	return &Envelope{
		MessageType: MessageTypeHTTP,
		RequestID:   requestID,
		Payload: marshalPayload(HTTPRequestPayload{
			Method:  method,
			Path:    path,
			Headers: headers,
			Body:    body,
		}),
	}
}

// NewHTTPResponse builds an http-message response envelope echoing requestID.
func NewHTTPResponse(requestID string, status int, headers map[string]string, body *string) *Envelope {
	return &Envelope{
		MessageType: MessageTypeHTTP,
		RequestID:   requestID,
		Payload: marshalPayload(HTTPResponsePayload{
			Status:  status,
			Headers: headers,
			Body:    body,
		}),
	}
}

// NewKVRequest builds a kv-message request envelope.
func NewKVRequest(requestID string, op KVOp, key string, value *string) *Envelope {
	return &Envelope{
		MessageType: MessageTypeKV,
		RequestID:   requestID,
		Payload: marshalPayload(KVRequestPayload{
			Op:    op,
			Key:   key,
			Value: value,
		}),
	}
}

// NewKVResponse builds a kv-message response envelope echoing requestID.
func NewKVResponse(requestID string, value *string) *Envelope {
	return &Envelope{
		MessageType: MessageTypeKV,
		RequestID:   requestID,
		Payload:     marshalPayload(KVResponsePayload{Value: value}),
	}
}

// DecodeLifecycle unmarshals the envelope's payload as a LifecyclePayload.
func (e *Envelope) DecodeLifecycle() (*LifecyclePayload, error) {
	if e.MessageType != MessageTypeLifecycle {
		return nil, fmt.Errorf("wire: envelope is message_type %q, not lifecycle", e.MessageType)
	}
	var p LifecyclePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: invalid lifecycle payload: %w", err)
	}
	return &p, nil
}

// DecodeHTTPRequest unmarshals the envelope's payload as an HTTPRequestPayload.
func (e *Envelope) DecodeHTTPRequest() (*HTTPRequestPayload, error) {
	if e.MessageType != MessageTypeHTTP {
		return nil, fmt.Errorf("wire: envelope is message_type %q, not http", e.MessageType)
	}
	var p HTTPRequestPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: invalid http request payload: %w", err)
	}
	return &p, nil
}

// DecodeHTTPResponse unmarshals the envelope's payload as an HTTPResponsePayload.
func (e *Envelope) DecodeHTTPResponse() (*HTTPResponsePayload, error) {
	if e.MessageType != MessageTypeHTTP {
		return nil, fmt.Errorf("wire: envelope is message_type %q, not http", e.MessageType)
	}
	var p HTTPResponsePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: invalid http response payload: %w", err)
	}
	return &p, nil
}

// DecodeKVRequest unmarshals the envelope's payload as a KVRequestPayload.
func (e *Envelope) DecodeKVRequest() (*KVRequestPayload, error) {
	if e.MessageType != MessageTypeKV {
		return nil, fmt.Errorf("wire: envelope is message_type %q, not kv", e.MessageType)
	}
	var p KVRequestPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: invalid kv request payload: %w", err)
	}
	return &p, nil
}

// DecodeKVResponse unmarshals the envelope's payload as a KVResponsePayload.
func (e *Envelope) DecodeKVResponse() (*KVResponsePayload, error) {
	if e.MessageType != MessageTypeKV {
		return nil, fmt.Errorf("wire: envelope is message_type %q, not kv", e.MessageType)
	}
	var p KVResponsePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("wire: invalid kv response payload: %w", err)
	}
	return &p, nil
}
