// Package protocol defines the JSON envelope exchanged between the browser
// and the relay over the WebSocket connection.
//
// Every envelope is a single JSON object with a mandatory "type" field and an
// optional "content" payload whose shape depends on the type. Inbound
// envelopes are decoded into a tagged variant so the session state machine
// can switch exhaustively; unknown types survive decoding and are left to the
// caller to ignore.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Type identifies an envelope variant.
type Type string

// Inbound envelope types.
const (
	TypeConnect    Type = "connect"
	TypeData       Type = "data"
	TypeResize     Type = "resize"
	TypeDisconnect Type = "disconnect"
	TypePing       Type = "ping"
)

// Outbound envelope types.
const (
	TypeConnected Type = "connected"
	TypeError     Type = "error"
	TypePong      Type = "pong"
)

// DefaultSSHPort is used when a connect request omits the port.
const DefaultSSHPort = 22

// ConnectRequest carries the remote target of a connect envelope.
type ConnectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Validate checks the required connect fields. Port gets its default here so
// callers never see a zero port on a valid request.
func (c *ConnectRequest) Validate() error {
	var missing []string
	if c.Host == "" {
		missing = append(missing, "host")
	}
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	if c.Port == 0 {
		c.Port = DefaultSSHPort
	}
	if c.Port < 0 || c.Port > 65535 {
		return &ValidationError{Fields: []string{"port"}}
	}
	return nil
}

// ValidationError reports missing or invalid connect fields. The session
// stays admitted; the client may retry with a corrected request.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid connect request: missing or invalid %s", strings.Join(e.Fields, ", "))
}

// ResizeRequest carries new terminal geometry.
type ResizeRequest struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// ClientEnvelope is the decoded form of an inbound envelope. Exactly one of
// the payload fields is set, matching Type.
type ClientEnvelope struct {
	Type    Type
	Connect *ConnectRequest // TypeConnect
	Data    string          // TypeData
	Resize  *ResizeRequest  // TypeResize

	// Unknown holds the raw type name when Type is not a recognized inbound
	// type. The session logs and ignores these.
	Unknown string
}

// ProtocolError reports a structurally malformed envelope. It is recoverable:
// the session answers with an error envelope and keeps its phase.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type wireEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// DecodeClient parses an inbound envelope. A structurally broken message
// (invalid JSON, missing type, wrong content shape) returns *ProtocolError.
// A well-formed envelope with an unrecognized type decodes successfully with
// Unknown set.
func DecodeClient(data []byte) (ClientEnvelope, error) {
	var wire wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&wire); err != nil {
		return ClientEnvelope{}, &ProtocolError{Reason: "invalid JSON", Err: err}
	}
	if wire.Type == "" {
		return ClientEnvelope{}, &ProtocolError{Reason: "missing type field"}
	}

	switch Type(wire.Type) {
	case TypeConnect:
		var req ConnectRequest
		if err := unmarshalContent(wire.Content, &req); err != nil {
			return ClientEnvelope{}, &ProtocolError{Reason: "connect content", Err: err}
		}
		return ClientEnvelope{Type: TypeConnect, Connect: &req}, nil

	case TypeData:
		var s string
		if err := unmarshalContent(wire.Content, &s); err != nil {
			return ClientEnvelope{}, &ProtocolError{Reason: "data content", Err: err}
		}
		return ClientEnvelope{Type: TypeData, Data: s}, nil

	case TypeResize:
		var req ResizeRequest
		if err := unmarshalContent(wire.Content, &req); err != nil {
			return ClientEnvelope{}, &ProtocolError{Reason: "resize content", Err: err}
		}
		return ClientEnvelope{Type: TypeResize, Resize: &req}, nil

	case TypeDisconnect:
		return ClientEnvelope{Type: TypeDisconnect}, nil

	case TypePing:
		return ClientEnvelope{Type: TypePing}, nil

	default:
		return ClientEnvelope{Type: Type(wire.Type), Unknown: wire.Type}, nil
	}
}

func unmarshalContent(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing content")
	}
	return json.Unmarshal(raw, v)
}

// ServerEnvelope is an outbound envelope. Content is omitted from the wire
// when nil.
type ServerEnvelope struct {
	Type    Type        `json:"type"`
	Content interface{} `json:"content,omitempty"`
}

type errorContent struct {
	Message string `json:"message"`
}

// Connected signals a completed remote handshake.
func Connected() ServerEnvelope {
	return ServerEnvelope{Type: TypeConnected}
}

// Data wraps remote terminal output for the client.
func Data(content string) ServerEnvelope {
	return ServerEnvelope{Type: TypeData, Content: content}
}

// Disconnect announces session teardown; reason may be empty.
func Disconnect(reason string) ServerEnvelope {
	env := ServerEnvelope{Type: TypeDisconnect}
	if reason != "" {
		env.Content = reason
	}
	return env
}

// Error carries a human-readable failure message.
func Error(message string) ServerEnvelope {
	return ServerEnvelope{Type: TypeError, Content: errorContent{Message: message}}
}

// Pong answers a ping.
func Pong() ServerEnvelope {
	return ServerEnvelope{Type: TypePong}
}

// Encode serializes an outbound envelope.
func Encode(env ServerEnvelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}
	return data, nil
}
