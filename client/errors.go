package client

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-go/internal/outbound"
	"github.com/ggoodman/mcp-stdio-go/schema"
)

var (
	// ErrNotConnected is returned by calls on a client that has no session.
	ErrNotConnected = errors.New("client: not connected")
	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("client: already connected")
	// ErrConnectionClosed is returned by calls that were pending, or made,
	// after the session ended.
	ErrConnectionClosed = outbound.ErrConnectionClosed
	// ErrUnsupportedProtocolVersion is returned by Connect when the server
	// negotiated a protocol version this client does not speak.
	ErrUnsupportedProtocolVersion = errors.New("client: unsupported protocol version")
)

// ProtocolError is a JSON-RPC error returned by the server.
type ProtocolError struct {
	Code    int
	Message string
	Data    json.RawMessage

	validation *schema.ValidationError
}

func newProtocolError(e *jsonrpc.Error) *ProtocolError {
	pe := &ProtocolError{Code: int(e.Code), Message: e.Message}
	if e.Data != nil {
		if b, err := json.Marshal(e.Data); err == nil {
			pe.Data = b
			var v schema.ValidationError
			if json.Unmarshal(b, &v) == nil && len(v.Violations) > 0 {
				pe.validation = &v
			}
		}
	}
	return pe
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp: %s (%d)", e.Message, e.Code)
}

// Unwrap exposes the server's validation report as a *schema.ValidationError
// when the error carries one.
func (e *ProtocolError) Unwrap() error {
	if e.validation == nil {
		return nil
	}
	return e.validation
}

// IsInvalidParams reports whether the server rejected the request's
// parameters, which covers unknown tools and argument validation failures.
func (e *ProtocolError) IsInvalidParams() bool {
	return e.Code == int(jsonrpc.ErrorCodeInvalidParams)
}
