package stdio

import (
	"context"

	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-go/mcp"
)

// connTransport implements outbound.Transport over a Conn.
type connTransport struct{ c *Conn }

func (t connTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	return t.c.Send(ctx, req)
}

func (t connTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	n, err := CancelledNotification(id, reason)
	if err != nil {
		return err
	}
	return t.c.Send(ctx, n)
}

// CancelledNotification builds a notifications/cancelled message naming id
// with its original type.
func CancelledNotification(id *jsonrpc.RequestID, reason string) (*jsonrpc.Request, error) {
	params := map[string]any{"requestId": id}
	if reason != "" {
		params["reason"] = reason
	}
	return jsonrpc.NewRequest(nil, string(mcp.CancelledNotificationMethod), params)
}
