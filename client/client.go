// Package client drives an MCP tool server over a single stdio connection:
// it starts the server process, performs the initialize handshake, then lists
// and calls tools. Concurrent calls are correlated by request id, so their
// responses may arrive in any order.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-go/internal/outbound"
	"github.com/ggoodman/mcp-stdio-go/mcp"
	"github.com/ggoodman/mcp-stdio-go/stdio"
)

// Transport is a bidirectional message stream. *stdio.Conn implements it.
type Transport interface {
	Send(ctx context.Context, msg any) error
	OnMessage(fn func(frame []byte))
	Close() error
	Done() <-chan struct{}
	Err() error
}

var _ Transport = (*stdio.Conn)(nil)

// Client is an MCP client bound to at most one server session at a time. It
// is safe for concurrent use.
type Client struct {
	info           mcp.ImplementationInfo
	log            *slog.Logger
	dialOpts       []stdio.Option
	callTimeout    time.Duration
	onToolsChanged func()

	mu     sync.Mutex
	t      Transport
	d      *outbound.Dispatcher
	ready  bool
	closed bool
	server mcp.InitializeResult
}

// New returns a disconnected client.
func New(opts ...Option) *Client {
	c := &Client{
		info: mcp.ImplementationInfo{Name: "mcp-stdio-go-client", Version: "0.0.0"},
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect starts command as the server process and performs the MCP
// handshake. It returns once the session is ready for calls.
func (c *Client) Connect(ctx context.Context, command string, args []string) error {
	c.mu.Lock()
	busy := c.t != nil
	c.mu.Unlock()
	if busy {
		return ErrAlreadyConnected
	}

	opts := append([]stdio.Option{stdio.WithLogger(c.log)}, c.dialOpts...)
	conn, err := stdio.Dial(ctx, command, args, opts...)
	if err != nil {
		return err
	}
	if err := c.ConnectTransport(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}
	return nil
}

// ConnectTransport performs the MCP handshake over an established transport.
// On success the client owns t and closes it on Disconnect.
func (c *Client) ConnectTransport(ctx context.Context, t Transport) error {
	c.mu.Lock()
	if c.t != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	d := outbound.New(transport{t: t}, outbound.WithLogger(c.log))
	c.t, c.d = t, d
	c.ready, c.closed = false, false
	c.mu.Unlock()

	t.OnMessage(func(frame []byte) { c.onFrame(t, d, frame) })
	go func() {
		<-t.Done()
		if err := t.Err(); err != nil {
			c.log.Info("client.transport.done", slog.String("err", err.Error()))
		}
		d.Close(ErrConnectionClosed)
	}()

	res, err := c.handshake(ctx, t, d)
	if err != nil {
		c.mu.Lock()
		if c.t == t {
			c.t, c.d = nil, nil
		}
		c.mu.Unlock()
		d.Close(ErrConnectionClosed)
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.server = *res
	c.ready = true
	c.mu.Unlock()
	c.log.Info("client.connect.ok",
		slog.String("server", res.ServerInfo.Name),
		slog.String("protocol_version", res.ProtocolVersion))
	return nil
}

func (c *Client) handshake(ctx context.Context, t Transport, d *outbound.Dispatcher) (*mcp.InitializeResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	params := mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      c.info,
	}
	var res mcp.InitializeResult
	if err := roundTrip(ctx, d, mcp.InitializeMethod, params, &res); err != nil {
		return nil, err
	}
	if !mcp.IsSupportedProtocolVersion(res.ProtocolVersion) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocolVersion, res.ProtocolVersion)
	}
	n, err := jsonrpc.NewRequest(nil, string(mcp.InitializedNotificationMethod), nil)
	if err != nil {
		return nil, err
	}
	if err := t.Send(ctx, n); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListTools returns every tool the server offers, following pagination
// cursors until the last page.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	d, err := c.session()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	tools := []mcp.Tool{}
	seen := map[string]bool{}
	cursor := ""
	for {
		var params mcp.ListToolsRequest
		params.Cursor = cursor
		var res mcp.ListToolsResult
		if err := roundTrip(ctx, d, mcp.ToolsListMethod, params, &res); err != nil {
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		if seen[res.NextCursor] {
			return nil, fmt.Errorf("tools/list: cursor %q repeated", res.NextCursor)
		}
		seen[res.NextCursor] = true
		cursor = res.NextCursor
	}
}

// CallTool invokes a tool. A result with IsError set is a tool-level failure
// and is returned without an error. Protocol failures, such as an unknown
// tool or arguments rejected by the tool's schema, are *ProtocolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	d, err := c.session()
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if args == nil {
		args = map[string]any{}
	}
	var res mcp.CallToolResult
	if err := roundTrip(ctx, d, mcp.ToolsCallMethod, mcp.CallToolRequestSent{Name: name, Arguments: args}, &res); err != nil {
		return nil, err
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	return &res, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	d, err := c.session()
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return roundTrip(ctx, d, mcp.PingMethod, nil, nil)
}

// ServerInfo returns the server's implementation info from the handshake.
func (c *Client) ServerInfo() mcp.ImplementationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.ServerInfo
}

// Instructions returns the server's instructions from the handshake.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.Instructions
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server.ProtocolVersion
}

// Disconnect ends the session: pending calls fail with ErrConnectionClosed
// and the transport is closed, which stops a server started by Connect. It
// is idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	t, d := c.t, c.d
	c.t, c.d = nil, nil
	if t != nil {
		c.ready = false
		c.closed = true
	}
	c.mu.Unlock()
	if t == nil {
		return nil
	}

	d.Close(ErrConnectionClosed)
	err := t.Close()
	c.log.Info("client.disconnect")
	return err
}

func (c *Client) session() (*outbound.Dispatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.d != nil && c.ready:
		return c.d, nil
	case c.closed:
		return nil, ErrConnectionClosed
	default:
		return nil, ErrNotConnected
	}
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *Client) onFrame(t Transport, d *outbound.Dispatcher, frame []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		c.log.Warn("client.read.invalid", slog.String("err", err.Error()))
		return
	}
	switch msg.Type() {
	case jsonrpc.TypeResponse:
		d.OnResponse(msg.AsResponse())
	case jsonrpc.TypeNotification:
		req := msg.AsRequest()
		switch mcp.Method(req.Method) {
		case mcp.ToolListChangedNotificationMethod:
			if fn := c.onToolsChanged; fn != nil {
				go fn()
			}
		case mcp.CancelledNotificationMethod:
			// The client serves only ping, which completes inline.
		default:
			c.log.Debug("client.notification.ignored", slog.String("method", req.Method))
		}
	default:
		c.answer(t, msg.AsRequest())
	}
}

// answer responds to a server-initiated request. Only ping is supported.
func (c *Client) answer(t Transport, req *jsonrpc.Request) {
	var res *jsonrpc.Response
	if mcp.Method(req.Method) == mcp.PingMethod {
		var err error
		if res, err = jsonrpc.NewResultResponse(req.ID, mcp.EmptyResult{}); err != nil {
			return
		}
	} else {
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	if err := t.Send(context.Background(), res); err != nil {
		c.log.Warn("client.write.fail", slog.String("method", req.Method), slog.String("err", err.Error()))
	}
}

func roundTrip(ctx context.Context, d *outbound.Dispatcher, method mcp.Method, params, out any) error {
	resp, err := d.Call(ctx, string(method), params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return newProtocolError(resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// transport adapts a Transport to outbound.Transport.
type transport struct{ t Transport }

func (a transport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	return a.t.Send(ctx, req)
}

func (a transport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	n, err := stdio.CancelledNotification(id, reason)
	if err != nil {
		return err
	}
	return a.t.Send(ctx, n)
}
