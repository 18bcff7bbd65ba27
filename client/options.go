package client

import (
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-stdio-go/mcp"
	"github.com/ggoodman/mcp-stdio-go/stdio"
)

// Option configures a Client.
type Option func(*Client)

// WithClientInfo sets the implementation info sent during initialize.
func WithClientInfo(info mcp.ImplementationInfo) Option {
	return func(c *Client) { c.info = info }
}

// WithLogger sets the logger used for client events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithEnv appends KEY=VALUE entries to the environment of servers started by
// Connect.
func WithEnv(env ...string) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, stdio.WithEnv(env...)) }
}

// WithStderr sets where the server's stderr is forwarded.
func WithStderr(w io.Writer) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, stdio.WithStderr(w)) }
}

// WithTerminateTimeout sets how long Disconnect waits for the server process
// to exit before killing it.
func WithTerminateTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, stdio.WithTerminateTimeout(d)) }
}

// WithCallTimeout bounds every request the client sends. Zero means calls are
// bounded only by their context.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.callTimeout = d
		}
	}
}

// WithToolListChangedHandler registers fn to run, on its own goroutine, each
// time the server reports that its tool list changed.
func WithToolListChangedHandler(fn func()) Option {
	return func(c *Client) { c.onToolsChanged = fn }
}
