package stdio

import (
	"io"
	"log/slog"
	"os"
	"time"
)

const (
	// DefaultMaxMessageSize bounds a single framed message.
	DefaultMaxMessageSize = 4 << 20
	// DefaultTerminateTimeout is how long Close waits for a child process to
	// exit after its stdin is closed before killing it.
	DefaultTerminateTimeout = 2 * time.Second
)

// Option customizes a Handler, a Conn or a Dial call. Options that do not
// apply to the value being built are ignored.
type Option func(*options)

type options struct {
	r io.Reader
	w io.Writer
	l *slog.Logger

	userProvider UserProvider

	maxMessageSize   int
	terminateTimeout time.Duration
	stderr           io.Writer
	env              []string
	dir              string
	keepAlive        time.Duration
}

func defaultOptions() options {
	return options{
		r:                os.Stdin,
		w:                os.Stdout,
		l:                slog.New(slog.DiscardHandler),
		userProvider:     OSUserProvider{},
		maxMessageSize:   DefaultMaxMessageSize,
		terminateTimeout: DefaultTerminateTimeout,
		stderr:           os.Stderr,
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(o *options) {
		if r != nil {
			o.r = r
		}
		if w != nil {
			o.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(o *options) {
		if r != nil {
			o.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.l = l
		}
	}
}

// WithUserProvider overrides the user provider used for authless identification.
func WithUserProvider(up UserProvider) Option {
	return func(o *options) {
		if up != nil {
			o.userProvider = up
		}
	}
}

// WithMaxMessageSize bounds the size of a single inbound frame. A larger
// frame ends the connection with a transport error. Non-positive values are
// ignored.
func WithMaxMessageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessageSize = n
		}
	}
}

// WithTerminateTimeout sets how long Close waits for a dialed child process
// to exit before killing it.
func WithTerminateTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.terminateTimeout = d
		}
	}
}

// WithStderr sets where a dialed child's stderr is forwarded. Pass io.Discard
// to drop it.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.stderr = w
		}
	}
}

// WithEnv appends KEY=VALUE entries to the environment a dialed child
// inherits from the current process.
func WithEnv(env ...string) Option {
	return func(o *options) { o.env = append(o.env, env...) }
}

// WithDir sets the working directory of a dialed child.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithKeepAlive makes the Handler ping the client every interval once the
// session is initialized. Failed pings are logged. Zero disables it.
func WithKeepAlive(interval time.Duration) Option {
	return func(o *options) {
		if interval >= 0 {
			o.keepAlive = interval
		}
	}
}
