package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrClosed is wrapped by transport errors for operations on a closed Conn.
var ErrClosed = errors.New("stdio: connection closed")

// TransportError reports a failure of the underlying byte stream. Op is one
// of "open", "send" or "receive".
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "stdio: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Conn is one bidirectional, newline-delimited JSON-RPC stream. Send is safe
// for concurrent use; inbound frames are delivered sequentially to the
// callback registered with OnMessage.
type Conn struct {
	fr  *frameReader
	wm  *writeMux
	log *slog.Logger

	// release tears down the underlying streams (and child process, if any).
	release func() error

	mu      sync.Mutex
	onMsg   func(frame []byte)
	reading bool

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// NewConn builds a Conn over arbitrary streams. Close closes w and then r
// when they implement io.Closer. Only WithMaxMessageSize and WithLogger apply.
func NewConn(r io.Reader, w io.Writer, opts ...Option) *Conn {
	o := applyOptions(opts)
	release := func() error {
		var errs []error
		if c, ok := w.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if c, ok := r.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}
	return newConn(r, w, release, o)
}

func newConn(r io.Reader, w io.Writer, release func() error, o options) *Conn {
	return &Conn{
		fr:      newFrameReader(r, o.maxMessageSize),
		wm:      &writeMux{w: w},
		log:     o.l,
		release: release,
		done:    make(chan struct{}),
	}
}

// Send writes msg as a single frame.
func (c *Conn) Send(ctx context.Context, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return &TransportError{Op: "send", Err: ErrClosed}
	}
	if err := c.wm.writeJSONRPC(msg); err != nil {
		if c.closed.Load() {
			err = fmt.Errorf("%w: %w", ErrClosed, err)
		}
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// OnMessage registers the inbound callback. The first call starts the read
// loop; later calls replace the callback. Frames are not validated beyond
// framing.
func (c *Conn) OnMessage(fn func(frame []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	start := !c.reading
	c.reading = true
	c.mu.Unlock()
	if start {
		go c.readLoop()
	}
}

func (c *Conn) readLoop() {
	for {
		frame, err := c.fr.next()
		if err != nil {
			switch {
			case c.closed.Load():
				c.finish(ErrClosed)
			case errors.Is(err, io.EOF):
				c.finish(io.EOF)
			default:
				c.log.Warn("stdio.read.fail", slog.String("err", err.Error()))
				c.finish(&TransportError{Op: "receive", Err: err})
			}
			return
		}
		c.mu.Lock()
		fn := c.onMsg
		c.mu.Unlock()
		if fn != nil {
			fn(frame)
		}
	}
}

func (c *Conn) finish(err error) {
	c.doneOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Close releases the streams. It is idempotent and safe to call from any
// goroutine, including from within the OnMessage callback.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.release()
		c.mu.Lock()
		reading := c.reading
		c.mu.Unlock()
		if !reading {
			c.finish(ErrClosed)
		}
	})
	return c.closeErr
}

// Done is closed once the inbound stream has ended, either because the peer
// closed it, a read failed, or Close was called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the inbound stream ended: io.EOF when the peer closed it,
// ErrClosed after Close, or a *TransportError. It returns nil while the
// stream is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}
