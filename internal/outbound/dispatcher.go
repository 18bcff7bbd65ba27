package outbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
)

// Transport abstracts how requests and cancellation notices reach the peer.
type Transport interface {
	// SendRequest emits the request. The id is already registered as pending
	// when this is called, so a response racing the write is never missed.
	SendRequest(ctx context.Context, req *jsonrpc.Request) error
	// SendCancelled emits a notifications/cancelled for the given id.
	SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error
}

// ErrConnectionClosed is delivered to every call still pending when the
// dispatcher closes, and returned by calls made afterwards.
var ErrConnectionClosed = errors.New("connection closed")

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher correlates outgoing JSON-RPC requests with their responses by
// id. Every id resolves at most once: by its response, by the caller's
// context, or by Close.
type Dispatcher struct {
	t   Transport
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall // id.Key() -> call

	nextID atomic.Uint64

	closed   atomic.Bool
	closeErr error
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for protocol anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// New constructs a Dispatcher using the provided transport.
func New(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		t:       t,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending: make(map[string]*pendingCall),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call sends a JSON-RPC request and waits for its response, for the
// dispatcher to close, or for ctx to be done. When ctx ends first the peer is
// told with a best-effort notifications/cancelled and the id is released.
//
// A response carrying a JSON-RPC error is returned as a response, not as an
// error; interpreting it is up to the caller.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.closedErr()
	}

	id := jsonrpc.NewRequestID(d.nextID.Add(1))
	key := id.Key()

	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		d.mu.Unlock()
		return nil, d.closedErr()
	}
	if _, exists := d.pending[key]; exists {
		d.mu.Unlock()
		panic(fmt.Sprintf("outbound: request id %s allocated twice", key))
	}
	d.pending[key] = pc
	d.mu.Unlock()

	if err := d.t.SendRequest(ctx, req); err != nil {
		d.release(key)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		if d.release(key) {
			_ = d.t.SendCancelled(context.Background(), id, context.Cause(ctx).Error())
			return nil, ctx.Err()
		}
		// Resolved concurrently; prefer the outcome that already arrived.
		select {
		case resp := <-pc.respCh:
			return resp, nil
		case err := <-pc.errCh:
			return nil, err
		}
	}
}

// OnResponse delivers an incoming response to its waiting call. A response
// whose id is not pending (never issued, already resolved, already cancelled)
// is a protocol anomaly: it is logged and dropped without affecting any
// other call.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) {
	if resp == nil || resp.ID.IsNil() {
		d.log.Warn("outbound.response.unmatched", slog.String("reason", "missing id"))
		return
	}
	key := resp.ID.Key()
	d.mu.Lock()
	pc, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if !ok {
		d.log.Warn("outbound.response.unmatched", slog.String("id", resp.ID.String()))
		return
	}
	pc.respCh <- resp
}

// Close resolves every pending call with err (ErrConnectionClosed when nil)
// and makes later calls fail immediately. Only the first Close has effect.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrConnectionClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for key, pc := range d.pending {
		delete(d.pending, key)
		pc.errCh <- err
	}
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// release drops key from the pending set and reports whether it was there.
func (d *Dispatcher) release(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[key]
	delete(d.pending, key)
	return ok
}

func (d *Dispatcher) closedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrConnectionClosed
}
