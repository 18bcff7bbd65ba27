package outbound

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
)

// recordingTransport captures outbound traffic for assertions.
type recordingTransport struct {
	mu        sync.Mutex
	reqs      []*jsonrpc.Request
	cancelled []string
	sendErr   error
	sent      chan *jsonrpc.Request
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{sent: make(chan *jsonrpc.Request, 16)}
}

func (t *recordingTransport) SendRequest(ctx context.Context, req *jsonrpc.Request) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.mu.Lock()
	t.reqs = append(t.reqs, req)
	t.mu.Unlock()
	t.sent <- req
	return nil
}

func (t *recordingTransport) SendCancelled(ctx context.Context, id *jsonrpc.RequestID, reason string) error {
	t.mu.Lock()
	t.cancelled = append(t.cancelled, id.Key())
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) nextRequest(tb testing.TB) *jsonrpc.Request {
	tb.Helper()
	select {
	case r := <-t.sent:
		return r
	case <-time.After(time.Second):
		tb.Fatalf("timeout waiting for outbound request")
		return nil
	}
}

type callResult struct {
	resp *jsonrpc.Response
	err  error
}

func goCall(ctx context.Context, d *Dispatcher, method string) <-chan callResult {
	ch := make(chan callResult, 1)
	go func() {
		resp, err := d.Call(ctx, method, map[string]any{"m": method})
		ch <- callResult{resp, err}
	}()
	return ch
}

func TestDispatcher_OutOfOrderResponses(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	res1 := goCall(context.Background(), d, "test/m1")
	req1 := tr.nextRequest(t)
	res2 := goCall(context.Background(), d, "test/m2")
	req2 := tr.nextRequest(t)

	if req1.ID.String() == req2.ID.String() {
		t.Fatalf("ids must be unique, both were %s", req1.ID)
	}

	// Reply to the second request first.
	resp2, _ := jsonrpc.NewResultResponse(req2.ID, map[string]any{"ok": 2})
	d.OnResponse(resp2)
	resp1, _ := jsonrpc.NewResultResponse(req1.ID, map[string]any{"ok": 1})
	d.OnResponse(resp1)

	got2 := <-res2
	got1 := <-res1
	if got1.err != nil || got2.err != nil {
		t.Fatalf("unexpected errors: %v %v", got1.err, got2.err)
	}
	if string(got1.resp.Result) != `{"ok":1}` || string(got2.resp.Result) != `{"ok":2}` {
		t.Fatalf("responses crossed: 1=%s 2=%s", got1.resp.Result, got2.resp.Result)
	}
	if d.Pending() != 0 {
		t.Fatalf("expected no pending calls, got %d", d.Pending())
	}
}

func TestDispatcher_IDsIncrease(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	var prev int64
	for i := 0; i < 3; i++ {
		ch := goCall(context.Background(), d, "test/m")
		req := tr.nextRequest(t)
		id, ok := req.ID.Value().(int64)
		if !ok || id <= prev {
			t.Fatalf("expected increasing numeric ids, got %v after %d", req.ID.Value(), prev)
		}
		prev = id
		resp, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
		d.OnResponse(resp)
		<-ch
	}
}

func TestDispatcher_UnmatchedResponseIsDropped(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	res := goCall(context.Background(), d, "test/m")
	req := tr.nextRequest(t)

	stray, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(9999), map[string]any{"stray": true})
	d.OnResponse(stray)
	d.OnResponse(&jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Result: []byte(`{}`)})

	select {
	case r := <-res:
		t.Fatalf("pending call must not resolve from a stray response: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{"ok": true})
	d.OnResponse(resp)
	if r := <-res; r.err != nil || string(r.resp.Result) != `{"ok":true}` {
		t.Fatalf("unexpected result: %+v", r)
	}

	// A second response for the same id is also unmatched.
	d.OnResponse(resp)
}

func TestDispatcher_CloseCancelsPending(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	res1 := goCall(context.Background(), d, "test/a")
	tr.nextRequest(t)
	res2 := goCall(context.Background(), d, "test/b")
	tr.nextRequest(t)

	d.Close(nil)
	for _, ch := range []<-chan callResult{res1, res2} {
		r := <-ch
		if !errors.Is(r.err, ErrConnectionClosed) {
			t.Fatalf("expected ErrConnectionClosed, got %v", r.err)
		}
	}
	if d.Pending() != 0 {
		t.Fatalf("pending after close: %d", d.Pending())
	}

	if _, err := d.Call(context.Background(), "test/c", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("call after close: %v", err)
	}
	// Idempotent.
	d.Close(errors.New("ignored"))
	if _, err := d.Call(context.Background(), "test/c", nil); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("second close must not replace the cause: %v", err)
	}
}

func TestDispatcher_CloseWithCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("process exited")
	tr := newRecordingTransport()
	d := New(tr)

	res := goCall(context.Background(), d, "test/a")
	tr.nextRequest(t)
	d.Close(cause)
	if r := <-res; !errors.Is(r.err, cause) {
		t.Fatalf("expected cause, got %v", r.err)
	}
}

func TestDispatcher_ContextCancelSendsCancelled(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	ctx, cancel := context.WithCancel(context.Background())
	res := goCall(ctx, d, "test/slow")
	req := tr.nextRequest(t)

	cancel()
	r := <-res
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", r.err)
	}

	tr.mu.Lock()
	cancelled := append([]string(nil), tr.cancelled...)
	tr.mu.Unlock()
	if len(cancelled) != 1 || cancelled[0] != req.ID.Key() {
		t.Fatalf("expected cancellation for %s, got %v", req.ID, cancelled)
	}

	// The late response for the cancelled id has no observable effect.
	late, _ := jsonrpc.NewResultResponse(req.ID, struct{}{})
	d.OnResponse(late)
	if d.Pending() != 0 {
		t.Fatalf("pending after cancel: %d", d.Pending())
	}
}

func TestDispatcher_StringIDDoesNotMatchNumericCall(t *testing.T) {
	t.Parallel()

	tr := newRecordingTransport()
	d := New(tr)

	res := goCall(context.Background(), d, "test/m")
	req := tr.nextRequest(t)

	// Same display form as the issued numeric id, but a string.
	impostor, _ := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(req.ID.String()), "wrong")
	d.OnResponse(impostor)
	if d.Pending() != 1 {
		t.Fatalf("string id resolved a numeric call; pending=%d", d.Pending())
	}

	match, _ := jsonrpc.NewResultResponse(req.ID, "right")
	d.OnResponse(match)
	r := <-res
	if r.err != nil || string(r.resp.Result) != `"right"` {
		t.Fatalf("unexpected outcome %+v", r)
	}
}

func TestDispatcher_SendFailureReleasesID(t *testing.T) {
	t.Parallel()

	sendErr := errors.New("broken pipe")
	tr := newRecordingTransport()
	tr.sendErr = sendErr
	d := New(tr)

	if _, err := d.Call(context.Background(), "test/m", nil); !errors.Is(err, sendErr) {
		t.Fatalf("expected send error, got %v", err)
	}
	if d.Pending() != 0 {
		t.Fatalf("pending after failed send: %d", d.Pending())
	}
}
