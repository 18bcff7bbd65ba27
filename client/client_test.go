package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-stdio-go/examples/demotools"
	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-go/mcp"
	"github.com/ggoodman/mcp-stdio-go/schema"
	"github.com/ggoodman/mcp-stdio-go/stdio"
)

// serverEnv makes the test binary act as the demo stdio server so that
// Connect can spawn it.
const serverEnv = "MCP_CLIENT_TEST_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(serverEnv) == "1" {
		srv := demotools.NewServer(mcp.ImplementationInfo{Name: "example-mcp-server", Version: "1.0.0"})
		if err := stdio.NewHandler(srv).Serve(context.Background()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// fakeServer answers the handshake and pings itself and hands every other
// request to the test.
type fakeServer struct {
	t       *testing.T
	version string

	outMu sync.Mutex
	out   io.WriteCloser

	requests      chan *jsonrpc.Request
	notifications chan *jsonrpc.Request
	responses     chan *jsonrpc.Response
}

// newFakePair returns a fake server and the client-side transport talking to
// it over in-memory pipes.
func newFakePair(t *testing.T, version string) (*fakeServer, *stdio.Conn) {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	f := &fakeServer{
		t:             t,
		version:       version,
		out:           toClientW,
		requests:      make(chan *jsonrpc.Request, 16),
		notifications: make(chan *jsonrpc.Request, 16),
		responses:     make(chan *jsonrpc.Response, 16),
	}
	go f.loop(toServerR)
	t.Cleanup(func() {
		_ = toClientW.Close()
		_ = toServerR.Close()
	})
	return f, stdio.NewConn(toClientR, toServerW)
}

func (f *fakeServer) loop(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			f.t.Errorf("fake server: bad frame %q: %v", sc.Text(), err)
			return
		}
		switch msg.Type() {
		case jsonrpc.TypeResponse:
			f.responses <- msg.AsResponse()
		case jsonrpc.TypeNotification:
			f.notifications <- msg.AsRequest()
		default:
			req := msg.AsRequest()
			switch mcp.Method(req.Method) {
			case mcp.InitializeMethod:
				f.reply(req.ID, mcp.InitializeResult{
					ProtocolVersion: f.version,
					ServerInfo:      mcp.ImplementationInfo{Name: "fake", Version: "9.9.9"},
					Instructions:    "be brief",
				})
			case mcp.PingMethod:
				f.reply(req.ID, mcp.EmptyResult{})
			default:
				f.requests <- req
			}
		}
	}
}

func (f *fakeServer) write(v any) {
	b, err := json.Marshal(v)
	require.NoError(f.t, err)
	f.outMu.Lock()
	defer f.outMu.Unlock()
	_, _ = f.out.Write(append(b, '\n'))
}

func (f *fakeServer) reply(id *jsonrpc.RequestID, result any) {
	res, err := jsonrpc.NewResultResponse(id, result)
	require.NoError(f.t, err)
	f.write(res)
}

func (f *fakeServer) fail(id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string, data any) {
	f.write(jsonrpc.NewErrorResponse(id, code, msg, data))
}

func (f *fakeServer) nextRequest() *jsonrpc.Request {
	f.t.Helper()
	select {
	case req := <-f.requests:
		return req
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for a client request")
		return nil
	}
}

func (f *fakeServer) nextNotification() *jsonrpc.Request {
	f.t.Helper()
	select {
	case n := <-f.notifications:
		return n
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for a client notification")
		return nil
	}
}

func connectFake(t *testing.T, opts ...Option) (*Client, *fakeServer) {
	t.Helper()
	f, conn := newFakePair(t, mcp.LatestProtocolVersion)
	c := New(opts...)
	require.NoError(t, c.ConnectTransport(context.Background(), conn))
	t.Cleanup(func() { _ = c.Disconnect() })
	assert.Equal(t, string(mcp.InitializedNotificationMethod), f.nextNotification().Method)
	return c, f
}

type callOutcome struct {
	res *mcp.CallToolResult
	err error
}

func goCall(c *Client, name string, args map[string]any) <-chan callOutcome {
	ch := make(chan callOutcome, 1)
	go func() {
		res, err := c.CallTool(context.Background(), name, args)
		ch <- callOutcome{res, err}
	}()
	return ch
}

func await(t *testing.T, ch <-chan callOutcome) callOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("call did not complete")
		return callOutcome{}
	}
}

func TestClient_NotConnected(t *testing.T) {
	t.Parallel()
	c := New()
	_, err := c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = c.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Ping(context.Background()), ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}

func TestClient_Handshake(t *testing.T) {
	t.Parallel()
	c, _ := connectFake(t, WithClientInfo(mcp.ImplementationInfo{Name: "tester", Version: "0.1.0"}))
	assert.Equal(t, "fake", c.ServerInfo().Name)
	assert.Equal(t, "be brief", c.Instructions())
	assert.Equal(t, mcp.LatestProtocolVersion, c.ProtocolVersion())
	require.NoError(t, c.Ping(context.Background()))

	_, conn := newFakePair(t, mcp.LatestProtocolVersion)
	assert.ErrorIs(t, c.ConnectTransport(context.Background(), conn), ErrAlreadyConnected)
}

func TestClient_RejectsUnsupportedVersion(t *testing.T) {
	t.Parallel()
	_, conn := newFakePair(t, "1999-01-01")
	c := New()
	err := c.ConnectTransport(context.Background(), conn)
	require.ErrorIs(t, err, ErrUnsupportedProtocolVersion)

	_, err = c.ListTools(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	first := goCall(c, "echo", map[string]any{"message": "one"})
	r1 := f.nextRequest()
	second := goCall(c, "echo", map[string]any{"message": "two"})
	r2 := f.nextRequest()
	require.NotEqual(t, r1.ID.String(), r2.ID.String())

	f.reply(r2.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "Echo: two"}}})
	f.reply(r1.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "Echo: one"}}})

	o2 := await(t, second)
	require.NoError(t, o2.err)
	assert.Equal(t, "Echo: two", o2.res.Text())
	o1 := await(t, first)
	require.NoError(t, o1.err)
	assert.Equal(t, "Echo: one", o1.res.Text())
}

func TestClient_CallToolSendsEmptyArguments(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	ch := goCall(c, "get_current_time", nil)
	req := f.nextRequest()
	assert.Equal(t, string(mcp.ToolsCallMethod), req.Method)
	assert.JSONEq(t, `{"name":"get_current_time","arguments":{}}`, string(req.Params))

	f.reply(req.ID, map[string]any{})
	o := await(t, ch)
	require.NoError(t, o.err)
	assert.NotNil(t, o.res.Content)
	assert.Empty(t, o.res.Content)
}

func TestClient_ToolErrorIsAResult(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	ch := goCall(c, "calculate", map[string]any{"operation": "divide", "a": 1, "b": 0})
	f.reply(f.nextRequest().ID, mcp.CallToolResult{
		Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "Error: Division by zero"}},
		IsError: true,
	})
	o := await(t, ch)
	require.NoError(t, o.err)
	assert.True(t, o.res.IsError)
	assert.Equal(t, "Error: Division by zero", o.res.Text())
}

func TestClient_ProtocolErrorCarriesViolations(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	ch := goCall(c, "greet", map[string]any{})
	verr := &schema.ValidationError{Violations: []schema.Violation{{Field: "name", Message: "is required"}}}
	f.fail(f.nextRequest().ID, jsonrpc.ErrorCodeInvalidParams, verr.Error(), verr)

	o := await(t, ch)
	var pe *ProtocolError
	require.ErrorAs(t, o.err, &pe)
	assert.True(t, pe.IsInvalidParams())
	assert.Equal(t, -32602, pe.Code)
	assert.Contains(t, pe.Error(), "name is required")

	var got *schema.ValidationError
	require.ErrorAs(t, o.err, &got)
	assert.Equal(t, []string{"name"}, got.Fields())

	ch = goCall(c, "missing", nil)
	f.fail(f.nextRequest().ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: missing", nil)
	o = await(t, ch)
	require.ErrorAs(t, o.err, &pe)
	assert.Equal(t, "unknown tool: missing", pe.Message)
	assert.False(t, errors.As(o.err, &got))
}

func TestClient_ListToolsFollowsCursor(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	done := make(chan []mcp.Tool, 1)
	errs := make(chan error, 1)
	go func() {
		tools, err := c.ListTools(context.Background())
		errs <- err
		done <- tools
	}()

	first := f.nextRequest()
	assert.JSONEq(t, `{}`, string(first.Params))
	page1 := mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "a", InputSchema: schema.Object()}}}
	page1.NextCursor = "1"
	f.reply(first.ID, page1)

	second := f.nextRequest()
	assert.JSONEq(t, `{"cursor":"1"}`, string(second.Params))
	f.reply(second.ID, mcp.ListToolsResult{Tools: []mcp.Tool{{Name: "b", InputSchema: schema.Object()}}})

	require.NoError(t, <-errs)
	tools := <-done
	require.Len(t, tools, 2)
	assert.Equal(t, "a", tools[0].Name)
	assert.Equal(t, "b", tools[1].Name)
}

func TestClient_ListToolsRejectsRepeatedCursor(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.ListTools(context.Background())
		errs <- err
	}()

	page := mcp.ListToolsResult{Tools: []mcp.Tool{}}
	page.NextCursor = "loop"
	f.reply(f.nextRequest().ID, page)
	f.reply(f.nextRequest().ID, page)
	assert.ErrorContains(t, <-errs, "repeated")
}

func TestClient_DisconnectFailsPendingCalls(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	ch := goCall(c, "echo", map[string]any{"message": "hang"})
	f.nextRequest()

	require.NoError(t, c.Disconnect())
	require.NoError(t, c.Disconnect())

	assert.ErrorIs(t, await(t, ch).err, ErrConnectionClosed)
	_, err := c.CallTool(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func TestClient_ServerExitFailsPendingCalls(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t)

	ch := goCall(c, "echo", map[string]any{"message": "hang"})
	f.nextRequest()
	require.NoError(t, f.out.Close())

	assert.ErrorIs(t, await(t, ch).err, ErrConnectionClosed)
	require.Eventually(t, func() bool {
		return errors.Is(c.Ping(context.Background()), ErrConnectionClosed)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_CallTimeoutCancelsRequest(t *testing.T) {
	t.Parallel()
	c, f := connectFake(t, WithCallTimeout(50*time.Millisecond))

	ch := goCall(c, "echo", map[string]any{"message": "slow"})
	req := f.nextRequest()
	assert.ErrorIs(t, await(t, ch).err, context.DeadlineExceeded)

	n := f.nextNotification()
	require.Equal(t, string(mcp.CancelledNotificationMethod), n.Method)
	var params mcp.CancelledNotification
	require.NoError(t, json.Unmarshal(n.Params, &params))
	assert.Equal(t, req.ID.String(), params.RequestID)
	var raw struct {
		RequestID json.RawMessage `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(n.Params, &raw))
	wantID, err := json.Marshal(req.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantID), string(raw.RequestID), "cancel must name the id with its wire type")

	// A late response is dropped without disturbing the session.
	f.reply(req.ID, mcp.CallToolResult{Content: []mcp.ContentBlock{}})
	require.NoError(t, c.Ping(context.Background()))
}

func TestClient_AnswersServerRequests(t *testing.T) {
	t.Parallel()
	_, f := connectFake(t)

	f.write(map[string]any{"jsonrpc": "2.0", "id": "srv-1", "method": "ping"})
	f.write(map[string]any{"jsonrpc": "2.0", "id": "srv-2", "method": "sampling/createMessage"})

	for range 2 {
		select {
		case res := <-f.responses:
			switch res.ID.String() {
			case "srv-1":
				assert.Nil(t, res.Error)
				assert.JSONEq(t, `{}`, string(res.Result))
			case "srv-2":
				require.NotNil(t, res.Error)
				assert.Equal(t, jsonrpc.ErrorCodeMethodNotFound, res.Error.Code)
			default:
				t.Fatalf("unexpected response id %s", res.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("client did not answer server request")
		}
	}
}

func TestClient_ToolListChangedHandler(t *testing.T) {
	t.Parallel()
	changed := make(chan struct{}, 1)
	_, f := connectFake(t, WithToolListChangedHandler(func() { changed <- struct{}{} }))

	f.write(map[string]any{"jsonrpc": "2.0", "method": string(mcp.ToolListChangedNotificationMethod)})
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("tool list change not reported")
	}
}

// newStdioPair runs the demo server in-process behind a stdio handler.
func newStdioPair(t *testing.T) *stdio.Conn {
	t.Helper()
	toServerR, toServerW := io.Pipe()
	toClientR, toClientW := io.Pipe()

	srv := demotools.NewServer(mcp.ImplementationInfo{Name: "example-mcp-server", Version: "1.0.0"})
	h := stdio.NewHandler(srv, stdio.WithIO(toServerR, toClientW))
	served := make(chan error, 1)
	go func() {
		served <- h.Serve(context.Background())
		_ = toClientW.Close()
	}()
	t.Cleanup(func() {
		_ = toServerW.Close()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return stdio.NewConn(toClientR, toServerW)
}

func TestClient_DemoSequence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := New()
	require.NoError(t, c.ConnectTransport(ctx, newStdioPair(t)))
	defer c.Disconnect()

	assert.Equal(t, "example-mcp-server", c.ServerInfo().Name)

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	assert.Equal(t, []string{"greet", "calculate", "get_current_time", "echo"}, names)

	res, err := c.CallTool(ctx, "greet", map[string]any{"name": "World"})
	require.NoError(t, err)
	assert.Equal(t, "Hello, World! Welcome to the MCP server.", res.Text())

	res, err = c.CallTool(ctx, "calculate", map[string]any{"operation": "add", "a": 10, "b": 5})
	require.NoError(t, err)
	assert.Equal(t, "10 add 5 = 15", res.Text())

	res, err = c.CallTool(ctx, "calculate", map[string]any{"operation": "multiply", "a": 7, "b": 8})
	require.NoError(t, err)
	assert.Equal(t, "7 multiply 8 = 56", res.Text())

	res, err = c.CallTool(ctx, "calculate", map[string]any{"operation": "divide", "a": 1, "b": 0})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = c.CallTool(ctx, "get_current_time", nil)
	require.NoError(t, err)
	ts, ok := strings.CutPrefix(res.Text(), "Current time: ")
	require.True(t, ok, res.Text())
	_, err = time.Parse(time.RFC3339, ts)
	assert.NoError(t, err)

	res, err = c.CallTool(ctx, "echo", map[string]any{"message": "Hello MCP!"})
	require.NoError(t, err)
	assert.Equal(t, "Echo: Hello MCP!", res.Text())

	_, err = c.CallTool(ctx, "calculate", map[string]any{"operation": "add", "a": "x"})
	var verr *schema.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"a", "b"}, verr.Fields())

	_, err = c.CallTool(ctx, "nope", nil)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.IsInvalidParams())
}

func TestClient_ConnectSpawnsServer(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	c := New(WithEnv(serverEnv+"=1"), WithCallTimeout(10*time.Second))
	require.NoError(t, c.Connect(ctx, os.Args[0], []string{"-test.run=^$"}))
	assert.ErrorIs(t, c.Connect(ctx, os.Args[0], nil), ErrAlreadyConnected)

	require.NoError(t, c.Ping(ctx))
	res, err := c.CallTool(ctx, "echo", map[string]any{"message": "spawned"})
	require.NoError(t, err)
	assert.Equal(t, "Echo: spawned", res.Text())

	require.NoError(t, c.Disconnect())
	assert.ErrorIs(t, c.Ping(ctx), ErrConnectionClosed)
}
