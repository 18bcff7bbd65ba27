package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-go/internal/logctx"
	"github.com/ggoodman/mcp-stdio-go/internal/outbound"
	"github.com/ggoodman/mcp-stdio-go/mcp"
	"github.com/ggoodman/mcp-stdio-go/mcpservice"
)

// ErrAlreadyServed is returned by a second call to Serve.
var ErrAlreadyServed = errors.New("stdio: handler already served")

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes responses to an io.Writer. By default, it uses
// os.Stdin and os.Stdout. It identifies the peer using a UserProvider, which
// defaults to the current OS user ID.
//
// The handler owns the connection lifecycle; all MCP method semantics are
// delegated to the provided mcpservice.Server.
type Handler struct {
	srv    *mcpservice.Server
	opts   options
	log    *slog.Logger
	served atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(srv *mcpservice.Server, opts ...Option) *Handler {
	o := applyOptions(opts)
	return &Handler{srv: srv, opts: o, log: o.l}
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It may be called at most once per Handler. Serve is responsible
// for:
//   - JSON-RPC message framing (newline-delimited)
//   - the initialize lifecycle: requests other than initialize and ping are
//     rejected until the session is initialized
//   - dispatching each request on its own goroutine, so responses may be
//     written in any order
//   - canceling in-flight requests named by notifications/cancelled
//   - routing responses from the client to the outbound dispatcher
//
// Before returning, Serve waits for in-flight requests to finish. It returns
// nil on EOF, the context error on cancellation and a *TransportError when
// the stream fails.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.served.CompareAndSwap(false, true) {
		return ErrAlreadyServed
	}

	userID, err := h.opts.userProvider.CurrentUserID()
	if err != nil {
		h.log.WarnContext(ctx, "stdio.serve.user_unknown", slog.String("err", err.Error()))
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{
		h:        h,
		id:       uuid.NewString(),
		userID:   userID,
		inflight: make(map[string]*inflightRequest),
	}
	s.conn = NewConn(h.opts.r, h.opts.w, WithMaxMessageSize(h.opts.maxMessageSize), WithLogger(h.log))
	s.dispatcher = outbound.New(connTransport{c: s.conn}, outbound.WithLogger(h.log))
	s.baseCtx = sessCtx
	s.ctx = logctx.WithSessionData(sessCtx, &logctx.SessionData{SessionID: s.id, UserID: userID})
	logCtx := s.ctx

	h.log.InfoContext(logCtx, "stdio.serve.start", slog.Int("max_message_size", h.opts.maxMessageSize))
	s.conn.OnMessage(s.onFrame)

	var serveErr error
	select {
	case <-s.conn.Done():
		if cerr := s.conn.Err(); cerr != nil && !errors.Is(cerr, io.EOF) && !errors.Is(cerr, ErrClosed) {
			serveErr = cerr
		}
	case <-ctx.Done():
		serveErr = ctx.Err()
	}

	s.mu.Lock()
	s.stopping = true
	inflight := len(s.inflight)
	s.mu.Unlock()
	if inflight > 0 {
		h.log.InfoContext(logCtx, "stdio.serve.drain", slog.Int("inflight", inflight))
	}
	s.requests.Wait()

	cancel()
	s.background.Wait()
	s.dispatcher.Close(outbound.ErrConnectionClosed)
	_ = s.conn.Close()

	if serveErr != nil {
		h.log.InfoContext(logCtx, "stdio.serve.stop", slog.String("err", serveErr.Error()))
	} else {
		h.log.InfoContext(logCtx, "stdio.serve.stop")
	}
	return serveErr
}

// cancelledParams is notifications/cancelled decoded with the request id
// keeping its wire type, so it matches the in-flight table exactly.
type cancelledParams struct {
	RequestID *jsonrpc.RequestID `json:"requestId"`
	Reason    string             `json:"reason"`
}

type inflightRequest struct {
	cancel    context.CancelFunc
	cancelled bool
}

// session is the per-connection state of one Serve call. Fields below the
// first group are owned by the read goroutine.
type session struct {
	h          *Handler
	id         string
	userID     string
	conn       *Conn
	dispatcher *outbound.Dispatcher
	baseCtx    context.Context

	mu         sync.Mutex
	stopping   bool
	inflight   map[string]*inflightRequest // id.Key() -> request
	requests   sync.WaitGroup
	background sync.WaitGroup

	ctx         context.Context
	initialized bool
}

func (s *session) onFrame(frame []byte) {
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.rejectFrame(frame, err)
		return
	}
	switch msg.Type() {
	case jsonrpc.TypeResponse:
		s.dispatcher.OnResponse(msg.AsResponse())
	case jsonrpc.TypeNotification:
		s.handleNotification(msg.AsRequest())
	default:
		s.handleRequest(msg.AsRequest())
	}
}

// rejectFrame answers a frame that is not a valid JSON-RPC message. Invalid
// JSON gets a parse error with a null id. A well-formed object that is not a
// valid request gets an invalid request error; a malformed response is
// dropped since it cannot be answered.
func (s *session) rejectFrame(frame []byte, cause error) {
	log := s.h.log
	if !json.Valid(frame) {
		log.WarnContext(s.ctx, "stdio.read.parse_error", slog.Int("bytes", len(frame)))
		s.reply(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil))
		return
	}

	var probe struct {
		ID     *jsonrpc.RequestID `json:"id"`
		Method *string            `json:"method"`
	}
	if err := json.Unmarshal(frame, &probe); err == nil && probe.Method == nil {
		log.WarnContext(s.ctx, "stdio.read.invalid_response", slog.String("err", cause.Error()))
		return
	}
	log.WarnContext(s.ctx, "stdio.read.invalid_request", slog.String("err", cause.Error()))
	s.reply(jsonrpc.NewErrorResponse(probe.ID, jsonrpc.ErrorCodeInvalidRequest, "invalid request: "+cause.Error(), nil))
}

func (s *session) handleRequest(req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		s.initialize(req)
		return
	case mcp.PingMethod:
	default:
		if !s.initialized {
			s.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil))
			return
		}
	}

	key := req.ID.Key()
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		s.h.log.InfoContext(s.ctx, "stdio.request.drop", slog.String("method", req.Method), slog.String("id", req.ID.String()))
		return
	}
	if _, dup := s.inflight[key]; dup {
		s.mu.Unlock()
		s.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id: "+req.ID.String(), nil))
		return
	}
	reqCtx, cancel := context.WithCancel(s.ctx)
	fl := &inflightRequest{cancel: cancel}
	s.inflight[key] = fl
	s.requests.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.requests.Done()
		defer cancel()

		start := time.Now()
		res := s.h.srv.Handle(reqCtx, req)

		s.mu.Lock()
		delete(s.inflight, key)
		cancelled := fl.cancelled
		s.mu.Unlock()

		if cancelled {
			s.h.log.InfoContext(reqCtx, "stdio.handle_request.cancelled",
				slog.String("method", req.Method),
				slog.String("id", req.ID.String()),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return
		}
		s.reply(res)
	}()
}

func (s *session) initialize(req *jsonrpc.Request) {
	if s.initialized {
		s.reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil))
		return
	}

	res := s.h.srv.Handle(s.ctx, req)
	if res != nil && res.Error == nil {
		var params mcp.InitializeRequest
		_ = json.Unmarshal(req.Params, &params)
		var result mcp.InitializeResult
		_ = json.Unmarshal(res.Result, &result)

		s.ctx = logctx.WithSessionData(s.baseCtx, &logctx.SessionData{
			SessionID:       s.id,
			UserID:          s.userID,
			PeerName:        params.ClientInfo.Name,
			ProtocolVersion: result.ProtocolVersion,
		})
		s.initialized = true
		s.h.log.InfoContext(s.ctx, "stdio.session.initialized", slog.String("client_version", params.ClientInfo.Version))
	}
	s.reply(res)

	if s.initialized {
		s.startBackground()
	}
}

func (s *session) handleNotification(req *jsonrpc.Request) {
	switch mcp.Method(req.Method) {
	case mcp.InitializedNotificationMethod:
		s.h.log.DebugContext(s.ctx, "stdio.session.ready")
	case mcp.CancelledNotificationMethod:
		var n cancelledParams
		if err := json.Unmarshal(req.Params, &n); err != nil || n.RequestID.IsNil() {
			s.h.log.WarnContext(s.ctx, "stdio.cancel.invalid", slog.String("params", string(req.Params)))
			return
		}
		s.mu.Lock()
		fl, ok := s.inflight[n.RequestID.Key()]
		if ok {
			fl.cancelled = true
			fl.cancel()
		}
		s.mu.Unlock()
		s.h.log.InfoContext(s.ctx, "stdio.cancel",
			slog.String("request_id", n.RequestID.String()),
			slog.String("reason", n.Reason),
			slog.Bool("found", ok))
	default:
		s.h.log.DebugContext(s.ctx, "stdio.notification.ignored", slog.String("method", req.Method))
	}
}

// startBackground starts the per-session goroutines that only make sense
// once the client is initialized.
func (s *session) startBackground() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	ctx := s.ctx

	changes, unsubscribe := s.h.srv.Registry().Subscribe()
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				s.notify(ctx, mcp.ToolListChangedNotificationMethod)
			}
		}
	}()

	if interval := s.h.opts.keepAlive; interval > 0 {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.keepAlive(ctx, interval)
		}()
	}
}

func (s *session) keepAlive(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		start := time.Now()
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		res, err := s.dispatcher.Call(pingCtx, string(mcp.PingMethod), nil)
		cancel()
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			s.h.log.WarnContext(ctx, "stdio.keepalive.fail", slog.String("err", err.Error()))
		case res.Error != nil:
			s.h.log.WarnContext(ctx, "stdio.keepalive.fail", slog.String("err", res.Error.Message))
		default:
			s.h.log.DebugContext(ctx, "stdio.keepalive.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
	}
}

func (s *session) notify(ctx context.Context, method mcp.Method) {
	n, err := jsonrpc.NewRequest(nil, string(method), nil)
	if err != nil {
		return
	}
	if err := s.conn.Send(ctx, n); err != nil {
		s.h.log.WarnContext(ctx, "stdio.notify.fail", slog.String("method", string(method)), slog.String("err", err.Error()))
	}
}

func (s *session) reply(res *jsonrpc.Response) {
	if res == nil {
		return
	}
	if err := s.conn.Send(context.Background(), res); err != nil {
		s.h.log.Warn("stdio.write.fail", slog.String("err", err.Error()))
	}
}
