package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ggoodman/mcp-stdio-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-stdio-go/internal/logctx"
	"github.com/ggoodman/mcp-stdio-go/mcp"
	"github.com/ggoodman/mcp-stdio-go/schema"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server answers MCP requests against a tool Registry. It holds no
// per-connection state, so one Server can back any number of transports.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *Registry
	log          *slog.Logger
}

// NewServer builds a Server using functional options. Without WithRegistry it
// owns a fresh, empty registry.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info: mcp.ImplementationInfo{Name: "mcp-stdio-go", Version: "0.0.0"},
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tools == nil {
		s.tools = NewRegistry()
	}
	return s
}

// WithServerInfo sets the implementation info returned during initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets human-readable instructions returned during initialize.
func WithInstructions(instr string) ServerOption {
	return func(s *Server) { s.instructions = instr }
}

// WithRegistry makes the server dispatch to an existing registry.
func WithRegistry(r *Registry) ServerOption {
	return func(s *Server) { s.tools = r }
}

// WithLogger sets the logger used for request events.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTools registers the given tools at construction. It panics on a
// duplicate or invalid tool.
func WithTools(defs ...StaticTool) ServerOption {
	return func(s *Server) {
		if s.tools == nil {
			s.tools = NewRegistry()
		}
		s.tools.MustRegister(defs...)
	}
}

// Info returns the server implementation info.
func (s *Server) Info() mcp.ImplementationInfo { return s.info }

// Registry returns the registry the server dispatches to.
func (s *Server) Registry() *Registry { return s.tools }

// Close releases the registry's change subscribers, which ends the
// list_changed forwarding of every session served from s.
func (s *Server) Close() {
	s.tools.Close()
	s.log.Debug("mcpservice.server.close")
}

// RegisterTool registers a tool built from its parts.
func (s *Server) RegisterTool(name, title, description string, input schema.Schema, handler ToolHandler) error {
	return s.tools.Register(StaticTool{
		Descriptor: mcp.Tool{
			Name:        name,
			Title:       title,
			Description: description,
			InputSchema: input,
		},
		Handler: handler,
	})
}

// NegotiateProtocolVersion returns the client's requested version when the
// server supports it and the latest supported version otherwise.
func NegotiateProtocolVersion(requested string) string {
	if mcp.IsSupportedProtocolVersion(requested) {
		return requested
	}
	return mcp.LatestProtocolVersion
}

// Handle answers a single request. It never returns nil for a request that
// carries an ID; for a notification the returned response is nil.
func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	if req.IsNotification() {
		return nil
	}

	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: req.Method,
		ID:     req.ID.String(),
		Type:   jsonrpc.TypeRequest,
	})

	var res *jsonrpc.Response
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		res = s.handleInitialize(ctx, req)
	case mcp.PingMethod:
		res = s.result(ctx, req, mcp.EmptyResult{})
	case mcp.ToolsListMethod:
		res = s.handleListTools(ctx, req)
	case mcp.ToolsCallMethod:
		res = s.handleCallTool(ctx, req)
	default:
		s.log.InfoContext(ctx, "mcpservice.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}

	if res.Error != nil {
		s.log.InfoContext(ctx, "mcpservice.handle_request.err",
			slog.Int("code", int(res.Error.Code)),
			slog.String("err", res.Error.Message),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return res
	}
	s.log.InfoContext(ctx, "mcpservice.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return res
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
	}
	return s.result(ctx, req, s.InitializeResult(params.ProtocolVersion))
}

// InitializeResult is the initialize response for a client requesting the
// given protocol version.
func (s *Server) InitializeResult(requested string) *mcp.InitializeResult {
	return &mcp.InitializeResult{
		ProtocolVersion: NegotiateProtocolVersion(requested),
		Capabilities: mcp.ServerCapabilities{
			Tools: &mcp.ToolsCapability{ListChanged: true},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}
}

func (s *Server) handleListTools(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/list params", nil)
		}
	}
	tools, next, err := s.tools.Page(params.Cursor)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	res := mcp.ListToolsResult{Tools: tools}
	res.NextCursor = next
	return s.result(ctx, req, res)
}

func (s *Server) handleCallTool(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params mcp.CallToolRequestReceived
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil)
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	tool, err := s.tools.Lookup(params.Name)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+params.Name, nil)
	}

	args, err := tool.Descriptor.InputSchema.ValidateJSON(params.Arguments)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, verr.Error(), verr)
		}
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}

	result, err := s.invoke(ctx, tool.Handler, &ToolCall{Name: params.Name, Arguments: params.Arguments, Args: args})
	if err != nil {
		s.log.ErrorContext(ctx, "mcpservice.tool.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, fmt.Sprintf("tool %s failed: %v", params.Name, err), nil)
	}
	if result == nil {
		result = &mcp.CallToolResult{}
	}
	if result.Content == nil {
		result.Content = []mcp.ContentBlock{}
	}
	return s.result(ctx, req, result)
}

// errHandlerPanic marks a tool handler that panicked.
var errHandlerPanic = errors.New("handler panicked")

func (s *Server) invoke(ctx context.Context, h ToolHandler, call *ToolCall) (res *mcp.CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.ErrorContext(ctx, "mcpservice.tool.panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			res, err = nil, fmt.Errorf("%w: %v", errHandlerPanic, r)
		}
	}()
	return h(ctx, call)
}

func (s *Server) result(ctx context.Context, req *jsonrpc.Request, v any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(req.ID, v)
	if err != nil {
		s.log.ErrorContext(ctx, "mcpservice.handle_request.encode_fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}
