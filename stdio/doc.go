// Package stdio implements a single-connection MCP transport over a pair of
// byte streams carrying newline-delimited JSON-RPC messages. It covers both
// ends of a process pair:
//
//   - Handler serves an mcpservice.Server over stdin/stdout, which is how a
//     tool server runs as a child process.
//   - Dial starts a server as a child process and returns a Conn wired to its
//     stdin/stdout; the child's stderr is forwarded for diagnostics.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Auth             : OS user (lightweight implicit principal)
//	Sessions         : Ephemeral; one per Serve call (memory only)
//	Transport        : Line oriented JSON-RPC, one message per line
//
// Options allow supplying alternate io.Reader / io.Writer, a custom logger or
// a maximum message size.
//
// Example:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "my-stdio-server", Version: "0.1.0"}),
//	    mcpservice.WithTools(echoTool),
//	)
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
package stdio
