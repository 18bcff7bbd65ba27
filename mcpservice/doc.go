// Package mcpservice implements the transport-free half of an MCP tool
// server: a Registry of tools and a Server that answers initialize, ping,
// tools/list and tools/call requests against it.
//
// Tool arguments are validated against the tool's input schema before the
// handler runs, so handlers only ever see arguments that passed validation.
// Every violation is reported to the caller at once.
//
// Quick start:
//
//	type EchoArgs struct {
//	    Message string `json:"message" jsonschema:"description=Message to echo back"`
//	}
//
//	echo := mcpservice.NewTool("echo",
//	    func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[EchoArgs]) error {
//	        return w.AppendText("Echo: " + r.Args().Message)
//	    },
//	    mcpservice.WithToolDescription("Echo a message back to the caller"),
//	)
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithTools(echo),
//	)
//
// Tools can also be registered from an explicit schema:
//
//	err := srv.RegisterTool("greet", "Greet Tool", "Greets a user",
//	    schema.Object(schema.String("name").Describe("Name to greet")),
//	    func(ctx context.Context, call *mcpservice.ToolCall) (*mcp.CallToolResult, error) {
//	        return mcpservice.TextResult("Hello, " + call.Args.String("name") + "!"), nil
//	    })
//
// Serve the result over stdio with stdio.NewHandler.
package mcpservice
