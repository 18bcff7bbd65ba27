// Package mcp contains the Model Context Protocol data types and constants
// shared by the stdio transport, the server dispatch in mcpservice and the
// client facade. It mirrors the wire representation of the tool surface of the
// protocol (initialize, ping, tools/list, tools/call) while keeping it
// Go-friendly: exported structs with json tags and string constants for method
// names.
//
// The package is free of transport logic. Framing, correlation and sessions
// live in the stdio, client and internal/outbound packages.
//
// Tool input schemas are modelled by package schema so that the same value
// that is advertised in tools/list is the one arguments are validated against.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// A result with IsError set is a tool-level failure. It travels as a normal
// JSON-RPC result; only protocol faults use the JSON-RPC error channel.
package mcp
