package mcp

import (
	"strings"

	"github.com/ggoodman/mcp-stdio-go/schema"
)

// Protocol versions understood by this module, newest first.
const (
	LatestProtocolVersion = "2025-06-18"
)

// SupportedProtocolVersions lists every protocol revision a peer may
// negotiate, newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// IsSupportedProtocolVersion reports whether v is one of SupportedProtocolVersions.
func IsSupportedProtocolVersion(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// ClientCapabilities advertises client features. Only the fields this module
// inspects are modelled; unknown members are ignored on decode.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability is the tools entry of ServerCapabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentTypeText is the discriminator of a text content block.
const ContentTypeText = "text"

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	// For TextContent
	Text string `json:"text,omitzero"`
	// For ImageContent and AudioContent
	Data     string `json:"data,omitzero"`
	MimeType string `json:"mimeType,omitzero"`
}

// Tool describes a callable tool: its stable name, display title, human text
// and the schema its arguments are validated against.
type Tool struct {
	Name        string        `json:"name"`
	Title       string        `json:"title,omitzero"`
	Description string        `json:"description,omitzero"`
	InputSchema schema.Schema `json:"inputSchema"`
}

// CallToolResult represents a tool invocation result. IsError marks a tool
// that ran and reported its own failure; that is an ordinary result and not a
// JSON-RPC error.
type CallToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitzero"`
	BaseMetadata
}

// Text concatenates the text of every text block, separated by newlines.
func (r *CallToolResult) Text() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.Content))
	for _, b := range r.Content {
		if b.Type == ContentTypeText {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
