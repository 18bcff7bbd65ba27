package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-stdio-go/mcp"
	"github.com/ggoodman/mcp-stdio-go/schema"
)

// DefaultPageSize is the number of tools returned per tools/list page.
const DefaultPageSize = 50

var (
	// ErrDuplicateTool is returned when registering a name that is already taken.
	ErrDuplicateTool = errors.New("tool already registered")
	// ErrToolNotFound is returned when looking up a name that was never registered.
	ErrToolNotFound = errors.New("tool not found")
	// ErrInvalidTool is returned for a tool with an empty name or a nil handler.
	ErrInvalidTool = errors.New("invalid tool")
	// ErrInvalidCursor is returned by Page for a cursor it did not issue.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// ToolCall is the validated input handed to a ToolHandler.
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
	Args      schema.Args
}

// ToolHandler handles a tool invocation whose arguments already passed schema
// validation. A returned result with IsError set is a domain failure reported
// to the caller; a returned error is a handler fault.
type ToolHandler func(ctx context.Context, call *ToolCall) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// Registry is an append-only, ordered set of tools. It is safe for concurrent
// use; registering after the server started serving is allowed and triggers a
// list-changed signal.
type Registry struct {
	mu       sync.RWMutex
	tools    []StaticTool
	index    map[string]int
	pageSize int

	notifier ChangeNotifier
}

// NewRegistry returns an empty registry with the default page size.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int), pageSize: DefaultPageSize}
}

// Register adds a tool. Names are unique within a registry.
func (r *Registry) Register(def StaticTool) error {
	name := def.Descriptor.Name
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTool)
	}
	if def.Handler == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidTool, name)
	}

	r.mu.Lock()
	if _, exists := r.index[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.index[name] = len(r.tools)
	r.tools = append(r.tools, def)
	r.mu.Unlock()

	r.notifier.Notify()
	return nil
}

// MustRegister registers every tool and panics on the first failure.
func (r *Registry) MustRegister(defs ...StaticTool) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (StaticTool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[name]
	if !ok {
		return StaticTool{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return r.tools[i], nil
}

// List returns every descriptor in registration order.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]mcp.Tool, len(r.tools))
	for i, t := range r.tools {
		out[i] = t.Descriptor
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SetPageSize sets the tools/list page size. A non-positive value is ignored.
func (r *Registry) SetPageSize(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.pageSize = n
	r.mu.Unlock()
}

// Page returns the descriptors starting at cursor and the cursor of the next
// page, which is empty on the last page. The empty cursor is the first page.
func (r *Registry) Page(cursor string) ([]mcp.Tool, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(r.tools) {
			return nil, "", fmt.Errorf("%w: %q", ErrInvalidCursor, cursor)
		}
		start = n
	}
	end := min(start+r.pageSize, len(r.tools))

	items := make([]mcp.Tool, 0, end-start)
	for _, t := range r.tools[start:end] {
		items = append(items, t.Descriptor)
	}
	var next string
	if end < len(r.tools) {
		next = strconv.Itoa(end)
	}
	return items, next, nil
}

// Subscribe returns a channel signalled after each successful Register and a
// function that cancels the subscription.
func (r *Registry) Subscribe() (<-chan struct{}, func()) {
	return r.notifier.Subscribe()
}

// Close ends every subscription. Tools registered afterwards are still served
// but no longer signalled.
func (r *Registry) Close() {
	r.notifier.Close()
}
