// Package config loads the demo binaries' settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/mcp-stdio-go/internal/logctx"
)

// Server configures the demo stdio server.
type Server struct {
	// Name reported in serverInfo. ENV: MCP_SERVER_NAME
	Name string `env:"MCP_SERVER_NAME,default=example-mcp-server"`
	// Version reported in serverInfo. ENV: MCP_SERVER_VERSION
	Version string `env:"MCP_SERVER_VERSION,default=1.0.0"`
	// LogLevel is one of debug, info, warn, error. ENV: MCP_LOG_LEVEL
	LogLevel string `env:"MCP_LOG_LEVEL,default=info"`
}

// Client configures the demo client.
type Client struct {
	// ServerCommand is the executable started as the server. ENV: MCP_SERVER_COMMAND
	ServerCommand string `env:"MCP_SERVER_COMMAND,default=go"`
	// ServerArgs are ';'-separated arguments for ServerCommand. ENV: MCP_SERVER_ARGS
	ServerArgs []string `env:"MCP_SERVER_ARGS,default=run;./examples/stdio_server"`
	// CallTimeout bounds each request to the server. ENV: MCP_CALL_TIMEOUT
	CallTimeout time.Duration `env:"MCP_CALL_TIMEOUT,default=30s"`
	// LogLevel is one of debug, info, warn, error. ENV: MCP_LOG_LEVEL
	LogLevel string `env:"MCP_LOG_LEVEL,default=warn"`
}

// LoadServer decodes Server from the environment.
func LoadServer() (Server, error) {
	var cfg Server
	if err := decode(&cfg); err != nil {
		return Server{}, err
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// LoadClient decodes Client from the environment.
func LoadClient() (Client, error) {
	var cfg Client
	if err := decode(&cfg); err != nil {
		return Client{}, err
	}
	if cfg.ServerCommand == "" {
		return Client{}, errors.New("config: MCP_SERVER_COMMAND must not be empty")
	}
	if cfg.CallTimeout <= 0 {
		return Client{}, fmt.Errorf("config: MCP_CALL_TIMEOUT must be positive, got %s", cfg.CallTimeout)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func decode(target any) error {
	if err := envdecode.Decode(target); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q", s)
	}
	return lvl, nil
}

// NewLogger returns a JSON logger writing to w at the given level, enriched
// with session, rpc and tool attributes from the context.
func NewLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := ParseLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(logctx.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}
