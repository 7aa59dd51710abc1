package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "mcpgate",
		Short: "MCP tool server behind an OAuth 2.1 gateway",
		Long: `mcpgate serves a small set of MCP tools over SSE and streamable HTTP.
Callers authenticate through an OAuth 2.1 + PKCE facade in front of Google,
with a static API key, or not at all.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("MCPGATE_CONFIG"), "Path to YAML config")
	root.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "info", "Logging level (debug, info, warn, error)")

	root.AddCommand(
		newServeCommand(opts),
		newStdioCommand(opts),
		newTokenCommand(opts),
		newConnectCommand(opts),
		newConfigCommand(opts),
		newUsageCommand(opts),
	)
	return root
}

// logger builds the process logger. stdio mode keeps stdout for the protocol.
func (o *rootOptions) logger(stderr bool) (*slog.Logger, error) {
	level, err := parseLogLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	out := os.Stdout
	if stderr {
		out = os.Stderr
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
