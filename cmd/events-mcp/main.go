// Command events-mcp runs the Network School events MCP server over HTTP
// (streamable and legacy SSE transports) or over stdio.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/networkschool/events-mcp/internal/config"
	"github.com/networkschool/events-mcp/internal/logctx"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "events-mcp",
		Short:         "Network School events and wiki MCP server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newSSECommand())
	root.AddCommand(newStdioCommand())
	return root
}

// newLogger builds the process logger: JSON records to w, enriched with
// request and session attributes from the context.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	return slog.New(logctx.Handler{Handler: base})
}
