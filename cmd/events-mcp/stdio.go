package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/networkschool/events-mcp/internal/config"
	"github.com/networkschool/events-mcp/luma"
	"github.com/networkschool/events-mcp/mcpserver"
	"github.com/networkschool/events-mcp/wiki"
)

func newStdioCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Run a single MCP session over stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStdio(cmd.Context())
		},
	}
}

func runStdio(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Stdout carries the protocol; logs go to stderr.
	log := newLogger(cfg, os.Stderr)

	lumaClient := luma.NewClient(cfg.LumaBaseURL, cfg.LumaCalendarID, luma.WithLogger(log))

	lib, err := wiki.Open(cfg.WikiDir, wiki.WithLogger(log))
	if err != nil {
		return err
	}
	defer lib.Close()

	srv := mcpserver.New(mcpserver.Deps{
		Luma: lumaClient,
		Wiki: lib,
		Log:  log,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("stdio.start")
	return srv.Run(ctx, &mcp.StdioTransport{})
}
