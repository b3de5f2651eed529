package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/networkschool/events-mcp/internal/config"
	"github.com/networkschool/events-mcp/luma"
	"github.com/networkschool/events-mcp/mcpserver"
	"github.com/networkschool/events-mcp/oauth"
	"github.com/networkschool/events-mcp/sessions"
	"github.com/networkschool/events-mcp/streaminghttp"
	"github.com/networkschool/events-mcp/usage"
	"github.com/networkschool/events-mcp/wiki"
)

const (
	shutdownTimeout = 10 * time.Second
	sweepInterval   = time.Minute
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with OAuth and both MCP transports",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

// serverDeps bundles the collaborators shared by the HTTP front-ends.
type serverDeps struct {
	store    *oauth.Store
	manager  *oauth.Manager
	registry *sessions.Registry
}

// buildDeps wires the Luma client, wiki library, OAuth layer, MCP server,
// and session registry. The returned cleanup closes the wiki watcher.
func buildDeps(cfg *config.Config, log *slog.Logger, opts ...sessions.Option) (*serverDeps, func(), error) {
	lumaClient := luma.NewClient(cfg.LumaBaseURL, cfg.LumaCalendarID, luma.WithLogger(log))

	lib, err := wiki.Open(cfg.WikiDir, wiki.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}

	store := oauth.NewStore()
	manager := oauth.NewManager(store,
		oauth.WithBaseURL(cfg.BaseURL),
		oauth.WithLoginSecret(cfg.LoginSecret),
		oauth.WithManagerLogger(log),
	)

	// The registry promotes sessions on the initialized notification; the
	// callback closes over the variable because the server must exist first.
	var registry *sessions.Registry
	srv := mcpserver.New(mcpserver.Deps{
		Luma: lumaClient,
		Wiki: lib,
		Log:  log,
		OnInitialized: func(sessionID string) {
			registry.MarkActive(sessionID)
		},
	})
	registry = sessions.NewRegistry(srv, append([]sessions.Option{sessions.WithLogger(log)}, opts...)...)

	deps := &serverDeps{store: store, manager: manager, registry: registry}
	return deps, func() { _ = lib.Close() }, nil
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)

	deps, cleanup, err := buildDeps(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	tracker := usage.NewTracker()

	handler, err := streaminghttp.New(deps.manager, deps.registry, tracker, streaminghttp.WithLogger(log))
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				deps.store.SweepExpired()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	log.Info("server.start",
		slog.String("addr", cfg.ListenAddr()),
		slog.String("base_url", cfg.BaseURL),
		slog.String("wiki_dir", cfg.WikiDir),
	)

	select {
	case <-ctx.Done():
		log.Info("server.shutdown")
		deps.registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
