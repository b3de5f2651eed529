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
	"github.com/networkschool/events-mcp/sessions"
)

func newSSECommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sse",
		Short: "Run the legacy HTTP+SSE server (GET /sse stream, POST /message)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSSE(cmd.Context())
		},
	}
}

// runSSE serves the deprecated two-endpoint transport. Bearer tokens are not
// enforced here: the legacy clients this exists for predate the OAuth flow,
// so a token is logged when present but never required.
func runSSE(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg, os.Stderr)
	slog.SetDefault(log)

	deps, cleanup, err := buildDeps(cfg, log, sessions.WithLegacyEndpoint("/message"))
	if err != nil {
		return err
	}
	defer cleanup()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			log.InfoContext(r.Context(), "sse.auth.present")
		}
		transport, err := deps.registry.AddLegacy(r.Context(), w, "")
		if err != nil {
			http.Error(w, "failed to establish SSE session", http.StatusInternalServerError)
			return
		}
		<-r.Context().Done()
		_ = deps.registry.Close(transport.SessionID())
	})
	mux.HandleFunc("POST /message", func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionid")
		transport, ok := deps.registry.Get(sessID)
		if !ok {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		transport.ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mux.HandleFunc("GET /authorize", deps.manager.HandleAuthorize)
	mux.HandleFunc("POST /callback", deps.manager.HandleCallback)
	mux.HandleFunc("POST /token", deps.manager.HandleToken)
	mux.HandleFunc("POST /register", deps.manager.HandleRegister)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", deps.manager.HandleAuthServerMetadata)
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", deps.manager.HandleProtectedResourceMetadata)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	log.Info("sse.start", slog.String("addr", cfg.ListenAddr()))

	select {
	case <-ctx.Done():
		log.Info("sse.shutdown")
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
