package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/evcenter/chatsync/internal/config"
	"github.com/evcenter/chatsync/internal/logger"
	"github.com/evcenter/chatsync/internal/server/auth"
	"github.com/evcenter/chatsync/internal/server/handlers"
	"github.com/evcenter/chatsync/internal/server/models"
	"github.com/evcenter/chatsync/internal/server/ratelimit"
	"github.com/evcenter/chatsync/internal/server/storage"
	"github.com/evcenter/chatsync/internal/server/ws"
)

func main() {
	issue := flag.String("issue-token", "", "Issue an API token for user:role and exit")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading .env: %v\n", err)
		os.Exit(1)
	}
	log := logger.Init(logger.Config{})

	cfg := config.LoadServer()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *issue, log); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server, issue string, log *slog.Logger) error {
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	limiter := ratelimit.New(cfg.MaxConnectionsPerIP, cfg.AuthAttemptsPerMin)
	authn := auth.New(store, limiter)

	if issue != "" {
		return issueToken(ctx, authn, issue)
	}

	go limiter.Run(ctx)

	srv := &handlers.Server{
		Store:          store,
		Auth:           authn,
		Hub:            ws.NewHub(store, log),
		Limiter:        limiter,
		AllowedOrigins: cfg.CORSOrigins,
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port,
			"maxConnsPerIP", cfg.MaxConnectionsPerIP,
			"authAttemptsPerMin", cfg.AuthAttemptsPerMin)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func issueToken(ctx context.Context, authn *auth.Authenticator, arg string) error {
	userID, role, ok := strings.Cut(arg, ":")
	if !ok || userID == "" {
		return fmt.Errorf("issue-token wants user:role, got %q", arg)
	}
	switch role {
	case models.RoleCustomer, models.RoleStaff, models.RoleTechnician, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	token, err := authn.Issue(ctx, userID, role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
