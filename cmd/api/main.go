package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fastprodman/cyberclock/internal/api"
	"github.com/fastprodman/cyberclock/internal/auth"
	"github.com/fastprodman/cyberclock/internal/infra/logging"
	"github.com/fastprodman/cyberclock/internal/infra/pgutils"
	"github.com/fastprodman/cyberclock/internal/kvstore"
	"github.com/fastprodman/cyberclock/internal/kvstore/memory"
	kvpostgres "github.com/fastprodman/cyberclock/internal/kvstore/postgres"
	"github.com/fastprodman/cyberclock/internal/purchase/stripepay"
	"github.com/fastprodman/cyberclock/internal/services/clock"
	"github.com/fastprodman/cyberclock/pkg/envconf"
	"github.com/fastprodman/cyberclock/pkg/shutdownqueue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error running api: %v", err)
		//nolint:gocritic
		os.Exit(1)
	}
}

func run(ctx context.Context) (retErr error) {
	cfg := new(apiConfig)

	err := envconf.Load(cfg)
	if err != nil {
		return fmt.Errorf("init config: %w", err)
	}

	logging.SetupJSON(cfg.LogLevel)

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		serr := shutdownqueue.Shutdown(shutdownCtx)
		if serr != nil {
			retErr = errors.Join(retErr, serr)
		}
	}()

	// --- Infra ---
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	shutdownqueue.Add(func(c context.Context) error {
		slog.Info("Close store")

		cerr := store.Close(c)
		if cerr != nil {
			return fmt.Errorf("close store: %w", cerr)
		}

		return nil
	})

	provider := stripepay.New(cfg.Stripe)
	clockSrv := clock.New(store, provider, cfg.devMode())

	// --- HTTP server ---
	srv := api.NewServer(cfg.Port, clockSrv, auth.NewHeaderProvider())

	// Register HTTP server graceful shutdown
	shutdownqueue.Add(func(c context.Context) error {
		slog.Info("Shut down server")

		err := srv.Shutdown(c)
		if err != nil {
			return fmt.Errorf("shutdown srv: %w", err)
		}

		return nil
	})

	// Run server
	errCh := make(chan error, 1)

	go func() {
		serr := srv.ListenAndServe()
		// http.ErrServerClosed is the normal path during Shutdown
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			errCh <- serr
			return
		}

		errCh <- nil
	}()

	slog.Info("API started", "port", cfg.Port, "store", cfg.StoreBackend)

	// --- Wait until either context cancels or server errors out ---
	select {
	case <-ctx.Done():
		// graceful path; deferred shutdownqueue.Shutdown will run
		return nil
	case serr := <-errCh:
		if serr != nil {
			return fmt.Errorf("server error: %w", serr)
		}

		return nil
	}
}

func openStore(ctx context.Context, cfg *apiConfig) (kvstore.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		db, err := pgutils.OpenDB(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}

		return kvpostgres.New(db), nil
	case "memory":
		if !cfg.devMode() {
			return nil, errors.New("memory backend requires APP_ENV=DEV")
		}

		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
