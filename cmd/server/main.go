package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loftchat/loft/internal/auth"
	"github.com/loftchat/loft/internal/registry"
	"github.com/loftchat/loft/internal/server"
	"github.com/loftchat/loft/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	root := &cobra.Command{
		Use:          "loft-server",
		Short:        "Loft group chat server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	cfg := server.NewConfigFromEnv()
	server.SetConfig(cfg)

	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	reg := registry.New(store, logger)
	verifier := auth.NewVerifier(auth.NewRemoteKeySet(cfg.OAuth.CertsURL, nil), cfg.OAuth.ClientID)
	exchanger := auth.NewExchanger(
		cfg.OAuth.ClientID,
		cfg.OAuth.ClientSecret,
		cfg.OAuth.TokenURL,
		cfg.OAuth.RedirectURL,
		nil,
	)

	api := server.NewAPI(reg, store, verifier, exchanger, nil, logger)
	httpServer := server.CreateServer(cfg.Port, api.Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, logger)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		return server.ShutdownServer(httpServer, shutdownTimeout, logger)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}
