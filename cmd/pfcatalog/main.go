package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/config"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/logging"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/server"
	"github.com/Daniel-Ric/PlayFab-Catalog-Service-Bedrock-sub000/internal/service"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "pfcatalog",
		Short:         "Marketplace catalog front with live change notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", config.GetEnv("PFCATALOG_CONFIG", "/pfcatalog.yaml"), "path to pfcatalog.yaml")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newWebhooksCommand(opts))
	return cmd
}

// loadConfig reads .env files before the config so env overrides apply.
func loadConfig(opts *rootOptions) (config.Config, logging.Logger, error) {
	config.LoadEnv(nil)
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.New(cfg.Logging.Level, cfg.Logging.Format), nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server, watchers and webhook delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg config.Config, logger logging.Logger) error {
	svc, err := service.New(cfg, service.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           server.New(svc).Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.D(),
	}
	// push streams never go idle on their own
	srv.RegisterOnShutdown(svc.Hub().Close)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start()
	go func() {
		logger.WithField("addr", addr).Info("pfcatalog listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.D())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Graceful shutdown incomplete")
	}
	return nil
}
