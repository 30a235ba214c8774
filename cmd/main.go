package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"StoryTales/server/internal/config"
	"StoryTales/server/internal/storage"
	"StoryTales/server/internal/storyapi"
	"StoryTales/server/internal/web"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "storytales",
		Short:         "Serve the StoryTales story wizard",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "configs/config.yaml", "path to the configuration file")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, logCloser, err := cfg.Logging.NewLogger()
	if err != nil {
		return err
	}
	defer logCloser.Close()

	var redisStore *storage.RedisStore
	var shared storyapi.SharedCache
	if cfg.Redis.Enabled {
		redisStore, err = storage.NewRedisStore(cfg.Redis)
		if err != nil {
			log.WithError(err).Warn("failed to connect to Redis, analysis results stay per session")
			redisStore = nil
		} else {
			defer redisStore.Close()
			shared = redisStore
			log.Info("Redis connected successfully")
		}
	}

	backend, err := storyapi.NewBackend(storyapi.Options{
		BaseURL:     cfg.Backend.BaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.Backend.Timeout},
		MaxAttempts: cfg.Backend.Retry.MaxAttempts,
		RetryDelay:  cfg.Backend.Retry.Delay,
		Shared:      shared,
		SharedTTL:   cfg.Redis.AnalysisTTL,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("story service: %w", err)
	}

	hub := web.NewSessionHub(log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      web.NewRouter(cfg, hub, backend, redisStore, log),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": server.Addr, "backend": cfg.Backend.BaseURL}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info("server stopped")
	return err
}
