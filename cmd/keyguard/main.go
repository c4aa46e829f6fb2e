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

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/keyguard/internal/app"
	"github.com/atvirokodosprendimai/keyguard/internal/observability"
)

func main() {
	cmd := &cli.Command{
		Name:  "keyguard",
		Usage: "API key issuing and authentication service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "db-path",
				Value:   "./keyguard.sqlite",
				Sources: cli.EnvVars("KEYGUARD_DB_PATH"),
				Usage:   "SQLite file path",
			},
			&cli.StringFlag{
				Name:    "cache",
				Value:   app.CacheNone,
				Sources: cli.EnvVars("KEYGUARD_CACHE"),
				Usage:   "Lookup cache backend: none, memory or redis",
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Sources: cli.EnvVars("KEYGUARD_REDIS_URL"),
				Usage:   "Redis URL for the redis cache backend",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Sources: cli.EnvVars("KEYGUARD_LOG_LEVEL"),
				Usage:   "Log level",
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Sources: cli.EnvVars("KEYGUARD_LOG_FORMAT"),
				Usage:   "Log format: json or console",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			keyCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8080",
				Sources: cli.EnvVars("KEYGUARD_ADDR"),
				Usage:   "HTTP listen address",
			},
			&cli.DurationFlag{
				Name:    "remember",
				Sources: cli.EnvVars("KEYGUARD_REMEMBER"),
				Usage:   "How long authentication lookups are cached; 0 disables",
			},
			&cli.IntFlag{
				Name:    "rate-limit",
				Value:   600,
				Sources: cli.EnvVars("KEYGUARD_RATE_LIMIT"),
				Usage:   "Requests per minute for a level 10 key; 0 disables",
			},
			&cli.Int64Flag{
				Name:    "bootstrap-user-id",
				Sources: cli.EnvVars("KEYGUARD_BOOTSTRAP_USER_ID"),
				Usage:   "Create a key for this user at startup and log it",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			cfg := baseConfig(c, logger)
			cfg.Addr = c.String("addr")
			cfg.Remember = c.Duration("remember")
			cfg.RateLimit = c.Int("rate-limit")
			cfg.BootstrapUserID = c.Int64("bootstrap-user-id")

			server, closer, err := app.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			defer func() {
				if closeErr := closer.Close(); closeErr != nil {
					logger.Error("close resources", zap.Error(closeErr))
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("listening", zap.String("addr", cfg.Addr))
				errCh <- server.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case sig := <-sigCh:
				logger.Info("received signal", zap.String("signal", sig.String()))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}
}

func newLogger(c *cli.Command) (*zap.Logger, error) {
	logger, err := observability.NewLogger(c.String("log-level"), c.String("log-format"))
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func baseConfig(c *cli.Command, logger *zap.Logger) app.Config {
	return app.Config{
		DBPath:   c.String("db-path"),
		Cache:    c.String("cache"),
		RedisURL: c.String("redis-url"),
		Logger:   logger,
	}
}
