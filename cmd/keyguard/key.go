package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/keyguard/internal/app"
	"github.com/atvirokodosprendimai/keyguard/internal/core/domain"
	"github.com/atvirokodosprendimai/keyguard/internal/core/usecase"
)

var errKeyNotFound = errors.New("api key not found")

func keyCommand() *cli.Command {
	ownerFlags := func() []cli.Flag {
		return []cli.Flag{
			&cli.Int64Flag{Name: "id", Required: true, Usage: "Key ID"},
			&cli.Int64Flag{Name: "user-id", Required: true, Usage: "Owning user ID"},
		}
	}

	return &cli.Command{
		Name:  "key",
		Usage: "Manage API keys",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Issue a new key and print it once",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "user-id", Usage: "Owning user ID; omit for an unowned key"},
					&cli.IntFlag{Name: "level", Value: domain.DefaultLevel, Usage: "Privilege level"},
					&cli.BoolFlag{Name: "ignore-limits", Usage: "Exempt the key from rate limits"},
				},
				Action: withKeys(func(ctx context.Context, c *cli.Command, keys *usecase.APIKeyService) error {
					var userID *int64
					if c.IsSet("user-id") {
						id := c.Int64("user-id")
						userID = &id
					}
					created, err := keys.Make(ctx, userID,
						usecase.WithLevel(c.Int("level")),
						usecase.WithIgnoreLimits(c.Bool("ignore-limits")))
					if err != nil {
						return err
					}
					return printKey(os.Stdout, created, true)
				}),
			},
			{
				Name:  "show",
				Usage: "Show a key by ID and owner",
				Flags: ownerFlags(),
				Action: withKeys(func(ctx context.Context, c *cli.Command, keys *usecase.APIKeyService) error {
					found, err := keys.GetByIDAndUserID(ctx, c.Int64("id"), c.Int64("user-id"))
					if err != nil {
						return err
					}
					if found == nil {
						return errKeyNotFound
					}
					return printKey(os.Stdout, *found, false)
				}),
			},
			{
				Name:  "revoke",
				Usage: "Soft delete a key by ID and owner",
				Flags: ownerFlags(),
				Action: withKeys(func(ctx context.Context, c *cli.Command, keys *usecase.APIKeyService) error {
					found, err := keys.GetByIDAndUserID(ctx, c.Int64("id"), c.Int64("user-id"))
					if err != nil {
						return err
					}
					if found == nil {
						return errKeyNotFound
					}
					return keys.Revoke(ctx, *found)
				}),
			},
			{
				Name:  "generate",
				Usage: "Print an unused token without storing it",
				Action: withKeys(func(ctx context.Context, _ *cli.Command, keys *usecase.APIKeyService) error {
					token, err := keys.GenerateKey(ctx)
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(os.Stdout, token)
					return err
				}),
			},
		},
	}
}

type keyAction func(ctx context.Context, c *cli.Command, keys *usecase.APIKeyService) error

func withKeys(fn keyAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		logger, err := newLogger(c)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		keys, closer, err := app.NewKeyService(ctx, baseConfig(c, logger))
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := closer.Close(); closeErr != nil {
				logger.Error("close resources", zap.Error(closeErr))
			}
		}()

		return fn(ctx, c, keys)
	}
}

type keyOutput struct {
	ID           int64  `json:"id"`
	UserID       *int64 `json:"user_id"`
	Key          string `json:"key"`
	Level        int    `json:"level"`
	IgnoreLimits bool   `json:"ignore_limits"`
	CreatedAt    string `json:"created_at"`
}

func printKey(w io.Writer, k domain.APIKey, revealSecret bool) error {
	out := keyOutput{
		ID:           k.ID,
		UserID:       k.UserID,
		Key:          k.Masked(),
		Level:        k.Level,
		IgnoreLimits: k.IgnoreLimits,
		CreatedAt:    k.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
	}
	if revealSecret {
		out.Key = k.Key
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
