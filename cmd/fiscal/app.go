package main

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/clock"
	"github.com/smallbiznis/fiscal/internal/config"
	"github.com/smallbiznis/fiscal/internal/migration"
	"github.com/smallbiznis/fiscal/internal/observability"
	"github.com/smallbiznis/fiscal/pkg/db"
	"go.uber.org/fx"
)

const startTimeout = 30 * time.Second

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

// baseOptions is the infrastructure every command runs on.
func baseOptions() []fx.Option {
	return []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(newSnowflakeNode),
		db.Module,
		clock.Module,
		migration.Module,
	}
}

// runOnce starts the app, lets invoked hooks do their work and stops it again.
func runOnce(ctx context.Context, opts ...fx.Option) error {
	app := fx.New(append(baseOptions(), append(opts, fx.NopLogger)...)...)

	startCtx, cancel := context.WithTimeout(ctx, startTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), startTimeout)
	defer cancelStop()
	return app.Stop(stopCtx)
}
