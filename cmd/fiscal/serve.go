package main

import (
	"github.com/smallbiznis/fiscal/internal/scheduler"
	"github.com/smallbiznis/fiscal/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		app := fx.New(append(baseOptions(), server.Module, scheduler.Module)...)
		if err := app.Err(); err != nil {
			return err
		}
		app.Run()
		return nil
	},
}
