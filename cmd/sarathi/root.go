package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sarathi/internal/app"
	"github.com/MrWong99/sarathi/internal/config"
	"github.com/MrWong99/sarathi/internal/observe"
)

// env is the state shared by every subcommand: the loaded config and, once
// a command asks for it, the wired application.
type env struct {
	configPath string
	cfg        *config.Config
	level      *slog.LevelVar
	logOut     io.Writer

	app *app.App
}

func newRootCmd() *cobra.Command {
	e := &env{level: new(slog.LevelVar), logOut: os.Stderr}

	root := &cobra.Command{
		Use:   "sarathi",
		Short: "Personalised multi-persona companion",
		Long: `sarathi routes every message to one of three personas (companion,
mentor, interviewer), grounds the reply in the user's profile, past turns
and documents, and remembers what was said.

Without --config it runs fully offline: in-process memory, hash
embeddings and no LLM, so replies are the persona fallbacks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.load()
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return e.close()
		},
	}
	root.PersistentFlags().StringVarP(&e.configPath, "config", "c", "", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(e),
		newChatCmd(e),
		newIngestCmd(e),
		newProfileCmd(e),
		newRouteCmd(e),
		newConsolidateCmd(e),
	)
	return root
}

// load reads the config and installs the logger.
func (e *env) load() error {
	cfg := config.Default()
	if e.configPath != "" {
		var err error
		cfg, err = config.Load(e.configPath)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found", e.configPath)
		}
		if err != nil {
			return err
		}
	}
	e.cfg = cfg
	e.level.Set(observe.ParseLevel(string(cfg.Server.LogLevel)))
	slog.SetDefault(slog.New(slog.NewTextHandler(e.logOut, &slog.HandlerOptions{Level: e.level})))
	return nil
}

// application builds the app from the config on first use.
func (e *env) application(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	providers, err := app.BuildProviders(ctx, e.cfg, reg, nil)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	a, err := app.New(ctx, e.cfg, providers, app.WithLevelVar(e.level))
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

// close shuts the app down if a command built one.
func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := e.app.Shutdown(ctx)
	e.app = nil
	return err
}
