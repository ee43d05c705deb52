package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sarathi/internal/config"
	"github.com/MrWong99/sarathi/internal/observe"
)

func newServeCmd(e *env) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves the chat, profile, document and knowledge endpoints together
with /healthz, /readyz and /metrics. When --config is given the file is
watched and router, profile, retrieval and chunking changes apply live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			// Telemetry first so the default metrics bind to its meter provider.
			tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "sarathi"})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(sctx); err != nil {
					slog.Warn("telemetry shutdown error", "err", err)
				}
			}()

			a, err := e.application(ctx)
			if err != nil {
				return err
			}

			if e.configPath != "" && !noWatch {
				w, err := config.NewWatcher(e.configPath, a.OnConfigChange)
				if err != nil {
					return err
				}
				defer w.Stop()
				slog.Info("watching config", "path", e.configPath)
			}

			slog.Info("sarathi starting",
				"listen_addr", e.cfg.Server.ListenAddr,
				"backend", e.cfg.Memory.Backend,
				"llm", e.cfg.Providers.LLM.Name,
				"embeddings", e.cfg.Providers.Embeddings.Name,
				"consolidation", e.cfg.Memory.Consolidation.Enabled,
			)
			err = a.Run(ctx, tel)
			if errors.Is(err, context.Canceled) {
				slog.Info("shutdown signal received, stopping")
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}
