package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"chatgate/pkg/channel"
	"chatgate/pkg/channel/onebot"
	"chatgate/pkg/channel/telegram"
	"chatgate/pkg/config"
	"chatgate/pkg/gateway"
	"chatgate/pkg/logger"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run channel gateway mode",
	Long:  "Runs chatgate as a channel gateway with health, readiness and stats endpoints.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		adapters, err := enabledAdapters(cfg, appLogger)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(runCtx, cfg, adapters, appLogger)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return err
		}

		log.Info("Starting gateway",
			"channels", enabledChannelNames(adapters),
			"provider", cfg.Agents.Defaults.Provider,
			"model", cfg.Agents.Defaults.Model,
		)
		if err := svc.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Gateway runtime failed", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func enabledAdapters(cfg *config.Config, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure telegram channel: %w", err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.OneBot.Enabled {
		adapters = append(adapters, onebot.NewAdapter(cfg.Channels.OneBot, log))
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
