// cmd/historian drains match events from the Redis queue into Postgres.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/config"
	"github.com/jason-s-yu/quizduel/internal/database"
	"github.com/jason-s-yu/quizduel/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	log.SetFlags(0)
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	cfg := &config.HistorianConfig{}

	cmd := &cobra.Command{
		Use:           "quizduel-historian",
		Short:         "Persists match events pushed by quizduel servers.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()
	cfg.RegisterFlags(fs)
	config.BindEnv(fs)

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	return cmd
}

func run(ctx context.Context, cfg *config.HistorianConfig) error {
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}

	rdb, err := cache.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	logger.WithFields(logrus.Fields{"queue": cfg.Queue, "batch_size": cfg.BatchSize}).Info("historian started")
	d := historian.NewDrainer(rdb, cfg.Queue, database.NewEventSink(pool), cfg.BatchSize, cfg.FlushDelay, logger)
	if err := d.Run(ctx); err != nil {
		return err
	}
	logger.Info("historian stopped")
	return nil
}
