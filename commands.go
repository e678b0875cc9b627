package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Ananth-NQI/crm-intake-bot/database"
	"github.com/Ananth-NQI/crm-intake-bot/internal/config"
	"github.com/Ananth-NQI/crm-intake-bot/internal/jobs"
	"github.com/Ananth-NQI/crm-intake-bot/internal/logging"
	"github.com/Ananth-NQI/crm-intake-bot/internal/metrics"
	"github.com/Ananth-NQI/crm-intake-bot/internal/models"
	"github.com/Ananth-NQI/crm-intake-bot/internal/services"
	"github.com/Ananth-NQI/crm-intake-bot/internal/storage"
)

type bootstrap struct {
	cfg *config.Config
	log *zap.Logger
}

// loadRuntime reads .env, the config file and the environment, and builds the logger.
func loadRuntime(configPath string) (*bootstrap, error) {
	loadedEnv := config.LoadDotEnv()

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	if loadedEnv {
		log.Debug("loaded .env file")
	}
	return &bootstrap{cfg: cfg, log: log}, nil
}

// openStore returns the configured store and a func that releases it.
func openStore(cfg *config.Config, log *zap.Logger, migrate bool) (storage.Store, func(), error) {
	if cfg.Database.UseMemory {
		log.Warn("using in-memory storage (not for production!)")
		return storage.NewMemoryStore(), func() {}, nil
	}

	db, err := database.Connect(cfg.Database, log)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if migrate {
		log.Info("running database migrations")
		if err := database.Migrate(db); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return storage.NewDatabaseStore(db), closeDB, nil
}

func storageName(cfg *config.Config) string {
	if cfg.Database.UseMemory {
		return "memory"
	}
	return cfg.Database.Driver
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			if rt.cfg.Database.UseMemory {
				return fmt.Errorf("migrate: in-memory storage has no schema")
			}
			_, closeStore, err := openStore(rt.cfg, rt.log, true)
			if err != nil {
				return err
			}
			closeStore()
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied")
			return nil
		},
	}
}

func newSendCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "send <number> <message...>",
		Short: "Send a WhatsApp message through Twilio",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			number := models.NormalizePhone(args[0])
			if number == "" {
				return fmt.Errorf("send: invalid number %q", args[0])
			}

			twilioService := services.NewTwilioService(rt.cfg.Twilio, nil, rt.log)
			sid, err := twilioService.SendText(cmd.Context(), number, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s\n", sid)
			return nil
		},
	}
}

func newPurgeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired sessions and inbound receipts once",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime(*configPath)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(rt.cfg, rt.log, false)
			if err != nil {
				return err
			}
			defer closeStore()

			job := jobs.NewPurgeJob(store, rt.cfg.Jobs.PurgeSchedule, metrics.New(prometheus.NewRegistry()), rt.log)
			ctx, cancel := context.WithTimeout(cmd.Context(), rt.cfg.Session.PersistenceTimeout*6)
			defer cancel()
			result, err := job.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d sessions, %d receipts\n", result.Sessions, result.Receipts)
			return nil
		},
	}
}
