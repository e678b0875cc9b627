package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ananth-NQI/crm-intake-bot/internal/events"
	"github.com/Ananth-NQI/crm-intake-bot/internal/jobs"
	"github.com/Ananth-NQI/crm-intake-bot/internal/metrics"
	"github.com/Ananth-NQI/crm-intake-bot/internal/routes"
	"github.com/Ananth-NQI/crm-intake-bot/internal/services"
)

// Version is set via ldflags at build time.
var Version = "dev"

const shutdownTimeout = 20 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "crm-intake-bot",
		Short:         "WhatsApp intake bot for the CRM",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to an optional YAML config file")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newMigrateCmd(&configPath))
	cmd.AddCommand(newSendCmd(&configPath))
	cmd.AddCommand(newPurgeCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	rt, err := loadRuntime(configPath)
	if err != nil {
		return err
	}
	defer func() { _ = rt.log.Sync() }()
	cfg, log := rt.cfg, rt.log

	store, closeStore, err := openStore(cfg, log, true)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	oracle, err := services.NewOpenAIOracle(cfg.Oracle, m, log.Named("oracle"))
	if err != nil {
		return err
	}

	twilioService := services.NewTwilioService(cfg.Twilio, m, log.Named("twilio"))
	if !twilioService.Configured() {
		log.Warn("twilio credentials not found, replies will not be delivered")
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Named("events"))
		if err != nil {
			return err
		}
		publisher = nc
	}
	defer publisher.Close()

	sessions := services.NewSessionStore(store, cfg.Session.TTL, cfg.Session.PersistenceTimeout, log.Named("session"))
	whatsapp := services.NewWhatsAppService(services.WhatsAppDeps{
		Store:            store,
		Sessions:         sessions,
		Classifier:       services.NewIntentClassifier(oracle, log.Named("classifier")),
		Extractor:        services.NewEntityExtractor(oracle, log.Named("extractor")),
		Confirmer:        services.NewConfirmationGenerator(oracle, log.Named("confirmation")),
		Dispatcher:       twilioService,
		Publisher:        publisher,
		Metrics:          m,
		Logger:           log.Named("intake"),
		DefaultAccountID: cfg.Intake.DefaultAccountID,
		ReceiptTTL:       cfg.Session.ReceiptTTL,
		StoreTimeout:     cfg.Session.PersistenceTimeout,
	})

	purge := jobs.NewPurgeJob(store, cfg.Jobs.PurgeSchedule, m, log.Named("jobs"))
	if err := purge.Start(); err != nil {
		return err
	}

	app := fiber.New(fiber.Config{
		AppName: "CRM Intake Bot " + Version,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	// Middleware
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))

	routes.SetupRoutes(app, routes.Deps{
		Config:   cfg,
		Version:  Version,
		Store:    store,
		Sessions: sessions,
		WhatsApp: whatsapp,
		Twilio:   twilioService,
		Gatherer: registry,
		Logger:   log.Named("http"),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("crm intake bot starting",
			zap.String("addr", addr),
			zap.String("version", Version),
			zap.String("environment", cfg.Environment),
			zap.String("storage", storageName(cfg)),
			zap.Bool("whatsapp", twilioService.Configured()))
		return app.Listen(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("gracefully shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := app.ShutdownWithContext(shutdownCtx)

		// Turns already acknowledged to Twilio still need to run.
		drained := make(chan struct{})
		go func() {
			whatsapp.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-shutdownCtx.Done():
			log.Warn("shutdown timeout reached with turns still running")
		}

		purge.Stop(shutdownCtx)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crm-intake-bot %s\n", Version)
		},
	}
}

func main() {
	// Cloud Run starts the container without arguments.
	root := newRootCmd()
	if len(os.Args) == 1 {
		root.SetArgs([]string{"serve"})
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
