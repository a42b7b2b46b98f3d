package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/devricklin/autoreply/internal/biz"
	"github.com/devricklin/autoreply/internal/biz/usecase"
	"github.com/devricklin/autoreply/internal/conf"
	"github.com/devricklin/autoreply/internal/data"
	"github.com/devricklin/autoreply/internal/server"
	"github.com/devricklin/autoreply/internal/service"
)

func main() {
	// Load .env file
	envErr := godotenv.Load()

	// Load configuration
	cfg := conf.LoadFromEnv()
	log := newLogger(cfg)
	if envErr != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	accounts, err := conf.LoadAccounts(cfg.AccountsFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.AccountsFile).Msg("failed to load accounts")
	}

	// Initialize repository layer
	repos, cleanup, err := data.NewRepositories(cfg, accounts, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create repositories")
	}
	defer cleanup()
	log.Info().Str("db", cfg.Storage.DBPath).Strs("accounts", repos.Sessions.AccountIDs()).Msg("repositories ready")

	// Initialize usecase layer
	ucs := biz.Usecases{
		Native: usecase.NewNativeUsecase(repos.Settings, log),
		Intake: usecase.NewIntakeUsecase(repos.Settings, repos.Processed, repos.Cooldowns, cfg.ToIntakeConfig(), log),
	}

	// Initialize service layer
	maintCfg := service.MaintenanceConfig{
		LivenessInterval: cfg.Reconcile.LivenessInterval,
		PresenceMin:      cfg.Reconcile.PresenceMin,
		PresenceMax:      cfg.Reconcile.PresenceMax,
		Timeout:          cfg.Reconcile.TransportTimeout,
		Concurrency:      cfg.Reconcile.Concurrency,
	}
	supervisor := service.NewConnectionSupervisor(repos.Sessions, ucs.Intake, cfg.Reconcile.HandlerRetryDelay, log)
	poller := service.NewPollingScanner(repos.Sessions, ucs.Intake, repos.Checkpoints, cfg.Reconcile.DialogWindow, log)
	liveness := service.NewLivenessSupervisor(supervisor, maintCfg, log)
	presence := service.NewPresenceRefresher(supervisor, maintCfg, log)
	reconciler := service.NewReconciler(
		repos.Settings,
		repos.Sessions,
		ucs.Native,
		ucs.Intake,
		supervisor,
		poller,
		liveness,
		presence,
		service.ReconcilerConfig{
			RefreshInterval: cfg.Reconcile.RefreshInterval,
			Concurrency:     cfg.Reconcile.Concurrency,
			Timeout:         4 * cfg.Reconcile.TransportTimeout,
		},
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconciler.Start(ctx)

	// Initialize servers
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	admin := server.NewAdminServer(cfg.AdminAddr, reconciler, repos.Settings, log)
	go func() {
		if err := admin.Start(); err != nil {
			log.Error().Err(err).Msg("admin server error")
			stop()
		}
	}()

	if cfg.AMQP.URL != "" {
		consumer := server.NewSettingsConsumer(server.ConsumerConfig{
			URL:      cfg.AMQP.URL,
			Exchange: cfg.AMQP.Exchange,
			Queue:    cfg.AMQP.Queue,
		}, reconciler, log)
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("settings consumer stopped")
			}
		}()
	}

	log.Info().Str("admin_addr", cfg.AdminAddr).Msg("autoreply started")
	<-ctx.Done()

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("admin server shutdown")
	}
	reconciler.Stop()
}

func newLogger(cfg *conf.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}
