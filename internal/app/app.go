package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lnfeetuner/internal/alerting"
	"lnfeetuner/internal/config"
	"lnfeetuner/internal/decisionlog"
	"lnfeetuner/internal/emitter"
	"lnfeetuner/internal/lnd"
	"lnfeetuner/internal/scheduler"
	"lnfeetuner/internal/service"
	"lnfeetuner/internal/state"
	"lnfeetuner/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newService(ctx context.Context, mode service.Mode, withScheduler bool) (*service.Service, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; decision archive disabled")
	}

	deps := service.Deps{
		Client:    lnd.NewClient(a.Config.Node, a.Logger),
		States:    state.NewStore(a.Config.Paths.StateFile, a.Logger),
		RunLock:   state.NewRunLock(a.Config.Paths.LockFile, 2*a.Config.Scheduler.Interval),
		Writer:    emitter.NewWriter(a.Config.Paths.OutputFile, a.Logger),
		Decisions: decisionlog.New(a.Config.Paths.DecisionLog, a.Logger),
		Notifier:  a.newNotifier(),
	}
	if store != nil {
		deps.Samples = store
		deps.Archive = store
		deps.Locker = store
	}
	if withScheduler {
		deps.Scheduler = scheduler.New(scheduler.Options{
			Interval:      a.Config.Scheduler.Interval,
			AlignToBucket: a.Config.Scheduler.AlignToBucket,
			StartupDelay:  a.Config.Scheduler.StartupDelay,
		}, a.Logger)
	}

	svc := service.New(a.Config, deps, mode, a.Logger)
	closer := func() {
		if closeStore != nil {
			closeStore()
		}
	}
	return svc, closer, nil
}

// Run executes the long-running tuning service.
func (a *App) Run(ctx context.Context, mode service.Mode) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, closer, err := a.newService(ctx, mode, true)
	if err != nil {
		return err
	}
	defer closer()

	a.Logger.Info().Str("mode", string(mode)).Msg("starting fee tuning service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("fee tuning service stopped")
	return nil
}

// Once executes a single cycle and exits.
func (a *App) Once(ctx context.Context, mode service.Mode) error {
	svc, closer, err := a.newService(ctx, mode, false)
	if err != nil {
		return err
	}
	defer closer()

	return svc.RunOnce(ctx)
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Section   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command. When Section is set the command
// lists that channel's recent samples instead of the decision history.
type ShowOptions struct {
	Limit   int
	Section string
}

// StateOptions configure the state command.
type StateOptions struct {
	Section string
}
