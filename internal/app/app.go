package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"compliance-guardian/internal/alerting"
	"compliance-guardian/internal/api"
	"compliance-guardian/internal/chain"
	"compliance-guardian/internal/config"
	"compliance-guardian/internal/guardian"
	"compliance-guardian/internal/logging"
	"compliance-guardian/internal/metrics"
	"compliance-guardian/internal/scheduler"
	"compliance-guardian/internal/service"
	"compliance-guardian/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
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

func (a *App) newAuthenticator() (*api.Authenticator, error) {
	srv := a.Config.Server
	return api.NewAuthenticator(srv.JWTSecret, srv.JWTIssuer, srv.TokenTTL)
}

// newGuardian builds a guardian over ledger from config and grants the
// configured bootstrap roles as the admin. A nil ledger starts empty.
func (a *App) newGuardian(ctx context.Context, ledger *guardian.Ledger, opts ...guardian.Option) (*guardian.Guardian, error) {
	gc := a.Config.Guardian
	if gc.Admin == "" {
		return nil, errors.New("guardian.admin is required")
	}
	policy, err := gc.Policy()
	if err != nil {
		return nil, err
	}

	admin := common.HexToAddress(gc.Admin)
	g, err := guardian.New(admin, policy, ledger, append(opts, guardian.WithLogger(a.Logger))...)
	if err != nil {
		return nil, err
	}

	adminCtx := guardian.WithCaller(ctx, admin)
	for _, addr := range gc.TrustedContracts {
		if err := g.SetTrustedContract(adminCtx, common.HexToAddress(addr), true); err != nil {
			return nil, fmt.Errorf("bootstrap trusted contract %s: %w", addr, err)
		}
	}
	grants := []struct {
		role    guardian.Role
		members []string
	}{
		{guardian.RoleMonitor, gc.Monitors},
		{guardian.RoleAuditor, gc.Auditors},
	}
	for _, grant := range grants {
		for _, addr := range grant.members {
			if err := g.GrantRole(adminCtx, grant.role, common.HexToAddress(addr)); err != nil {
				return nil, fmt.Errorf("bootstrap %s %s: %w", grant.role, addr, err)
			}
		}
	}
	return g, nil
}

// Serve runs the HTTP API and, when enabled, the scheduled compliance cycle.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	auth, err := a.newAuthenticator()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	deps := service.Deps{
		Notifier: a.newNotifier(),
		Metrics:  metrics.New(),
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		defer closeStore()
		if err := store.Migrate(ctx, a.Config.Database.MigrationsPath); err != nil {
			return err
		}
		deps.Violations = store
		deps.Signals = store
		deps.Scores = store
		deps.State = store
		deps.Locker = store
	}

	if a.Config.Scheduler.Enabled {
		sched, err := scheduler.New(scheduler.Options{
			Interval:      a.Config.Scheduler.Interval,
			AlignToPeriod: a.Config.Scheduler.AlignToBucket,
			StartupDelay:  a.Config.Scheduler.StartupDelay,
		}, a.Logger)
		if err != nil {
			return err
		}
		deps.Scheduler = sched
	}

	minSeverity, err := guardian.ParseSeverity(a.Config.Alerting.MinSeverity)
	if err != nil {
		return err
	}
	lineage, err := a.Config.Guardian.Lineage()
	if err != nil {
		return err
	}
	opts := service.Options{
		Instance:    lineage,
		LockKey:     a.Config.Scheduler.AdvisoryLockKey,
		AlertsOn:    a.Config.Alerting.Enabled,
		MinSeverity: minSeverity,
		Channels:    a.Config.Alerting.Channels,
	}
	if len(a.Config.Guardian.Auditors) > 0 {
		opts.Auditor = common.HexToAddress(a.Config.Guardian.Auditors[0])
	}
	if deps.Scheduler != nil && opts.Auditor == (common.Address{}) {
		return errors.New("scheduler.enabled requires at least one guardian.auditors entry")
	}
	svc := service.New(deps, opts, a.Logger)

	guardianOpts := []guardian.Option{guardian.WithSignalSink(svc)}
	var blocks *chain.BlockSource
	if a.Config.Ethereum.RPCURL != "" {
		blocks = chain.NewBlockSource(chain.Options{
			RPCURL:       a.Config.Ethereum.RPCURL,
			Timeout:      a.Config.Ethereum.RequestTimeout,
			PollInterval: a.Config.Ethereum.PollInterval,
		}, a.Logger)
		defer blocks.Close()
		guardianOpts = append(guardianOpts, guardian.WithBlockSource(blocks))
	}

	ledger, err := svc.RestoreLedger(ctx)
	if err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	g, err := a.newGuardian(ctx, ledger, guardianOpts...)
	if err != nil {
		return err
	}
	svc.Attach(g)

	server := api.NewServer(a.Config.Server, g, auth, deps.Metrics, a.Logger)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if blocks != nil {
		group.Go(func() error {
			err := blocks.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	if deps.Scheduler != nil {
		group.Go(func() error {
			err := svc.Run(gctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	a.Logger.Info().Str("instance", svc.Instance().String()).Msg("compliance guardian started")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("guardian terminated with error")
		return err
	}

	a.Logger.Info().Msg("compliance guardian stopped")
	return nil
}

// IssueToken signs a caller token for addr.
func (a *App) IssueToken(addr string) (string, time.Time, error) {
	if !common.IsHexAddress(addr) {
		return "", time.Time{}, fmt.Errorf("%q is not a hex address", addr)
	}
	auth, err := a.newAuthenticator()
	if err != nil {
		return "", time.Time{}, err
	}
	return auth.Issue(common.HexToAddress(addr))
}

// ExportOptions hold parameters for exporting the audit trail.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
	Filter    ViolationFilter
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
