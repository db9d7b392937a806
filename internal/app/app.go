package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/wisbric/filepilot/internal/audit"
	"github.com/wisbric/filepilot/internal/config"
	"github.com/wisbric/filepilot/internal/httpserver"
	"github.com/wisbric/filepilot/internal/platform"
	"github.com/wisbric/filepilot/internal/telemetry"
	"github.com/wisbric/filepilot/pkg/action"
	"github.com/wisbric/filepilot/pkg/duplicate"
	"github.com/wisbric/filepilot/pkg/events"
	"github.com/wisbric/filepilot/pkg/gateway"
	"github.com/wisbric/filepilot/pkg/messaging"
	"github.com/wisbric/filepilot/pkg/oracle"
	"github.com/wisbric/filepilot/pkg/organize"
	"github.com/wisbric/filepilot/pkg/registry"
	"github.com/wisbric/filepilot/pkg/scan"
	filepilotslack "github.com/wisbric/filepilot/pkg/slack"
	"github.com/wisbric/filepilot/pkg/token"
)

// Run is the main application entry point. It reads config, connects to
// infrastructure, and starts the appropriate mode (api or worker).
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting filepilot",
		"mode", cfg.Mode,
		"listen", cfg.ListenAddr(),
	)

	// Database
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Redis
	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	// Migrations.
	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	// Metrics
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// Shared services used by both modes.
	deps, err := buildServices(ctx, cfg, logger, db, rdb)
	if err != nil {
		return err
	}

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg, deps)
	case "worker":
		return runWorker(ctx, logger, deps)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// services bundles the wired domain services.
type services struct {
	tokens     *token.Service
	oauthCfg   *oauth2.Config
	bus        *events.Bus
	registry   *registry.Registry
	scans      *scan.Service
	duplicates *duplicate.Service
	organizer  *organize.Service
	actions    *action.Service
	dispatcher *messaging.Dispatcher
}

// buildServices wires the component graph: tokens feed the gateway, the
// gateway feeds the engines, the engines publish to the bus.
func buildServices(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client) (*services, error) {
	sealKey := cfg.CredentialSealKey
	if sealKey == "" {
		generated, err := token.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generating seal key: %w", err)
		}
		sealKey = generated
		logger.Info("credentials: using auto-generated seal key (set FILEPILOT_SEAL_KEY in production)")
	}
	sealer, err := token.NewSealer(sealKey)
	if err != nil {
		return nil, fmt.Errorf("creating credential sealer: %w", err)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.DriveOAuthClientID,
		ClientSecret: cfg.DriveOAuthClientSec,
		RedirectURL:  cfg.DriveOAuthRedirectURL,
		Scopes:       cfg.DriveOAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.DriveOAuthAuthURL,
			TokenURL: cfg.DriveOAuthTokenURL,
		},
	}

	tokens := token.NewService(db, sealer, oauthCfg,
		time.Duration(cfg.TokenRefreshSkewMs)*time.Millisecond, logger)

	transport := gateway.NewHTTPTransport(cfg.DriveAPIBaseURL)
	gw := gateway.New(transport, tokens, gateway.Config{
		RPS:             cfg.GatewayRPS,
		RetryMaxTries:   cfg.GatewayRetryMaxAttempts,
		FailuresToOpen:  cfg.GatewayCircuitFailures,
		CircuitCooldown: time.Duration(cfg.GatewayCircuitCooldownMs) * time.Millisecond,
		CallTimeout:     time.Duration(cfg.GatewayCallTimeoutMs) * time.Millisecond,
	}, logger)

	bus := events.NewBus(rdb, logger)
	reg := registry.New(rdb, logger)

	scanStore := scan.NewStore(db)
	scanEngine := scan.NewEngine(scanStore, gw, bus, reg, scan.EngineConfig{
		CheckpointEveryFiles: cfg.ScanCheckpointEveryFiles,
		CheckpointEvery:      time.Duration(cfg.ScanCheckpointEveryMs) * time.Millisecond,
		ProgressEmitEvery:    time.Duration(cfg.ScanProgressEmitMs) * time.Millisecond,
		OverallDeadline:      time.Duration(cfg.ScanDeadlineMin) * time.Minute,
	}, logger)
	scans := scan.NewService(ctx, scanStore, scanEngine, reg, scan.ServiceConfig{
		DefaultMaxDepth: cfg.ScanMaxDepth,
		MaxDepthCap:     cfg.ScanMaxDepthCap,
		OverallDeadline: time.Duration(cfg.ScanDeadlineMin) * time.Minute,
	}, logger)

	dupEngine := duplicate.NewEngine(scanStore, gw, duplicate.EngineConfig{
		ContentHashSizeCap:      cfg.DupContentHashSizeCap,
		ContentHashAggregateCap: cfg.DupContentHashAggregateCap,
	}, logger)
	duplicates := duplicate.NewService(dupEngine, scans, logger)

	// Classification oracle: the model-backed classifier when configured,
	// the deterministic fallback otherwise.
	var classifier oracle.Classifier = &oracle.NoopClassifier{Logger: logger}
	if cfg.AnthropicAPIKey != "" {
		classifier = oracle.NewAnthropicClassifier(cfg.AnthropicAPIKey, "",
			time.Duration(cfg.OracleTimeoutMs)*time.Millisecond, classifier, logger)
		logger.Info("model classification enabled")
	} else {
		logger.Info("model classification disabled (ANTHROPIC_API_KEY not set)")
	}
	analyzer := organize.NewAnalyzer(scanStore, classifier, organize.Thresholds{}, logger)
	organizer := organize.NewService(analyzer, scans, logger)

	actionStore := action.NewStore(db)
	actionEngine := action.NewEngine(actionStore, gw, bus, reg, action.EngineConfig{
		MaxConcurrencyCap:  cfg.ActionMaxConcurrencyCap,
		InterBatchCooldown: time.Duration(cfg.ActionInterBatchCooldownMs) * time.Millisecond,
		RollbackRetention:  time.Duration(cfg.ActionRollbackRetentionDays) * 24 * time.Hour,
		OverallDeadline:    time.Duration(cfg.ActionDeadlineMin) * time.Minute,
	}, logger)
	actions := action.NewService(ctx, actionStore, actionEngine, tokens,
		time.Duration(cfg.AuthFreshWindowMs)*time.Millisecond, logger)

	// Notification providers.
	msgRegistry := messaging.NewRegistry()
	slackNotifier := filepilotslack.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if slackNotifier.IsEnabled() {
		msgRegistry.Register(filepilotslack.NewProvider(slackNotifier, logger))
		logger.Info("slack integration enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack integration disabled (SLACK_BOT_TOKEN not set)")
	}
	dispatcher := messaging.NewDispatcher(rdb, msgRegistry, logger)

	return &services{
		tokens:     tokens,
		oauthCfg:   oauthCfg,
		bus:        bus,
		registry:   reg,
		scans:      scans,
		duplicates: duplicates,
		organizer:  organizer,
		actions:    actions,
		dispatcher: dispatcher,
	}, nil
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry, deps *services) error {
	// Audit log writer (async, buffered).
	auditWriter := audit.NewWriter(db, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	srv := httpserver.NewServer(cfg, logger, db, rdb, metricsReg)

	// Credential flow. The provider callback is public: it arrives from a
	// browser redirect without our identity headers.
	tokenHandler := token.NewHandler(deps.tokens, deps.oauthCfg, rdb, "/", logger)
	srv.Router.Get("/auth/callback", tokenHandler.HandleCallback)
	srv.APIRouter.Mount("/auth", tokenHandler.Routes())

	// Domain handlers.
	scanHandler := scan.NewHandler(deps.scans, deps.bus, logger, auditWriter)
	srv.APIRouter.Mount("/scan", scanHandler.Routes())

	dupHandler := duplicate.NewHandler(deps.duplicates, logger)
	srv.APIRouter.Mount("/duplicates", dupHandler.Routes())

	organizeHandler := organize.NewHandler(deps.organizer, logger)
	srv.APIRouter.Mount("/organization", organizeHandler.Routes())

	actionHandler := action.NewHandler(deps.actions, logger, auditWriter)
	srv.APIRouter.Mount("/batch", actionHandler.Routes())

	auditHandler := audit.NewHandler(db, logger)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	// Background workers that belong with the API process: notification
	// fan-out and resumption of scans interrupted by the last shutdown.
	go func() {
		if err := deps.dispatcher.Run(ctx); err != nil {
			logger.Error("notification dispatcher", "error", err)
		}
	}()
	if err := deps.scans.ResumeInterrupted(ctx); err != nil {
		logger.Error("resuming interrupted scans", "error", err)
	}

	httpSrv := &http.Server{
		Addr:        cfg.ListenAddr(),
		Handler:     srv,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the scan progress stream stays open for the
		// lifetime of a scan.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runWorker runs the background half only: scan resumption and the
// notification dispatcher. Useful when the API tier is scaled separately.
func runWorker(ctx context.Context, logger *slog.Logger, deps *services) error {
	logger.Info("worker started")

	if err := deps.scans.ResumeInterrupted(ctx); err != nil {
		logger.Error("resuming interrupted scans", "error", err)
	}

	return deps.dispatcher.Run(ctx)
}
