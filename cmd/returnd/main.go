// cmd/returnd/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/goyaoxiang/lib-return-backend/internal/catalog"
	"github.com/goyaoxiang/lib-return-backend/internal/config"
	"github.com/goyaoxiang/lib-return-backend/internal/eventlog"
	"github.com/goyaoxiang/lib-return-backend/internal/fines"
	"github.com/goyaoxiang/lib-return-backend/internal/gateway"
	"github.com/goyaoxiang/lib-return-backend/internal/httpapi"
	"github.com/goyaoxiang/lib-return-backend/internal/identity"
	"github.com/goyaoxiang/lib-return-backend/internal/ledger"
	"github.com/goyaoxiang/lib-return-backend/internal/reconcile"
	"github.com/goyaoxiang/lib-return-backend/internal/returns"
	"github.com/goyaoxiang/lib-return-backend/internal/sessions"
	"github.com/goyaoxiang/lib-return-backend/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("RETURND_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "library-return-backend", cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Fatal("setup tracing", zap.Error(err))
	}
	defer shutdownTracing(context.Background())

	db, err := sql.Open("postgres", cfg.Database.DSN())
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("ping database", zap.Error(err))
	}

	catalogStore := catalog.NewStore(db)
	ledgerStore := ledger.NewStore(db)
	returnStore := returns.NewStore(db)
	journal := eventlog.NewJournal(db)
	committer := reconcile.NewCommitter(db, ledgerStore, returnStore, journal, cfg.Return.CopyStatus)
	resolver := identity.NewJWTResolver(cfg.Identity.JWTSecret)
	calculator := fines.NewCalculator(cfg.Fines.DailyRate, cfg.Fines.MaxAmount)

	var instructor gateway.Instructor = noopInstructor{}
	var unlocker httpapi.Unlocker = noopUnlocker{logger: logger}
	var mqttGateway *gateway.MQTTGateway

	engineCfg := reconcile.Config{
		Catalog:    catalogStore,
		Loans:      ledgerStore,
		Committer:  committer,
		Calculator: calculator,
		Resolver:   resolver,
		Logger:     logger,
		QueueSize:  cfg.Session.QueueSize,
		MaxTries:   cfg.Return.MaxRetries,
		MaxElapsed: cfg.Return.RetryMaxElapsed,
	}

	// The gateway and engine reference each other: the gateway feeds the
	// engine device events, the engine instructs the hardware back
	// through the gateway.
	var engine *reconcile.Engine
	if cfg.MQTT.Enabled {
		mqttGateway, err = gateway.NewMQTTGateway(cfg.MQTT, cfg.Session.UnlockCooldown, handlerFunc(func() *reconcile.Engine { return engine }), logger)
		if err != nil {
			logger.Fatal("build mqtt gateway", zap.Error(err))
		}
		instructor = mqttGateway
		unlocker = mqttGateway
	}
	engineCfg.Instructor = instructor
	engine = reconcile.New(engineCfg)
	defer engine.Stop()

	tracker := sessions.NewTracker(cfg.Session.Window, engine.FinalizeSession, logger)
	defer tracker.Stop()
	engine.AttachTracker(tracker)

	if mqttGateway != nil {
		if err := mqttGateway.Connect(); err != nil {
			logger.Fatal("connect mqtt broker", zap.Error(err))
		}
		defer mqttGateway.Disconnect()
	}

	loc := cfg.App.Location()
	go runOverdueSweep(ctx, ledgerStore, cfg.Return.OverdueSweepInterval, loc, logger)

	apiHandler := httpapi.NewHandler(
		catalogStore, ledgerStore, returnStore, engine, journal,
		resolver, unlocker, cfg.Return.LoanPeriodDays, loc, logger,
	)
	server := &http.Server{
		Addr:         cfg.App.Addr,
		Handler:      apiHandler.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.App.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
}

// runOverdueSweep periodically flips past-due active loans to overdue,
// evaluated against the library's business clock.
func runOverdueSweep(ctx context.Context, ldg ledger.Ledger, interval time.Duration, loc *time.Location, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ldg.MarkOverdue(ctx, time.Now().In(loc))
			if err != nil {
				logger.Error("overdue sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("loans marked overdue", zap.Int64("count", n))
			}
		}
	}
}

// handlerFunc defers handler resolution until the engine exists,
// breaking the gateway/engine construction cycle. Device events cannot
// arrive before Connect, which runs after the engine is built.
type handlerFunc func() *reconcile.Engine

func (h handlerFunc) HandleScan(ev gateway.ScanEvent) { h().HandleScan(ev) }

func (h handlerFunc) HandleSessionSignal(sig gateway.SessionSignal) { h().HandleSessionSignal(sig) }

func (h handlerFunc) HandleInventory(rep gateway.InventoryReport) { h().HandleInventory(rep) }

// noopInstructor stands in when the broker is disabled: app-driven
// scans report over HTTP and need no device instructions.
type noopInstructor struct{}

func (noopInstructor) SendItemResult(context.Context, string, gateway.ItemResult) error { return nil }
func (noopInstructor) SendSessionSummary(context.Context, gateway.SessionSummary) error { return nil }

type noopUnlocker struct{ logger *zap.Logger }

func (u noopUnlocker) SendUnlock(_ context.Context, boxID int64) error {
	u.logger.Warn("unlock requested with mqtt disabled", zap.Int64("box_id", boxID))
	return nil
}
