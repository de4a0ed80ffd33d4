package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	alertapi "github.com/qiniu/controlplane/internal/alerting/api"
	adb "github.com/qiniu/controlplane/internal/alerting/database"
	"github.com/qiniu/controlplane/internal/alerting/service/anomaly"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/autoheal"
	"github.com/qiniu/controlplane/internal/alerting/service/delivery"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
	"github.com/qiniu/controlplane/internal/alerting/service/registry"
	"github.com/qiniu/controlplane/internal/alerting/service/ruleset"
	"github.com/qiniu/controlplane/internal/config"
	"github.com/qiniu/controlplane/internal/middleware"
)

func main() {
	log.Info().Msg("Starting control plane server")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// optional postgres; every store falls back to memory without it
	var db *adb.Database
	if cfg.Database.Enabled {
		if db, err = adb.New(cfg.Database.DSN()); err != nil {
			log.Fatal().Err(err).Msg("alerting DB init failed")
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("alerting DB migrate failed")
		}
	}
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Error().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable; registry and observation windows will retry on use")
		}
	}

	a := &cfg.Alerting
	var (
		auditStore    audit.Store           = audit.NewMemStore()
		deliveryStore delivery.Store        = delivery.NewMemStore()
		ruleStore     ruleset.Store         = ruleset.NewMemStore()
		registryStore registry.Store        = registry.NewMemStore()
		observations  autoheal.Observations = autoheal.NewMemObservations()
	)
	if db != nil {
		auditStore = audit.NewPgStore(db)
		deliveryStore = delivery.NewPgStore(db)
		ruleStore = ruleset.NewPgStore(db)
	}
	if rdb != nil {
		registryStore = registry.NewRedisStore(rdb)
		observations = autoheal.NewRedisObservations(rdb)
	}

	ledger := audit.NewLedger(auditStore)
	ln := learner.New(learnerConfig(a.Learner), ledger)
	reg := registry.New(registryStore, a.Registry.HealthPath)
	detector := anomaly.NewDetector(anomalyConfig(a.Anomaly))

	dcfg := deliveryConfig(a.Delivery)
	engine := delivery.NewEngine(dcfg, delivery.Deps{
		Store:    deliveryStore,
		Sender:   delivery.NewHTTPSender(&http.Client{Timeout: dcfg.AttemptTimeout}, dcfg.RatePerTarget, dcfg.BearerToken),
		Auditor:  ledger,
		Observer: ln,
	})

	templates := ruleset.DefaultTemplates()
	if a.Ruleset.CatalogFile != "" {
		if templates, err = ruleset.LoadCatalog(a.Ruleset.CatalogFile); err != nil {
			log.Fatal().Err(err).Msg("load alert rule catalog failed")
		}
	}
	rules := ruleset.NewManager(ruleStore, engine, ledger, templates, nil)
	if err := rules.LoadRules(ctx); err != nil {
		log.Fatal().Err(err).Msg("load alert rules failed")
	}
	engine.SetRules(rules)

	heal := autoheal.New(autohealConfig(a.Autoheal), autoheal.Deps{
		Services:     reg,
		Observations: observations,
		Signals:      rules,
		Auditor:      ledger,
		Feedback:     ln,
		Snapshot:     ln.Snapshot,
	})

	go detector.Run(ctx, config.ParseDuration(a.Anomaly.Interval, 30*time.Second))
	go rules.Consume(ctx, detector.Signals(), ln.Snapshot)
	go engine.StartScheduler(ctx)
	go heal.Run(ctx)
	if a.Anomaly.Prometheus.URL != "" {
		src, err := anomaly.NewPromSource(a.Anomaly.Prometheus.URL, a.Anomaly.Prometheus.Queries,
			config.ParseDuration(a.Anomaly.Prometheus.QueryTimeout, 10*time.Second), detector)
		if err != nil {
			log.Error().Err(err).Msg("prometheus source disabled")
		} else {
			go src.Run(ctx, config.ParseDuration(a.Anomaly.Prometheus.Interval, time.Minute))
		}
	}

	stats := middleware.NewRequestStats()
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(stats.Middleware(), middleware.RequestLog, middleware.Authentication(cfg.Auth))
	alertapi.NewApi(router, alertapi.Deps{
		Registry:      reg,
		Detector:      detector,
		Rules:         rules,
		Deliveries:    engine,
		Autoheal:      heal,
		Learner:       ln,
		Ledger:        ledger,
		Stats:         stats,
		OperatorLimit: a.Audit.OperatorLimit,
	})

	srv := &http.Server{Addr: cfg.Server.BindAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("start control plane server failed.")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ParseDuration(cfg.Server.ShutdownTimeout, 15*time.Second))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("control plane server exit...")
}
