package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rawblock/aml-engine/internal/aml"
	"github.com/rawblock/aml-engine/internal/api"
	"github.com/rawblock/aml-engine/internal/bitcoin"
	"github.com/rawblock/aml-engine/internal/config"
	"github.com/rawblock/aml-engine/internal/db"
	"github.com/rawblock/aml-engine/internal/metrics"
	"github.com/rawblock/aml-engine/internal/notify"
	"github.com/rawblock/aml-engine/internal/profile"
	"github.com/rawblock/aml-engine/internal/scanner"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Local development: cp .env.example .env && edit .env
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded, using process environment")
	}

	cfg, err := config.Load(".")
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	logger.SetLevel(cfg.ParsedLogLevel())

	detectorCfg, err := cfg.DetectorConfig()
	if err != nil {
		logger.WithError(err).Fatal("Invalid detector configuration")
	}

	logger.WithField("ledger", cfg.LedgerSource).Info("Starting RawBlock AML typology engine...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Postgres: ledger table, profile backend, alert archive ─────────
	var store *db.PostgresStore
	if cfg.DatabaseURL != "" {
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		store, err = db.Connect(connectCtx, cfg.DatabaseURL, logger)
		connectCancel()
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to PostgreSQL, continuing without persistence")
			store = nil
		} else {
			defer store.Close()
			store.TraceDepth = detectorCfg.MaxHops
			if err := store.InitSchema(ctx); err != nil {
				logger.WithError(err).Warn("DB schema init failed")
			}
		}
	}

	// ─── Bitcoin node: on-demand activity and block ingest ──────────────
	var btcClient *bitcoin.Client
	if cfg.BTCRPCUser != "" {
		btcClient, err = bitcoin.NewClient(bitcoin.Config{
			Host:    cfg.BTCRPCHost,
			User:    cfg.BTCRPCUser,
			Pass:    cfg.BTCRPCPass,
			Network: cfg.BTCNetwork,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to Bitcoin RPC")
			btcClient = nil
		} else {
			defer btcClient.Shutdown()
		}
	}

	var ledger aml.LedgerSource
	switch cfg.LedgerSource {
	case config.LedgerBitcoin:
		if btcClient == nil {
			logger.Fatal("LEDGER_SOURCE=bitcoin requires a reachable node (BTC_RPC_USER/BTC_RPC_PASS)")
		}
		activity := bitcoin.NewActivitySource(btcClient, logger)
		activity.MaxDepth = detectorCfg.MaxHops
		ledger = activity
	default:
		if store == nil {
			logger.Fatal("LEDGER_SOURCE=postgres requires DATABASE_URL")
		}
		ledger = store
	}

	var profiles *profile.Store
	if store != nil {
		profiles = profile.NewStore(store)
	} else {
		profiles = profile.NewStore(nil)
	}

	recorder := metrics.New(nil)
	alerts := aml.NewAlertGenerator(detectorCfg.Alerts, logger, recorder.AlertSuppressed)
	engine := aml.NewEngine(ledger, profiles, detectorCfg, alerts, logger)

	wsHub := api.NewHub(logger)
	go wsHub.Run()

	var archive notify.Archive
	var history api.AlertHistory
	if store != nil {
		archive = store
		history = store
	}
	dispatcher := notify.NewDispatcher(archive, api.BroadcastAlert(wsHub), logger)
	minSeverity, err := aml.ParseSeverity(cfg.WebhookMinSeverity)
	if err != nil {
		logger.WithError(err).Warn("Invalid WEBHOOK_MIN_SEVERITY, using high")
		minSeverity = aml.SeverityHigh
	}
	for i, url := range config.SplitList(cfg.WebhookURLs) {
		dispatcher.RegisterWebhook(fmt.Sprintf("webhook-%d", i+1), url, minSeverity, nil)
	}

	// Block ingest feeds the postgres ledger table
	var blockScanner *scanner.BlockScanner
	if btcClient != nil && store != nil {
		blockScanner = scanner.NewBlockScanner(btcClient, store, logger)
	}

	var ping func(ctx context.Context) error
	if store != nil {
		ping = store.Ping
	}

	r := api.SetupRouter(api.Options{
		Engine:          engine,
		Profiles:        profiles,
		Dispatcher:      dispatcher,
		Archive:         history,
		Scanner:         blockScanner,
		Metrics:         recorder,
		Hub:             wsHub,
		Ping:            ping,
		AuthToken:       cfg.APIAuthToken,
		AllowedOrigins:  cfg.AllowedOrigins,
		RateLimitPerMin: cfg.RateLimitPerMin,
		RateLimitBurst:  cfg.RateLimitBurst,
		Logger:          logger,
	})

	logger.WithField("port", cfg.Port).Info("Engine running")
	if err := r.Run(":" + cfg.Port); err != nil {
		logger.WithError(err).Fatal("Failed to start server")
	}
}
