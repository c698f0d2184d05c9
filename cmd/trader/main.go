// Command trader runs the spread trading service: it brings up the gateway
// sessions, validates the day's candidate contracts, and loops scan and
// evaluation cycles until shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/cdodd/optcom/internal/config"
	"github.com/cdodd/optcom/internal/dashboard"
	"github.com/cdodd/optcom/internal/engine"
	"github.com/cdodd/optcom/internal/gateway"
	"github.com/cdodd/optcom/internal/ibapi"
	"github.com/cdodd/optcom/internal/marketdata"
	"github.com/cdodd/optcom/internal/orders"
	"github.com/cdodd/optcom/internal/resolver"
	"github.com/cdodd/optcom/internal/retry"
	"github.com/cdodd/optcom/internal/storage"
)

type trader struct {
	config  *config.Config
	gateway *gateway.Manager
	client  *ibapi.Client
	api     ibapi.API
	store   storage.Interface
	engine  *engine.Engine
	res     *resolver.Resolver
	metrics *dashboard.Metrics
	logger  *log.Logger
	date    string
}

func main() {
	var (
		configPath string
		date       string
		port       int
		once       bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&date, "date", "", "Scrape date to trade (YYYY-MM-DD, default today)")
	flag.IntVar(&port, "dashboard-port", 0, "Dashboard port override (implies the dashboard is enabled)")
	flag.BoolVar(&once, "once", false, "Run a single scan/evaluate cycle and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if port != 0 {
		cfg.Dashboard.Enabled = true
		cfg.Dashboard.Port = port
	}
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}

	logger := log.New(os.Stdout, "[TRADER] ", log.LstdFlags|log.Lshortfile)
	logger.Printf("Starting in %s mode, trading date %s", cfg.Environment.Mode, date)
	if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real money at risk")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("Shutdown signal received")
		cancel()
	}()

	t := &trader{config: cfg, logger: logger, date: date, metrics: dashboard.NewMetrics()}
	if err := t.run(ctx, once); err != nil {
		logger.Printf("Fatal: %v", err)
		os.Exit(1)
	}
	logger.Println("Stopped")
}

func (t *trader) run(ctx context.Context, once bool) error {
	cfg := t.config

	t.gateway = gateway.NewManager(gateway.NewScriptRunner(cfg.Gateway.ScriptPath), t.logger)
	t.gateway.StartTimeout = cfg.GetStartTimeout()
	t.gateway.PollInterval = cfg.GetPollInterval()
	t.gateway.TwoFAMaxWait = cfg.GetTwoFAMaxWait()
	t.gateway.TwoFARetryInterval = cfg.GetTwoFARetryInterval()

	ok, err := t.gateway.StartWithRetry(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("gateway did not reach a usable state")
	}
	t.metrics.ObserveTwoFARetries(t.gateway.TwoFARetries())

	// The API port refuses connections for a short window after the
	// gateway comes up, so the dial gets a bounded retry.
	client, err := retry.Do(ctx, t.logger, retry.DefaultConfig, "gateway dial",
		func(ctx context.Context) (*ibapi.Client, error) {
			return ibapi.Dial(ctx, cfg.Broker.Host, cfg.TradingPort(), cfg.Broker.ClientID, t.logger)
		})
	if err != nil {
		return err
	}
	t.client = client
	t.api = ibapi.NewCircuitBreakerAPI(client)
	defer func() {
		if err := t.client.Close(); err != nil {
			t.logger.Printf("Closing gateway connection: %v", err)
		}
	}()

	store, err := storage.NewGormStore(cfg.Storage.Path)
	if err != nil {
		return err
	}
	t.store = store
	defer func() {
		if err := t.store.Close(); err != nil {
			t.logger.Printf("Closing storage: %v", err)
		}
	}()

	md := marketdata.NewService(t.api, store, t.logger)
	t.res = resolver.New(t.api, store, t.logger)
	om := orders.NewManager(t.api, t.logger, orders.Config{TakeProfitRatio: cfg.Engine.TakeProfitRatio})
	t.engine = engine.New(store, md, t.res, om, t.api, t.logger, engine.Options{
		EnableTakeProfit:        cfg.Engine.EnableTakeProfit,
		AllowHistoricalFallback: cfg.Engine.AllowHistoricalFallback,
		AllowMarketClosed:       cfg.Engine.AllowMarketClosed,
	})
	defer t.engine.Wait()

	var srv *dashboard.Server
	if cfg.Dashboard.Enabled {
		srv = t.startDashboard()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				t.logger.Printf("Dashboard shutdown: %v", err)
			}
		}()
	}

	// Validate today's contracts up front, then on the daily schedule.
	t.validateContracts(ctx)
	if sched := cfg.Engine.ValidationSchedule; sched != "" {
		c := cron.New()
		if _, err := c.AddFunc(sched, func() { t.validateContracts(ctx) }); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	if once {
		t.cycle(ctx)
		return nil
	}

	interval := cfg.GetCycleInterval()
	t.logger.Printf("Cycling every %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t.cycle(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle runs one scan plus evaluation pass, skipping evaluation when the
// gateway has gone unhealthy mid-day.
func (t *trader) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	status, err := t.gateway.CheckIndividualStatus(ctx)
	if err != nil {
		t.logger.Printf("Gateway status check failed: %v", err)
	} else if !status.PaperHealthy() {
		t.logger.Println("Gateway unhealthy, attempting scoped restart")
		if ok, err := t.gateway.SmartRestart(ctx); err != nil || !ok {
			t.logger.Printf("Restart did not recover the gateway (ok=%v err=%v), skipping cycle", ok, err)
			return
		}
		t.metrics.ObserveGatewayRestart()
	}

	scan, err := t.engine.ScanTriggers(ctx, t.date)
	if err != nil {
		t.logger.Printf("Scan failed: %v", err)
		return
	}
	t.metrics.ObserveScan(scan)
	t.logger.Println(scan.String())

	eval, err := t.engine.EvaluateCandidates(ctx, t.date)
	if err != nil {
		t.logger.Printf("Evaluation failed: %v", err)
		return
	}
	t.metrics.ObserveEval(eval)
	t.logger.Println(eval.String())
}

func (t *trader) validateContracts(ctx context.Context) {
	stats, err := t.res.RunValidation(ctx, t.date)
	if err != nil {
		t.logger.Printf("Contract validation failed: %v", err)
		return
	}
	t.metrics.ObserveValidation(stats)
	t.logger.Printf("Contract validation: %s", stats)
}

func (t *trader) startDashboard() *dashboard.Server {
	dashLogger := logrus.New()
	if t.config.Environment.LogLevel == "debug" {
		dashLogger.SetLevel(logrus.DebugLevel)
	}
	srv := dashboard.NewServer(dashboard.Config{
		Port:      t.config.Dashboard.Port,
		AuthToken: os.Getenv("DASHBOARD_AUTH_TOKEN"),
	}, t.store, t.gateway, t.engine, t.metrics, dashLogger)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			t.logger.Printf("Dashboard server: %v", err)
		}
	}()
	return srv
}
