package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/gregtusar/replicator/api"
	"github.com/gregtusar/replicator/internal/config"
	"github.com/gregtusar/replicator/pkg/coinbase"
	"github.com/gregtusar/replicator/pkg/metrics"
	"github.com/gregtusar/replicator/pkg/models"
	"github.com/gregtusar/replicator/pkg/rebalancer"
	"github.com/gregtusar/replicator/pkg/report"
	"github.com/gregtusar/replicator/pkg/replicator"
	"github.com/gregtusar/replicator/pkg/store"
	"github.com/gregtusar/replicator/pkg/tracker"
	"github.com/gregtusar/replicator/pkg/venue"
	"github.com/gregtusar/replicator/pkg/venue/paper"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"

	cfgFile      string
	reportMarket string
	logger       *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "replicator",
		Short: "Order book liquidity replicator",
		Long:  `Mirrors the depth of a source exchange onto a target venue as resting limit orders and hedges the resulting fills back on the source`,
		Run:   runReplicator,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start replicating (default)",
		Run:   runReplicator,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "balances",
		Short: "Print source and target balances",
		Run:   runBalances,
	})
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Net closed Coinbase orders into per-market inventory changes",
		Run:   runReport,
	}
	reportCmd.Flags().StringVar(&reportMarket, "market", "", "only report this market")
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open log file")
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
	}
	return cfg
}

// venues holds the wired source and target. paperTarget is set when the
// target is simulated.
type venues struct {
	source      venue.Venue
	target      venue.Venue
	paperTarget *paper.Venue
	feeds       []*coinbase.Feed
}

func (v *venues) close() {
	for _, f := range v.feeds {
		f.Close()
	}
}

func coinbaseSettings(cfg *config.Config) (coinbase.Authenticator, coinbase.FeedConfig, coinbase.Config, error) {
	cb := cfg.Coinbase
	auth, err := coinbase.NewAuthenticator(coinbase.Credentials{
		AuthType:      coinbase.AuthType(cb.AuthType),
		APIKey:        cb.APIKey,
		APISecret:     cb.APISecret,
		Passphrase:    cb.Passphrase,
		APIKeyName:    cb.APIKeyName,
		PrivateKeyPEM: cb.PrivateKeyPEM,
	})
	if err != nil {
		return nil, coinbase.FeedConfig{}, coinbase.Config{}, fmt.Errorf("coinbase credentials: %w", err)
	}

	feedURL := cb.WebSocket.URL
	if cb.Sandbox && feedURL == coinbase.DefaultFeedURL {
		feedURL = coinbase.SandboxFeedURL
	}
	feedCfg := coinbase.FeedConfig{
		URL: feedURL,
		Backoff: coinbase.Backoff{
			Min:    cb.WebSocket.ReconnectDelay,
			Max:    cb.WebSocket.MaxReconnectDelay,
			Factor: 2.0,
			Jitter: 0.2,
		},
		MaxReconnects: cb.WebSocket.MaxReconnects,
	}
	restCfg := coinbase.Config{
		RestURL:   cb.RestURL,
		Sandbox:   cb.Sandbox,
		Timeout:   cb.Timeout,
		RateLimit: cb.RateLimit.PerSecond,
		Burst:     cb.RateLimit.Burst,
	}
	return auth, feedCfg, restCfg, nil
}

func buildVenues(cfg *config.Config) (*venues, error) {
	auth, feedCfg, restCfg, err := coinbaseSettings(cfg)
	if err != nil {
		return nil, err
	}

	v := &venues{}
	switch cfg.Target.Venue {
	case "paper":
		// book data only; paper hedges never leave the process
		feed := coinbase.NewFeed(feedCfg, nil, logger)
		v.feeds = append(v.feeds, feed)
		v.source = paper.New("source", logger, paper.WithFeed(feed), paper.WithImmediateFill())
		v.paperTarget = paper.New("target", logger)
		v.target = v.paperTarget
	case "coinbase":
		if auth == nil {
			return nil, fmt.Errorf("target venue coinbase: %w", coinbase.ErrNotAuthenticated)
		}
		sourceFeed := coinbase.NewFeed(feedCfg, auth, logger)
		targetFeed := coinbase.NewFeed(feedCfg, auth, logger)
		v.feeds = append(v.feeds, sourceFeed, targetFeed)
		v.source = coinbase.NewClient("source", restCfg, auth, sourceFeed, logger)
		v.target = coinbase.NewClient("target", restCfg, auth, targetFeed, logger)
	default:
		return nil, fmt.Errorf("%w: unknown target venue %q", config.ErrInvalid, cfg.Target.Venue)
	}
	return v, nil
}

func symbols(markets []models.MarketSpec, source bool) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range markets {
		s := m.Symbol
		if source {
			s = m.SourceSymbol
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func anyRebalance(markets []models.MarketSpec) bool {
	for _, m := range markets {
		if m.Rebalance {
			return true
		}
	}
	return false
}

func runReplicator(cmd *cobra.Command, args []string) {
	cfg := setup()

	markets, err := cfg.ResolveMarkets()
	if err != nil {
		logger.WithError(err).Fatal("Invalid market configuration")
	}
	tolerance, err := cfg.Tolerance()
	if err != nil {
		logger.WithError(err).Fatal("Invalid engine configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	v, err := buildVenues(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build venues")
	}
	defer v.close()

	m := metrics.New()

	var publisher rebalancer.Publisher
	if cfg.Redis.Enabled {
		redisPublisher, err := store.NewRedisPublisher(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.TTL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to redis")
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
	}

	t := tracker.New(tracker.Config{
		Tolerance: tolerance,
		Staleness: cfg.Engine.StalenessWindow,
	}, v.target, logger, m)

	engine := replicator.NewEngine(replicator.Config{
		RefreshInterval: cfg.Engine.RefreshInterval,
		BalanceInterval: cfg.Engine.BalanceInterval,
		PriceDigits:     cfg.Engine.PriceSignificantDigits,
		QuantityPlaces:  cfg.Engine.QuantityDecimals,
	}, markets, v.source, v.target, t, m, logger)

	var rb *rebalancer.Rebalancer
	if anyRebalance(markets) {
		rb = rebalancer.New(markets, v.source, publisher, m, logger)
		v.target.HandleMatch(rb.Handle)
	} else {
		v.target.HandleMatch(func(fill models.Fill) {
			logger.WithFields(logrus.Fields{
				"market":   fill.Market,
				"order_id": fill.OrderID,
				"price":    fill.Price.String(),
				"quantity": fill.Quantity.String(),
			}).Info("Fill")
		})
	}
	v.target.HandleOrderEvent(engine.HandleOrderEvent)
	// the source only hedges; its fills need no handling
	v.source.HandleMatch(func(models.Fill) {})
	v.source.HandleOrderEvent(func(models.OrderEvent) {})

	if err := v.source.SubscribeMarkets(ctx, symbols(markets, true)); err != nil {
		logger.WithError(err).Fatal("Failed to subscribe source markets")
	}
	if err := v.target.SubscribeMarkets(ctx, symbols(markets, false)); err != nil {
		logger.WithError(err).Fatal("Failed to subscribe target markets")
	}

	// an order we can neither adopt nor cancel would rest unmanaged
	if _, err := engine.Reconcile(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to reconcile resting orders")
	}

	if err := engine.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start replication engine")
	}

	if v.paperTarget != nil && cfg.Target.Paper.FillFromSource {
		sweeper := paper.NewSweeper(v.paperTarget, v.source, markets, cfg.Target.Paper.SweepInterval, logger)
		go sweeper.Run(ctx)
	}

	var apiServer *api.Server
	if cfg.Server.Enabled {
		var positions api.PositionSource
		if rb != nil {
			positions = rb
		}
		apiServer = api.NewServer(engine, positions, m, logger, cfg.Server.Port)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.WithError(err).Fatal("Failed to start API server")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithFields(logrus.Fields{
		"target":  v.target.Name(),
		"markets": symbols(markets, false),
	}).Info("Replicator is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	if apiServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("API server shutdown")
		}
		shutdownCancel()
	}

	engine.Stop()
	if rb != nil {
		rb.Stop()
	}
	cancel()

	logger.Info("Replicator stopped")
}

func runBalances(cmd *cobra.Command, args []string) {
	cfg := setup()

	v, err := buildVenues(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build venues")
	}
	defer v.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ven := range []venue.Venue{v.source, v.target} {
		balances, err := ven.GetBalances(ctx)
		if err != nil {
			logger.WithError(err).WithField("venue", ven.Name()).Error("Failed to get balances")
			continue
		}
		assets := make([]string, 0, len(balances))
		for asset := range balances {
			assets = append(assets, asset)
		}
		sort.Strings(assets)

		fmt.Printf("%s:\n", ven.Name())
		for _, asset := range assets {
			b := balances[asset]
			fmt.Printf("  %-8s available=%s hold=%s balance=%s\n", asset, b.Available, b.Hold, b.Balance)
		}
	}
}

func runReport(cmd *cobra.Command, args []string) {
	cfg := setup()

	auth, feedCfg, restCfg, err := coinbaseSettings(cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to configure coinbase")
	}
	if auth == nil {
		logger.WithError(coinbase.ErrNotAuthenticated).Fatal("Report needs coinbase credentials")
	}
	client := coinbase.NewClient("report", restCfg, auth, coinbase.NewFeed(feedCfg, auth, logger), logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	orders, err := client.GetDone(ctx, reportMarket)
	if err != nil {
		logger.WithError(err).Fatal("Failed to list done orders")
	}

	lines, totals := report.Net(orders)
	now := time.Now()
	for _, l := range lines {
		age := now.Sub(l.Order.DoneAt).Truncate(time.Second)
		fmt.Printf("%-10s %-10s quote=%s base=%s\n", age, l.Order.Market, l.Net.Quote.StringFixed(2), l.Net.Base)
	}
	fmt.Println("----total----")
	for _, t := range totals {
		fmt.Printf("%-10s orders=%d quote=%s base=%s\n", t.Market, t.Orders, t.Net.Quote.StringFixed(2), t.Net.Base)
	}
}
