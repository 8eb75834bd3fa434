package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rcourtman/lotto-entitlements/internal/api"
	"github.com/rcourtman/lotto-entitlements/internal/billing"
	"github.com/rcourtman/lotto-entitlements/internal/config"
	"github.com/rcourtman/lotto-entitlements/internal/kvstore"
	"github.com/rcourtman/lotto-entitlements/internal/ledger"
	"github.com/rcourtman/lotto-entitlements/internal/logging"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
	"github.com/rcourtman/lotto-entitlements/internal/resolver"
	"github.com/rcourtman/lotto-entitlements/internal/store"
	"github.com/rcourtman/lotto-entitlements/internal/trial"
	"github.com/rcourtman/lotto-entitlements/internal/verification"
	"github.com/rcourtman/lotto-entitlements/internal/websocket"
	"github.com/rcourtman/lotto-entitlements/pkg/adpolicy"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "entitlements",
	Short:   "Lotto entitlement daemon",
	Long:    `Resolves the Free, Trial and Pro tiers from the trial clock, store purchases and the subscription server, and serves them to the app.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the entitlement daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("entitlements %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	addClientCommands(rootCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context) error {
	// Baseline logger for early startup messages
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "entitlements",
	})

	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "entitlements",
		FilePath:  cfg.LogFile,
	})
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("backend", cfg.BackendURL).
		Str("data_dir", cfg.DataDir).
		Msg("Starting entitlement daemon")

	kv, err := kvstore.OpenFile(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open key-value store: %w", err)
	}
	defer kv.Close()

	led, err := ledger.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open purchase ledger: %w", err)
	}
	defer led.Close()

	clock, err := trial.NewClock(kv)
	if err != nil {
		return fmt.Errorf("load trial clock: %w", err)
	}

	backend, err := verification.New(cfg.BackendURL,
		verification.WithBearerToken(cfg.BearerToken),
		verification.WithAttempts(cfg.VerifyAttempts),
		verification.WithBackoff(cfg.VerifyBackoff),
		verification.WithTimeout(cfg.RequestTimeout),
	)
	if err != nil {
		return fmt.Errorf("create backend client: %w", err)
	}
	if cfg.BearerToken == "" {
		log.Warn().Msg("ENTITLEMENTS_BEARER_TOKEN is not set; backend calls will be rejected")
	}

	// The store platform is simulated outside the app runtime.
	channel := billing.NewChannel(billing.NewSimulator(cfg.ProductID))

	st := store.New(kv, time.Now())
	if st.Restored() {
		log.Info().Str("tier", string(st.Current().Tier)).Msg("Restored last entitlement snapshot")
	}

	res, err := resolver.New(resolver.Deps{
		Backend: backend,
		Channel: channel,
		Ledger:  led,
		Clock:   clock,
		KV:      kv,
		Store:   st,
	}, resolver.Options{
		ProductID:    cfg.ProductID,
		SyncInterval: cfg.SyncInterval,
		GrantTTL:     cfg.OptimisticGrantTTL,
	})
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	ads, stopWatcher, err := loadAdPolicy(cfg.AdPolicyFile)
	if err != nil {
		return err
	}
	defer stopWatcher()

	hub := websocket.NewHub(func() any { return api.NewEntitlementPayload(st.Current()) })
	router := api.NewRouter(res, ads, trial.NewWarnings(kv), hub, Version)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return res.Run(ctx)
	})
	g.Go(func() error {
		api.ForwardEntitlements(ctx, st, hub)
		return nil
	})
	g.Go(func() error {
		return api.Serve(ctx, cfg.ListenAddr, router)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.MetricsAddr)
		})
	}

	err = g.Wait()
	_ = res.Close()
	res.Wait()
	log.Info().Msg("Entitlement daemon stopped")
	return err
}

// loadAdPolicy returns the ad policy holder, watching path for edits when a
// policy file is configured.
func loadAdPolicy(path string) (*adpolicy.Holder, func(), error) {
	if path == "" {
		return adpolicy.NewHolder(adpolicy.Default()), func() {}, nil
	}

	policy, err := adpolicy.LoadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load ad policy: %w", err)
	}
	holder := adpolicy.NewHolder(policy)

	watcher, err := adpolicy.NewWatcher(path, holder)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Ad policy hot reload disabled")
		return holder, func() {}, nil
	}
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Ad policy hot reload disabled")
		return holder, func() {}, nil
	}
	log.Info().Str("path", path).Msg("Watching ad policy for changes")
	return holder, watcher.Stop, nil
}
