package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/rcourtman/lotto-entitlements/internal/backend/registry"
	"github.com/rcourtman/lotto-entitlements/internal/config"
)

// Run starts the subscription server and its expiry sweeper, and blocks
// until ctx is cancelled.
func Run(ctx context.Context, cfg *config.ServerConfig, version string) error {
	log.Info().Str("version", version).Msg("Starting subscription server")

	reg, err := registry.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open subscription registry: %w", err)
	}
	defer reg.Close()

	var verifier Verifier = LenientVerifier{}
	if cfg.PlayEnabled() {
		pv, err := NewPlayVerifier(ctx, cfg.PlayPackageName, option.WithCredentialsFile(cfg.PlayCredentialsFile))
		if err != nil {
			return fmt.Errorf("init play verifier: %w", err)
		}
		verifier = pv
		log.Info().Str("package", cfg.PlayPackageName).Msg("Purchase verification: Google Play")
	} else {
		log.Warn().Msg("Purchase verification: lenient (set SUBSCRIPTION_SERVER_PLAY_PACKAGE to enable Google Play)")
	}

	svc := NewService(reg, verifier, Options{
		TrialDays:        cfg.TrialDays,
		SubscriptionDays: cfg.SubscriptionDays,
	})

	srv := &http.Server{
		Addr: cfg.ListenAddr(),
		Handler: NewHandler(&Deps{
			Service:   svc,
			Registry:  reg,
			JWTSecret: []byte(cfg.JWTSecret),
			AdminKey:  cfg.AdminKey,
			Version:   version,
		}),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		NewSweeper(svc, 0).Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Subscription server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown error")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Subscription server stopped")
	return err
}
