package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/textguide/gateway/internal/gateway/carrier"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/intake"
	"github.com/textguide/gateway/internal/gateway/keywords"
	"github.com/textguide/gateway/internal/gateway/notify"
	"github.com/textguide/gateway/internal/gateway/phone"
	"github.com/textguide/gateway/internal/gateway/quota"
	"github.com/textguide/gateway/internal/gateway/registry"
	gwstripe "github.com/textguide/gateway/internal/gateway/stripe"
	"github.com/textguide/gateway/internal/logging"
	"golang.org/x/sync/errgroup"
)

const redisPingTimeout = 5 * time.Second

// services is the component graph shared by the server and one-shot commands.
type services struct {
	tracker  *costs.Tracker
	notifier *notify.Notifier
	machine  *gwstripe.Machine
	engine   *intake.Engine
	sweeper  *costs.Sweeper
	lapse    *gwstripe.LapseEnforcer
	closers  []func() error
}

func (s *services) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Failed to release gateway resource")
		}
	}
}

func buildServices(ctx context.Context, cfg *Config, reg *registry.Registry) (*services, error) {
	svc := &services{}

	var counter quota.Counter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.RedisAddr, err)
		}
		svc.closers = append(svc.closers, client.Close)
		counter = quota.NewRedisCounter(client, "")
		log.Info().Str("addr", cfg.RedisAddr).Msg("Quota counters backed by Redis")
	}

	var rates *costs.RateTable
	if cfg.PricingFile != "" {
		t, err := costs.LoadRateTable(cfg.PricingFile)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("load pricing file: %w", err)
		}
		t.Watch()
		rates = t
		log.Info().Str("file", cfg.PricingFile).Strs("models", t.Models()).Msg("Pricing table loaded")
	}
	svc.tracker = costs.NewTracker(reg, rates)

	var sender notify.Sender
	var fetcher costs.PriceFetcher
	if cfg.CarrierConfigured() {
		tw := carrier.NewTwilioClient(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber)
		sender, fetcher = tw, tw
		log.Info().Msg("SMS carrier configured (Twilio)")
	} else {
		sender = notify.NewLogSender(func(to, body string) {
			log.Info().
				Str("to", phone.Mask(to)).
				Str("body", body).
				Msg("SMS (log-only, no carrier configured)")
		})
		log.Info().Msg("SMS sender: log-only (set TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER to enable)")
	}

	svc.notifier = notify.NewNotifier(reg, svc.tracker, sender, notify.Config{
		Product:           cfg.ProductName,
		BaseURL:           cfg.BaseURL,
		StatusCallbackURL: cfg.StatusCallbackURL(),
		FreeLimit:         cfg.FreeMonthlyLimit,
	})

	var billing gwstripe.Billing
	if cfg.StripeAPIKey != "" {
		billing = gwstripe.NewStripeBilling(cfg.StripeAPIKey, cfg.CancelTimeout)
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set, STOP will not cancel subscriptions at the processor")
	}
	svc.machine = gwstripe.NewMachine(reg, gwstripe.MachineConfig{
		Billing:           billing,
		Notifier:          svc.notifier,
		CancelTimeout:     cfg.CancelTimeout,
		CancelAtPeriodEnd: cfg.CancelAtPeriodEnd,
	})
	svc.lapse = gwstripe.NewLapseEnforcer(reg, svc.notifier)

	svc.engine = intake.NewEngine(reg,
		quota.NewEnforcer(reg, counter, cfg.FreeMonthlyLimit),
		keywords.NewProcessor(reg, svc.machine),
		svc.tracker,
		svc.notifier,
	)
	svc.sweeper = costs.NewSweeper(reg, svc.tracker, fetcher, cfg.SweepInterval)
	return svc, nil
}

func openRegistry(cfg *Config) (*registry.Registry, error) {
	if err := os.MkdirAll(cfg.RegistryDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	reg, err := registry.Open(cfg.RegistryDir())
	if err != nil {
		return nil, fmt.Errorf("open account registry: %w", err)
	}
	return reg, nil
}

func initLogging(cfg *Config) {
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "gateway",
	})
}

// Run starts the gateway HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	log.Info().Str("version", version).Msg("Starting TextGuide gateway")

	reg, err := openRegistry(cfg)
	if err != nil {
		return err
	}
	defer reg.Close()

	svc, err := buildServices(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer svc.Close()

	mux := http.NewServeMux()
	RegisterRoutes(mux, &Deps{
		Config:   cfg,
		Registry: reg,
		Machine:  svc.machine,
		Engine:   svc.engine,
		Tracker:  svc.tracker,
		Version:  version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logging.HTTPMiddleware(securityHeaders(mux)),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { svc.lapse.Run(gctx); return nil })
	g.Go(func() error { svc.sweeper.Run(gctx); return nil })
	g.Go(func() error { runAccountMetrics(gctx, reg); return nil })
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-gctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	err = g.Wait()
	log.Info().Msg("Gateway stopped")
	return err
}

// SweepOnce runs a single transport cost sweep and returns how many records
// were priced.
func SweepOnce(ctx context.Context) (int, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)
	if !cfg.CarrierConfigured() {
		return 0, errors.New("sweep requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER")
	}

	reg, err := openRegistry(cfg)
	if err != nil {
		return 0, err
	}
	defer reg.Close()

	svc, err := buildServices(ctx, cfg, reg)
	if err != nil {
		return 0, err
	}
	defer svc.Close()

	return svc.sweeper.SweepOnce(ctx), nil
}

// EnforceLapses runs a single subscription lapse pass and returns how many
// accounts were demoted.
func EnforceLapses(ctx context.Context) (int, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return 0, fmt.Errorf("load config: %w", err)
	}
	initLogging(cfg)

	reg, err := openRegistry(cfg)
	if err != nil {
		return 0, err
	}
	defer reg.Close()

	svc, err := buildServices(ctx, cfg, reg)
	if err != nil {
		return 0, err
	}
	defer svc.Close()

	return svc.lapse.Enforce(ctx), nil
}
