package stripe

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/textguide/gateway/internal/gateway/registry"
)

const (
	lapseCheckInterval = 1 * time.Hour
	lapseGrace         = 24 * time.Hour
)

// LapseEnforcer demotes accounts whose cancel-at-period-end subscription ran
// out without the processor's deletion event arriving.
type LapseEnforcer struct {
	registry *registry.Registry
	notifier LifecycleNotifier
	interval time.Duration
	now      func() time.Time
}

// NewLapseEnforcer creates a LapseEnforcer. notifier may be nil.
func NewLapseEnforcer(reg *registry.Registry, notifier LifecycleNotifier) *LapseEnforcer {
	return &LapseEnforcer{registry: reg, notifier: notifier, interval: lapseCheckInterval, now: time.Now}
}

// Run starts the enforcement loop. It blocks until ctx is cancelled.
func (g *LapseEnforcer) Run(ctx context.Context) {
	log.Info().Msg("Subscription lapse enforcer started")

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Subscription lapse enforcer stopped")
			return
		case <-ticker.C:
			g.Enforce(ctx)
		}
	}
}

// Enforce runs one pass and returns the number of accounts demoted.
func (g *LapseEnforcer) Enforce(ctx context.Context) int {
	now := g.now().UTC()
	accounts, err := g.registry.ListLapsedCancellations(ctx, now.Add(-lapseGrace))
	if err != nil {
		log.Error().Err(err).Msg("Lapse enforcer: failed to list lapsed cancellations")
		return 0
	}

	demoted := 0
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return demoted
		}

		log.Warn().
			Str("identity", acct.Identity).
			Str("customer_ref", acct.CustomerRef).
			Int64("current_period_end", *acct.CurrentPeriodEnd).
			Msg("Subscription period ended without deletion event, demoting to free tier")

		next := Transition(*acct, Event{Type: EventSubscriptionDeleted})
		applied, err := g.registry.UpdateEntitlement(ctx, &next, now.Unix())
		if err != nil {
			log.Error().Err(err).Str("identity", acct.Identity).Msg("Lapse enforcer: failed to demote account")
			continue
		}
		if !applied {
			continue
		}
		demoted++
		if g.notifier != nil {
			if err := g.notifier.SubscriptionEnded(ctx, acct.Identity); err != nil {
				log.Warn().Err(err).Str("identity", acct.Identity).Msg("Lapse enforcer: notification failed")
			}
		}
	}
	return demoted
}
