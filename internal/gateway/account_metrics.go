package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/registry"
)

const accountMetricsInterval = 30 * time.Second

func runAccountMetrics(ctx context.Context, reg *registry.Registry) {
	ticker := time.NewTicker(accountMetricsInterval)
	defer ticker.Stop()

	// Prime once at startup so /metrics isn't empty for these gauges.
	updateAccountGauges(ctx, reg)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateAccountGauges(ctx, reg)
		}
	}
}

func updateAccountGauges(ctx context.Context, reg *registry.Registry) {
	summary, err := reg.Summary(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to update account metrics")
		return
	}

	known := []registry.SubscriptionStatus{
		registry.SubscriptionStatusNone,
		registry.SubscriptionStatusActive,
		registry.SubscriptionStatusPastDue,
		registry.SubscriptionStatusCanceled,
	}

	seen := make(map[registry.SubscriptionStatus]struct{}, len(known))

	// Stable label set for known statuses.
	for _, status := range known {
		seen[status] = struct{}{}
		gwmetrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(summary.ByStatus[status]))
	}
	for status, c := range summary.ByStatus {
		if _, ok := seen[status]; ok {
			continue
		}
		gwmetrics.AccountsByStatus.WithLabelValues(string(status)).Set(float64(c))
	}

	gwmetrics.AccountsFlagged.WithLabelValues("paid").Set(float64(summary.Paid))
	gwmetrics.AccountsFlagged.WithLabelValues("opted_out").Set(float64(summary.OptedOut))
}
