package costs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/registry"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultSweepMinAge   = 2 * time.Minute
	defaultSweepMaxAge   = 48 * time.Hour
	defaultSweepBatch    = 100
)

// PriceQuote is what the carrier reports for a sent message.
type PriceQuote struct {
	Status   string
	Amount   *decimal.Decimal
	Currency string
}

// PriceFetcher looks up the carrier price for a transport reference.
type PriceFetcher interface {
	FetchPrice(ctx context.Context, transportRef string) (PriceQuote, error)
}

// Sweeper periodically asks the carrier for prices of outbound messages
// whose status callbacks arrived before the carrier had priced them.
type Sweeper struct {
	registry *registry.Registry
	tracker  *Tracker
	fetcher  PriceFetcher
	interval time.Duration
	minAge   time.Duration
	maxAge   time.Duration
	batch    int
	now      func() time.Time
}

// NewSweeper creates a sweeper. interval <= 0 uses the default.
func NewSweeper(reg *registry.Registry, tracker *Tracker, fetcher PriceFetcher, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		registry: reg,
		tracker:  tracker,
		fetcher:  fetcher,
		interval: interval,
		minAge:   defaultSweepMinAge,
		maxAge:   defaultSweepMaxAge,
		batch:    defaultSweepBatch,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Transport cost sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Transport cost sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single pass and returns how many records got priced.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	if s.fetcher == nil {
		return 0
	}
	now := s.now().UTC()
	pending, err := s.registry.ListAwaitingTransportCost(ctx, now.Add(-s.maxAge), now.Add(-s.minAge), s.batch)
	if err != nil {
		log.Error().Err(err).Msg("Transport cost sweep: list failed")
		gwmetrics.SweepTotal.WithLabelValues("failed").Inc()
		return 0
	}

	priced := 0
	checked := make([]string, 0, len(pending))
	for _, m := range pending {
		if ctx.Err() != nil {
			break
		}
		checked = append(checked, m.CorrelationID)
		quote, err := s.fetcher.FetchPrice(ctx, m.TransportRef)
		if err != nil {
			log.Warn().Err(err).Str("correlation_id", m.CorrelationID).Str("transport_ref", m.TransportRef).
				Msg("Transport cost sweep: fetch failed")
			gwmetrics.SweepTotal.WithLabelValues("failed").Inc()
			continue
		}
		if quote.Amount == nil {
			gwmetrics.SweepTotal.WithLabelValues("pending").Inc()
			// A final status drops the record from later sweeps.
			if quote.Status != "" {
				if _, err := s.tracker.RecordTransportCost(ctx, TransportReport{
					CorrelationID: m.CorrelationID,
					TransportRef:  m.TransportRef,
					Status:        quote.Status,
				}); err != nil {
					log.Warn().Err(err).Str("correlation_id", m.CorrelationID).Msg("Transport cost sweep: status merge failed")
				}
			}
			continue
		}
		result, err := s.tracker.RecordTransportCost(ctx, TransportReport{
			CorrelationID: m.CorrelationID,
			TransportRef:  m.TransportRef,
			Status:        quote.Status,
			Amount:        quote.Amount,
			Currency:      quote.Currency,
		})
		if err != nil {
			log.Error().Err(err).Str("correlation_id", m.CorrelationID).Msg("Transport cost sweep: merge failed")
			gwmetrics.SweepTotal.WithLabelValues("failed").Inc()
			continue
		}
		if result.AmountRecorded {
			priced++
			gwmetrics.SweepTotal.WithLabelValues("filled").Inc()
		}
	}

	if err := s.registry.MarkTransportSwept(context.WithoutCancel(ctx), checked, now); err != nil {
		log.Error().Err(err).Msg("Transport cost sweep: could not record sweep time")
	}

	if len(pending) > 0 {
		log.Info().Int("checked", len(pending)).Int("priced", priced).Msg("Transport cost sweep complete")
	}
	return priced
}
