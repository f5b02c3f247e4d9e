package costs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/registry"
)

func newTestTracker(t *testing.T) (*Tracker, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return NewTracker(reg, nil), reg
}

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestNewCorrelationIDUniqueUnderConcurrency(t *testing.T) {
	const workers, perWorker = 16, 250

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, NewCorrelationID())
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func TestBeginMessagePersistsBeforeUse(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound, ReplyToRef: "SMin"})
	require.NoError(t, err)
	require.Len(t, id, 26)

	m, err := tracker.Message(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, registry.DirectionOutbound, m.Direction)
	assert.Equal(t, "SMin", m.ReplyToRef)
	assert.Empty(t, m.TransportRef)
	assert.Nil(t, m.Generation)
}

func TestBeginMessageValidation(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.BeginMessage(ctx, Draft{Direction: registry.DirectionInbound})
	assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput))

	_, err = tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: "sideways"})
	assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput))
}

func TestRecordGenerationCost(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound})
	require.NoError(t, err)

	g, err := tracker.RecordGenerationCost(ctx, id, GenerationUsage{Model: "gpt-4o-mini", InputUnits: 1000, OutputUnits: 500, Content: "Try a warm bath."})
	require.NoError(t, err)
	assert.Equal(t, "0.000450", g.Amount)
	assert.Equal(t, "USD", g.Currency)

	m, err := tracker.Message(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m.Generation)
	assert.Equal(t, "Try a warm bath.", m.Content)
	assert.Equal(t, "0.000450", m.Generation.Amount)
	assert.EqualValues(t, 1000, m.Generation.InputUnits)
	assert.EqualValues(t, 500, m.Generation.OutputUnits)
}

func TestRecordGenerationCostUnknownModelStoresUsageOnly(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound})
	require.NoError(t, err)

	g, err := tracker.RecordGenerationCost(ctx, id, GenerationUsage{Model: "mystery", InputUnits: 10, OutputUnits: 10})
	require.NoError(t, err)
	assert.Empty(t, g.Amount)

	m, err := tracker.Message(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, m.Generation)
	assert.Equal(t, "mystery", m.Generation.Model)
	assert.Empty(t, m.Generation.Amount)
}

func TestRecordGenerationCostRejectsBadInput(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	_, err := tracker.RecordGenerationCost(ctx, "x", GenerationUsage{Model: "gpt-4o", InputUnits: -1})
	assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput))

	_, err = tracker.RecordGenerationCost(ctx, "x", GenerationUsage{Model: " "})
	assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput))

	_, err = tracker.RecordGenerationCost(ctx, "missing", GenerationUsage{Model: "gpt-4o"})
	assert.True(t, errors.Is(err, internalerrors.ErrNotFound))
}

func TestRecordTransportCostMerges(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound})
	require.NoError(t, err)
	require.NoError(t, tracker.AttachTransportRef(ctx, id, "SM123"))

	// Status arrives before the price.
	res, err := tracker.RecordTransportCost(ctx, TransportReport{CorrelationID: id, TransportRef: "SM123", Status: "sent"})
	require.NoError(t, err)
	assert.Equal(t, registry.MergeApplied, res.Outcome)
	assert.Empty(t, res.Message.TransportAmount)

	res, err = tracker.RecordTransportCost(ctx, TransportReport{TransportRef: "SM123", Status: "Delivered", Amount: amount("-0.0079"), Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, registry.MergeApplied, res.Outcome)
	assert.Equal(t, "0.007900", res.Message.TransportAmount)
	assert.Equal(t, "USD", res.Message.TransportCurrency)
	assert.Equal(t, "delivered", res.Message.TransportStatus)

	// Redelivery of the same callback changes nothing.
	res, err = tracker.RecordTransportCost(ctx, TransportReport{TransportRef: "SM123", Status: "delivered", Amount: amount("-0.0079"), Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, registry.MergeDuplicate, res.Outcome)
	assert.False(t, res.AmountConflict)

	// A different later amount is flagged and the first one is kept.
	res, err = tracker.RecordTransportCost(ctx, TransportReport{CorrelationID: id, Status: "delivered", Amount: amount("0.0100"), Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, registry.MergeDuplicate, res.Outcome)
	assert.True(t, res.AmountConflict)

	m, err := tracker.Message(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "0.007900", m.TransportAmount)
}

func TestRecordTransportCostUnknownMessage(t *testing.T) {
	tracker, _ := newTestTracker(t)

	res, err := tracker.RecordTransportCost(context.Background(), TransportReport{TransportRef: "SMnope", Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, registry.MergeNotFound, res.Outcome)

	_, err = tracker.RecordTransportCost(context.Background(), TransportReport{Status: "delivered"})
	assert.True(t, errors.Is(err, internalerrors.ErrInvalidInput))
}

type stubFetcher struct {
	mu     sync.Mutex
	quotes map[string]PriceQuote
	errs   map[string]error
	calls  []string
}

func (f *stubFetcher) FetchPrice(_ context.Context, ref string) (PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ref)
	if err := f.errs[ref]; err != nil {
		return PriceQuote{}, err
	}
	return f.quotes[ref], nil
}

func TestSweeperFillsMissingPrices(t *testing.T) {
	tracker, reg := newTestTracker(t)
	ctx := context.Background()

	mk := func(ref string) string {
		id, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound})
		require.NoError(t, err)
		require.NoError(t, tracker.AttachTransportRef(ctx, id, ref))
		return id
	}
	priced := mk("SMpriced")
	pending := mk("SMpending")
	failing := mk("SMfail")

	// Inbound records are never swept.
	_, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionInbound, TransportRef: "SMinbound"})
	require.NoError(t, err)

	fetcher := &stubFetcher{
		quotes: map[string]PriceQuote{
			"SMpriced":  {Status: "delivered", Amount: amount("-0.0083"), Currency: "USD"},
			"SMpending": {Status: "sent"},
		},
		errs: map[string]error{"SMfail": errors.New("carrier down")},
	}
	sweeper := NewSweeper(reg, tracker, fetcher, time.Minute)
	sweeper.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	assert.Equal(t, 1, sweeper.SweepOnce(ctx))
	assert.ElementsMatch(t, []string{"SMpriced", "SMpending", "SMfail"}, fetcher.calls)

	m, err := tracker.Message(ctx, priced)
	require.NoError(t, err)
	assert.Equal(t, "0.008300", m.TransportAmount)

	for _, id := range []string{pending, failing} {
		m, err := tracker.Message(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, m.TransportAmount)
	}

	// A second pass no longer sees the priced record.
	fetcher.calls = nil
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	assert.ElementsMatch(t, []string{"SMpending", "SMfail"}, fetcher.calls)
}

func TestSweeperSkipsFreshMessages(t *testing.T) {
	tracker, reg := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound})
	require.NoError(t, err)
	require.NoError(t, tracker.AttachTransportRef(ctx, id, "SMfresh"))

	fetcher := &stubFetcher{}
	sweeper := NewSweeper(reg, tracker, fetcher, 0)
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	assert.Empty(t, fetcher.calls)

	assert.Equal(t, 0, NewSweeper(reg, tracker, nil, 0).SweepOnce(ctx))
}

func TestSweeperReachesNewerMessagesPastUnpricedBacklog(t *testing.T) {
	tracker, reg := newTestTracker(t)
	ctx := context.Background()
	now := time.Now().UTC()

	fetcher := &stubFetcher{quotes: map[string]PriceQuote{}}
	for i := 0; i < 5; i++ {
		ref := fmt.Sprintf("SMstuck%d", i)
		require.NoError(t, reg.CreateMessage(ctx, &registry.Message{
			CorrelationID: NewCorrelationID(),
			Identity:      "+14155550100",
			Direction:     registry.DirectionOutbound,
			TransportRef:  ref,
			CreatedAt:     now.Add(-3*time.Hour + time.Duration(i)*time.Second),
		}))
		fetcher.quotes[ref] = PriceQuote{Status: "sent"}
	}
	newer := NewCorrelationID()
	require.NoError(t, reg.CreateMessage(ctx, &registry.Message{
		CorrelationID: newer,
		Identity:      "+14155550100",
		Direction:     registry.DirectionOutbound,
		TransportRef:  "SMnewer",
		CreatedAt:     now.Add(-time.Hour),
	}))
	fetcher.quotes["SMnewer"] = PriceQuote{Status: "delivered", Amount: amount("-0.0079"), Currency: "USD"}

	sweeper := NewSweeper(reg, tracker, fetcher, time.Minute)
	sweeper.batch = 3

	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	assert.Equal(t, 1, sweeper.SweepOnce(ctx))

	m, err := tracker.Message(ctx, newer)
	require.NoError(t, err)
	assert.Equal(t, "0.007900", m.TransportAmount)

	// The backlog keeps rotating through later passes.
	fetcher.calls = nil
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	assert.Len(t, fetcher.calls, 3)
}

func TestSweeperDropsMessagesWithFinalStatus(t *testing.T) {
	tracker, reg := newTestTracker(t)
	ctx := context.Background()

	id, err := tracker.BeginMessage(ctx, Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound})
	require.NoError(t, err)
	require.NoError(t, tracker.AttachTransportRef(ctx, id, "SMundelivered"))

	fetcher := &stubFetcher{quotes: map[string]PriceQuote{"SMundelivered": {Status: "undelivered"}}}
	sweeper := NewSweeper(reg, tracker, fetcher, time.Minute)
	sweeper.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	m, err := tracker.Message(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "undelivered", m.TransportStatus)

	fetcher.calls = nil
	assert.Equal(t, 0, sweeper.SweepOnce(ctx))
	assert.Empty(t, fetcher.calls)
}
