package costs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/registry"
)

// NewCorrelationID mints a globally unique, time-ordered message id.
func NewCorrelationID() string {
	return ulid.Make().String()
}

// Draft describes a message about to be tracked.
type Draft struct {
	Identity     string
	Direction    registry.Direction
	TransportRef string
	ReplyToRef   string
	Content      string
}

// GenerationUsage is the reply generator's reported usage.
type GenerationUsage struct {
	Model       string
	InputUnits  int64
	OutputUnits int64
	Content     string
}

// TransportReport is one carrier status report. Amount is nil when the
// carrier has not priced the message yet.
type TransportReport struct {
	CorrelationID string
	TransportRef  string
	Status        string
	Amount        *decimal.Decimal
	Currency      string
}

// Tracker correlates generation and transport costs onto message records.
type Tracker struct {
	registry *registry.Registry
	rates    *RateTable
}

// NewTracker creates a tracker. rates defaults to DefaultRateTable.
func NewTracker(reg *registry.Registry, rates *RateTable) *Tracker {
	if rates == nil {
		rates = DefaultRateTable()
	}
	return &Tracker{registry: reg, rates: rates}
}

// Rates exposes the pricing table in use.
func (t *Tracker) Rates() *RateTable { return t.rates }

// BeginMessage mints a correlation id and persists the record before any
// external call is made with it.
func (t *Tracker) BeginMessage(ctx context.Context, d Draft) (string, error) {
	if strings.TrimSpace(d.Identity) == "" {
		return "", internalerrors.WrapValidation("begin_message", "", errors.New("identity is required"))
	}
	if d.Direction != registry.DirectionInbound && d.Direction != registry.DirectionOutbound {
		return "", internalerrors.WrapValidation("begin_message", d.Identity, fmt.Errorf("unknown direction %q", d.Direction))
	}

	id := NewCorrelationID()
	err := t.registry.CreateMessage(ctx, &registry.Message{
		CorrelationID: id,
		Identity:      d.Identity,
		Direction:     d.Direction,
		TransportRef:  strings.TrimSpace(d.TransportRef),
		ReplyToRef:    strings.TrimSpace(d.ReplyToRef),
		Content:       d.Content,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Message returns the tracked record for correlationID, or nil.
func (t *Tracker) Message(ctx context.Context, correlationID string) (*registry.Message, error) {
	return t.registry.GetMessage(ctx, correlationID)
}

// RecordGenerationCost prices the usage and stores it together with the
// generated content. Usage for an unpriced model is stored without an amount.
func (t *Tracker) RecordGenerationCost(ctx context.Context, correlationID string, u GenerationUsage) (registry.GenerationCost, error) {
	if u.InputUnits < 0 || u.OutputUnits < 0 {
		return registry.GenerationCost{}, internalerrors.WrapValidation("record_generation_cost", correlationID, errors.New("unit counts must not be negative"))
	}
	model := strings.TrimSpace(u.Model)
	if model == "" {
		return registry.GenerationCost{}, internalerrors.WrapValidation("record_generation_cost", correlationID, errors.New("model is required"))
	}

	g := registry.GenerationCost{
		Model:       model,
		InputUnits:  u.InputUnits,
		OutputUnits: u.OutputUnits,
		Currency:    t.rates.Currency(),
		RecordedAt:  time.Now().UTC(),
	}
	amount, ok := t.rates.Cost(model, u.InputUnits, u.OutputUnits)
	if ok {
		g.Amount = amount.StringFixed(amountPlaces)
	} else {
		log.Warn().Str("model", model).Str("correlation_id", correlationID).Msg("No rate for model, storing usage without amount")
	}

	if err := t.registry.SaveGeneration(ctx, correlationID, u.Content, g); err != nil {
		return registry.GenerationCost{}, err
	}
	if ok {
		gwmetrics.CostRecordedTotal.WithLabelValues("generation", g.Currency).Add(amount.InexactFloat64())
	}
	return g, nil
}

// AttachTransportRef records the carrier's reference once the send call returns.
func (t *Tracker) AttachTransportRef(ctx context.Context, correlationID, transportRef string) error {
	return t.registry.AttachTransportRef(ctx, correlationID, transportRef)
}

// RecordTransportCost merges a carrier report. Redelivered reports are no-ops,
// status-only reports leave the amount open for a later report or sweep, and
// a record that never gets priced is a valid end state.
func (t *Tracker) RecordTransportCost(ctx context.Context, rep TransportReport) (registry.MergeResult, error) {
	if strings.TrimSpace(rep.CorrelationID) == "" && strings.TrimSpace(rep.TransportRef) == "" {
		return registry.MergeResult{}, internalerrors.WrapValidation("record_transport_cost", "", errors.New("correlation id or transport ref is required"))
	}

	update := registry.TransportUpdate{
		Status:   strings.ToLower(strings.TrimSpace(rep.Status)),
		Currency: strings.ToUpper(strings.TrimSpace(rep.Currency)),
	}
	if rep.Amount != nil {
		// Carriers report charges as negative balances.
		update.Amount = rep.Amount.Abs().Round(amountPlaces).StringFixed(amountPlaces)
		if update.Currency == "" {
			update.Currency = "USD"
		}
	}

	result, err := t.registry.MergeTransportUpdate(ctx, strings.TrimSpace(rep.CorrelationID), strings.TrimSpace(rep.TransportRef), update)
	if err != nil {
		return result, err
	}

	entry := log.With().
		Str("correlation_id", rep.CorrelationID).
		Str("transport_ref", rep.TransportRef).
		Str("status", update.Status).
		Str("outcome", string(result.Outcome)).
		Logger()
	if result.AmountConflict {
		entry.Warn().
			Str("recorded_amount", result.Message.TransportAmount).
			Str("reported_amount", update.Amount).
			Msg("Carrier reported a different amount for an already priced message, keeping the first")
	}
	switch result.Outcome {
	case registry.MergeNotFound:
		entry.Warn().Msg("Transport report for unknown message")
	case registry.MergeApplied:
		entry.Debug().Msg("Transport report merged")
		if result.AmountRecorded {
			if amt, err := decimal.NewFromString(update.Amount); err == nil {
				gwmetrics.CostRecordedTotal.WithLabelValues("transport", update.Currency).Add(amt.InexactFloat64())
			}
		}
	}
	return result, nil
}
