// Package intake runs the main request path for inbound texts: keyword
// commands, the opt-out gate, quota enforcement and reply tracking.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/keywords"
	"github.com/textguide/gateway/internal/gateway/notify"
	"github.com/textguide/gateway/internal/gateway/phone"
	"github.com/textguide/gateway/internal/gateway/quota"
	"github.com/textguide/gateway/internal/gateway/registry"
)

// Inbound is one text received from a subscriber.
type Inbound struct {
	From string
	Body string
	// TransportRef is the carrier's reference for the inbound text.
	TransportRef string
}

// Action is what the engine did with an inbound text.
type Action string

const (
	ActionCommand   Action = "command"
	ActionDropped   Action = "dropped"
	ActionDenied    Action = "denied"
	ActionProceed   Action = "proceed"
	ActionDuplicate Action = "duplicate"
)

// Result describes the handling of one inbound text.
type Result struct {
	Action   Action
	Identity string
	Command  keywords.Command
	// InboundID is the correlation id of the recorded inbound text.
	InboundID string
	// CorrelationID identifies the outbound reply to generate when Action
	// is proceed, or the system reply sent otherwise.
	CorrelationID string
	Decision      *quota.Decision
}

// Engine wires the gateway components into the inbound request path.
type Engine struct {
	registry *registry.Registry
	enforcer *quota.Enforcer
	keywords *keywords.Processor
	tracker  *costs.Tracker
	notifier *notify.Notifier
}

// NewEngine creates the engine.
func NewEngine(reg *registry.Registry, enforcer *quota.Enforcer, kw *keywords.Processor, tracker *costs.Tracker, notifier *notify.Notifier) *Engine {
	return &Engine{registry: reg, enforcer: enforcer, keywords: kw, tracker: tracker, notifier: notifier}
}

// HandleInbound processes one inbound text. Keyword commands are handled
// first and always acknowledged; texts from opted-out identities are then
// dropped; everything else is metered by the quota enforcer.
func (e *Engine) HandleInbound(ctx context.Context, in Inbound) (Result, error) {
	identity, ok := phone.Normalize(in.From)
	if !ok {
		gwmetrics.InboundMessagesTotal.WithLabelValues("error").Inc()
		return Result{}, internalerrors.WrapValidation("handle_inbound", "", fmt.Errorf("sender %q is not a phone number", in.From))
	}
	res := Result{Identity: identity}
	in.TransportRef = strings.TrimSpace(in.TransportRef)

	// Carriers redeliver inbound webhooks; never meter the same text twice.
	if in.TransportRef != "" {
		existing, err := e.registry.GetMessageByTransportRef(ctx, in.TransportRef)
		if err != nil {
			gwmetrics.InboundMessagesTotal.WithLabelValues("error").Inc()
			return res, err
		}
		if existing != nil {
			res.Action = ActionDuplicate
			res.InboundID = existing.CorrelationID
			gwmetrics.InboundMessagesTotal.WithLabelValues(string(res.Action)).Inc()
			return res, nil
		}
	}

	if cmd := keywords.Match(in.Body); cmd != keywords.CommandNone {
		return e.handleCommand(ctx, res, in, cmd)
	}

	acct, err := e.registry.GetAccount(ctx, identity)
	if err != nil {
		gwmetrics.InboundMessagesTotal.WithLabelValues("error").Inc()
		return res, err
	}
	if acct != nil && acct.OptedOut {
		res.Action = ActionDropped
		log.Debug().Str("identity", identity).Msg("Dropping text from opted-out identity")
		gwmetrics.InboundMessagesTotal.WithLabelValues(string(res.Action)).Inc()
		return res, nil
	}

	if res.InboundID, err = e.recordInbound(ctx, identity, in); err != nil {
		gwmetrics.InboundMessagesTotal.WithLabelValues("error").Inc()
		return res, err
	}
	if acct == nil {
		e.welcome(ctx, identity)
	}

	decision, err := e.enforcer.Evaluate(ctx, identity)
	res.Decision = &decision
	if err != nil {
		gwmetrics.InboundMessagesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("evaluate quota: %w", err)
	}

	if !decision.Allowed {
		res.Action = ActionDenied
		data := e.notifier.Data()
		data.Limit = decision.Limit
		data.ResetsOn = decision.ResetsAt.Format("2006-01-02")
		id, err := e.notifier.Notify(ctx, identity, notify.KindLimitReached, data, in.TransportRef)
		res.CorrelationID = id
		if err != nil {
			log.Warn().Err(err).Str("identity", phone.Mask(identity)).Msg("Limit reached reply not delivered")
		}
		gwmetrics.InboundMessagesTotal.WithLabelValues(string(res.Action)).Inc()
		return res, nil
	}

	id, err := e.tracker.BeginMessage(ctx, costs.Draft{
		Identity:   identity,
		Direction:  registry.DirectionOutbound,
		ReplyToRef: in.TransportRef,
	})
	if err != nil {
		gwmetrics.InboundMessagesTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("begin reply: %w", err)
	}
	res.Action = ActionProceed
	res.CorrelationID = id
	gwmetrics.InboundMessagesTotal.WithLabelValues(string(res.Action)).Inc()
	log.Debug().
		Str("identity", identity).
		Str("correlation_id", id).
		Str("reason", string(decision.Reason)).
		Int("remaining", decision.Remaining).
		Msg("Inbound text admitted")
	return res, nil
}

func (e *Engine) handleCommand(ctx context.Context, res Result, in Inbound, cmd keywords.Command) (Result, error) {
	res.Action = ActionCommand
	res.Command = cmd
	gwmetrics.InboundMessagesTotal.WithLabelValues(string(res.Action)).Inc()

	if id, err := e.recordInbound(ctx, res.Identity, in); err != nil {
		log.Warn().Err(err).Str("identity", phone.Mask(res.Identity)).Msg("Could not record keyword text")
	} else {
		res.InboundID = id
	}

	reply, handleErr := e.keywords.Handle(ctx, res.Identity, cmd)
	if handleErr != nil {
		log.Error().Err(handleErr).Str("identity", phone.Mask(res.Identity)).Str("command", string(cmd)).
			Msg("Keyword command only partly applied")
	}

	// The acknowledgement goes out even when applying the command failed.
	id, err := e.notifier.Notify(ctx, res.Identity, reply.Kind, e.notifier.Data(), in.TransportRef)
	res.CorrelationID = id
	if err != nil {
		log.Warn().Err(err).Str("identity", phone.Mask(res.Identity)).Str("command", string(cmd)).
			Msg("Keyword acknowledgement not delivered")
	}
	return res, handleErr
}

func (e *Engine) recordInbound(ctx context.Context, identity string, in Inbound) (string, error) {
	return e.tracker.BeginMessage(ctx, costs.Draft{
		Identity:     identity,
		Direction:    registry.DirectionInbound,
		TransportRef: in.TransportRef,
		Content:      in.Body,
	})
}

func (e *Engine) welcome(ctx context.Context, identity string) {
	if _, err := e.notifier.Notify(ctx, identity, notify.KindWelcome, e.notifier.Data(), ""); err != nil {
		log.Warn().Err(err).Str("identity", phone.Mask(identity)).Msg("Welcome text not delivered")
	}
}

// Completion is the generator's report for an admitted text.
type Completion struct {
	Model       string
	InputUnits  int64
	OutputUnits int64
	Content     string
}

// Delivery is the outcome of CompleteReply.
type Delivery struct {
	Generation   registry.GenerationCost
	TransportRef string
}

// CompleteReply records the generation cost and content for an admitted
// reply and sends it. A reply that already went out is not sent again.
func (e *Engine) CompleteReply(ctx context.Context, correlationID string, c Completion) (Delivery, error) {
	m, err := e.tracker.Message(ctx, correlationID)
	if err != nil {
		return Delivery{}, err
	}
	if m == nil {
		return Delivery{}, internalerrors.NewOpError(internalerrors.ErrorTypeNotFound, "complete_reply", correlationID, internalerrors.ErrNotFound)
	}
	if m.Direction != registry.DirectionOutbound {
		return Delivery{}, internalerrors.WrapValidation("complete_reply", correlationID, errors.New("not an outbound message"))
	}
	if m.TransportRef != "" {
		var d Delivery
		if m.Generation != nil {
			d.Generation = *m.Generation
		}
		d.TransportRef = m.TransportRef
		return d, nil
	}
	if strings.TrimSpace(c.Content) == "" {
		return Delivery{}, internalerrors.WrapValidation("complete_reply", correlationID, errors.New("content is required"))
	}

	g, err := e.tracker.RecordGenerationCost(ctx, correlationID, costs.GenerationUsage{
		Model:       c.Model,
		InputUnits:  c.InputUnits,
		OutputUnits: c.OutputUnits,
		Content:     c.Content,
	})
	if err != nil {
		return Delivery{}, err
	}
	ref, err := e.notifier.Deliver(ctx, correlationID, m.Identity, c.Content)
	if err != nil {
		return Delivery{Generation: g}, err
	}
	return Delivery{Generation: g, TransportRef: ref}, nil
}
