// Package keywords handles the carrier-style STOP, START and HELP commands
// before any quota or generation work.
package keywords

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/notify"
	"github.com/textguide/gateway/internal/gateway/phone"
	"github.com/textguide/gateway/internal/gateway/registry"
)

// Command is a recognised keyword family.
type Command string

const (
	CommandNone  Command = ""
	CommandStop  Command = "stop"
	CommandStart Command = "start"
	CommandHelp  Command = "help"
)

var vocabulary = map[string]Command{
	"STOP":        CommandStop,
	"STOPALL":     CommandStop,
	"UNSUBSCRIBE": CommandStop,
	"CANCEL":      CommandStop,
	"END":         CommandStop,
	"QUIT":        CommandStop,
	"START":       CommandStart,
	"UNSTOP":      CommandStart,
	"HELP":        CommandHelp,
	"INFO":        CommandHelp,
}

// Match returns the command the whole trimmed body spells, ignoring case.
// "stop please" is not a command.
func Match(body string) Command {
	return vocabulary[strings.ToUpper(strings.TrimSpace(body))]
}

// Canceller ends an identity's paid subscription.
type Canceller interface {
	CancelSubscription(ctx context.Context, identity string) error
}

// Reply is the acknowledgement owed to the sender of a command.
type Reply struct {
	Command Command
	Kind    notify.Kind
	// SubscriptionCanceled is set when STOP ended a paid subscription.
	SubscriptionCanceled bool
}

// Processor applies keyword commands to accounts.
type Processor struct {
	registry  *registry.Registry
	canceller Canceller
	now       func() time.Time
}

// NewProcessor creates a processor. canceller may be nil when no payment
// processor is wired.
func NewProcessor(reg *registry.Registry, canceller Canceller) *Processor {
	return &Processor{registry: reg, canceller: canceller, now: time.Now}
}

// Handle applies cmd for identity. The returned Reply is always usable, even
// with a non-nil error: a failed cancellation is only logged, and an error is
// returned only when the opt-out state itself could not be written.
func (p *Processor) Handle(ctx context.Context, identity string, cmd Command) (Reply, error) {
	gwmetrics.KeywordCommandsTotal.WithLabelValues(string(cmd)).Inc()

	switch cmd {
	case CommandStop:
		return p.stop(ctx, identity)
	case CommandStart:
		reply := Reply{Command: cmd, Kind: notify.KindStartAck}
		if err := p.registry.SetOptOut(ctx, identity, false, p.now()); err != nil {
			return reply, fmt.Errorf("clear opt-out: %w", err)
		}
		log.Info().Str("identity", phone.Mask(identity)).Msg("Identity opted back in")
		return reply, nil
	case CommandHelp:
		return Reply{Command: cmd, Kind: notify.KindHelp}, nil
	default:
		return Reply{}, internalerrors.WrapValidation("keyword_command", identity, fmt.Errorf("unknown command %q", cmd))
	}
}

func (p *Processor) stop(ctx context.Context, identity string) (Reply, error) {
	reply := Reply{Command: CommandStop, Kind: notify.KindStopAck}

	acct, err := p.registry.GetAccount(ctx, identity)
	if err != nil {
		log.Error().Err(err).Str("identity", phone.Mask(identity)).Msg("Could not read account for STOP, opting out without cancellation")
	}
	if acct != nil && acct.HasActiveSubscription() {
		reply.Kind = notify.KindStopCanceled
		reply.SubscriptionCanceled = true
		if p.canceller == nil {
			log.Warn().Str("identity", phone.Mask(identity)).Msg("STOP from paid subscriber but no canceller configured")
		} else if err := p.canceller.CancelSubscription(ctx, identity); err != nil {
			// Local state is already demoted; later billing events reconcile.
			evt := log.Error().Err(err).Str("identity", phone.Mask(identity)).Str("subscription_ref", acct.SubscriptionRef)
			if errors.Is(err, internalerrors.ErrTimeout) {
				evt = evt.Bool("timeout", true)
			}
			evt.Msg("Cancellation on STOP failed, needs reconciliation")
		}
	}

	if err := p.registry.SetOptOut(ctx, identity, true, p.now()); err != nil {
		return reply, fmt.Errorf("set opt-out: %w", err)
	}
	log.Info().
		Str("identity", phone.Mask(identity)).
		Bool("subscription_canceled", reply.SubscriptionCanceled).
		Msg("Identity opted out")
	return reply, nil
}
