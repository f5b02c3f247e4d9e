package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/phone"
	"github.com/textguide/gateway/internal/gateway/registry"
)

// CorrelationParam is the status callback query parameter carrying the
// correlation id of an outbound message.
const CorrelationParam = "message_uuid"

// Config holds the values rendered into texts and the callback target.
type Config struct {
	Product           string
	BaseURL           string
	StatusCallbackURL string
	FreeLimit         int
}

// Notifier sends system texts as tracked outbound messages.
type Notifier struct {
	registry *registry.Registry
	tracker  *costs.Tracker
	sender   Sender
	cfg      Config
	now      func() time.Time
}

// NewNotifier creates a notifier. A nil sender logs instead of sending.
func NewNotifier(reg *registry.Registry, tracker *costs.Tracker, sender Sender, cfg Config) *Notifier {
	if sender == nil {
		sender = NewLogSender(func(to, body string) {
			log.Info().Str("to", phone.Mask(to)).Int("length", len(body)).Msg("Carrier not configured, text not sent")
		})
	}
	if cfg.Product == "" {
		cfg.Product = "TextGuide"
	}
	return &Notifier{registry: reg, tracker: tracker, sender: sender, cfg: cfg, now: time.Now}
}

// Data returns the template values common to every text.
func (n *Notifier) Data() Data {
	return Data{Product: n.cfg.Product, BaseURL: n.cfg.BaseURL, FreeLimit: n.cfg.FreeLimit}
}

// Notify renders kind and delivers it to identity as a tracked outbound
// message. It returns the message's correlation id.
func (n *Notifier) Notify(ctx context.Context, identity string, kind Kind, data Data, replyToRef string) (string, error) {
	body, err := Render(kind, data)
	if err != nil {
		return "", err
	}
	id, err := n.tracker.BeginMessage(ctx, costs.Draft{
		Identity:   identity,
		Direction:  registry.DirectionOutbound,
		ReplyToRef: replyToRef,
		Content:    body,
	})
	if err != nil {
		gwmetrics.NotificationsTotal.WithLabelValues(string(kind), "failed").Inc()
		return "", fmt.Errorf("track %s text: %w", kind, err)
	}
	if _, err := n.deliver(ctx, id, identity, body, string(kind)); err != nil {
		return id, err
	}
	return id, nil
}

// Deliver sends body for an already tracked outbound message and links the
// carrier reference to it.
func (n *Notifier) Deliver(ctx context.Context, correlationID, to, body string) (string, error) {
	return n.deliver(ctx, correlationID, to, body, "reply")
}

func (n *Notifier) deliver(ctx context.Context, correlationID, to, body, label string) (string, error) {
	ref, err := n.sender.Send(ctx, OutboundSMS{
		To:             to,
		Body:           body,
		StatusCallback: n.statusCallback(correlationID),
	})
	if err != nil {
		if errors.Is(err, internalerrors.ErrRecipientUnsubscribed) {
			log.Warn().Str("identity", phone.Mask(to)).Str("correlation_id", correlationID).
				Msg("Carrier reports recipient unsubscribed, marking opted out")
			if optErr := n.registry.SetOptOut(ctx, to, true, n.now()); optErr != nil {
				log.Error().Err(optErr).Str("identity", phone.Mask(to)).Msg("Failed to record carrier opt-out")
			}
			gwmetrics.NotificationsTotal.WithLabelValues(label, "blocked").Inc()
			return "", err
		}
		gwmetrics.NotificationsTotal.WithLabelValues(label, "failed").Inc()
		return "", fmt.Errorf("send text: %w", err)
	}
	gwmetrics.NotificationsTotal.WithLabelValues(label, "sent").Inc()

	if ref != "" {
		if err := n.tracker.AttachTransportRef(ctx, correlationID, ref); err != nil {
			log.Error().Err(err).Str("correlation_id", correlationID).Str("transport_ref", ref).
				Msg("Text sent but carrier reference could not be linked")
		}
	}
	return ref, nil
}

func (n *Notifier) statusCallback(correlationID string) string {
	if n.cfg.StatusCallbackURL == "" {
		return ""
	}
	u, err := url.Parse(n.cfg.StatusCallbackURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set(CorrelationParam, correlationID)
	u.RawQuery = q.Encode()
	return u.String()
}

// SubscriptionStarted sends the subscription confirmation.
func (n *Notifier) SubscriptionStarted(ctx context.Context, identity string) error {
	return n.lifecycle(ctx, identity, KindSubscriptionStarted)
}

// SubscriptionEnded sends the back-to-free-plan notice.
func (n *Notifier) SubscriptionEnded(ctx context.Context, identity string) error {
	return n.lifecycle(ctx, identity, KindSubscriptionEnded)
}

// lifecycle only texts phone identities that have not opted out.
func (n *Notifier) lifecycle(ctx context.Context, identity string, kind Kind) error {
	if !phone.IsE164(identity) {
		log.Debug().Str("identity", identity).Str("text", string(kind)).Msg("Identity is not a phone number, skipping text")
		return nil
	}
	acct, err := n.registry.GetAccount(ctx, identity)
	if err != nil {
		return err
	}
	if acct != nil && acct.OptedOut {
		gwmetrics.NotificationsTotal.WithLabelValues(string(kind), "suppressed").Inc()
		return nil
	}
	_, err = n.Notify(ctx, identity, kind, n.Data(), "")
	return err
}
