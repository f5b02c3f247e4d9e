package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/registry"
)

const defaultCancelTimeout = 10 * time.Second

// Billing is the outbound side of the payment processor.
type Billing interface {
	CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) error
	GetSubscription(ctx context.Context, subscriptionRef string) (SubscriptionSnapshot, error)
}

// SubscriptionSnapshot is the subset of a processor subscription the machine reads.
type SubscriptionSnapshot struct {
	Status            string
	PeriodEnd         *int64
	CancelAtPeriodEnd bool
}

// LifecycleNotifier tells subscribers about entitlement changes.
type LifecycleNotifier interface {
	SubscriptionStarted(ctx context.Context, identity string) error
	SubscriptionEnded(ctx context.Context, identity string) error
}

// ApplyResult reports what Apply did with an event.
type ApplyResult string

const (
	ResultApplied         ApplyResult = "applied"
	ResultStale           ApplyResult = "stale"
	ResultUnknownCustomer ApplyResult = "unknown_customer"
)

// MachineConfig configures a Machine. Billing and Notifier are optional.
type MachineConfig struct {
	Billing           Billing
	Notifier          LifecycleNotifier
	CancelTimeout     time.Duration
	CancelAtPeriodEnd bool
}

// Machine applies billing events to account entitlement.
type Machine struct {
	registry          *registry.Registry
	billing           Billing
	notifier          LifecycleNotifier
	cancelTimeout     time.Duration
	cancelAtPeriodEnd bool
	now               func() time.Time
}

// NewMachine creates an entitlement state machine over reg.
func NewMachine(reg *registry.Registry, cfg MachineConfig) *Machine {
	timeout := cfg.CancelTimeout
	if timeout <= 0 {
		timeout = defaultCancelTimeout
	}
	return &Machine{
		registry:          reg,
		billing:           cfg.Billing,
		notifier:          cfg.Notifier,
		cancelTimeout:     timeout,
		cancelAtPeriodEnd: cfg.CancelAtPeriodEnd,
		now:               time.Now,
	}
}

// Transition returns the entitlement state acct should hold after ev. Every
// field it owns is overwritten, so applying the same event twice yields the
// same account.
func Transition(acct registry.Account, ev Event) registry.Account {
	if ev.CustomerRef != "" {
		acct.CustomerRef = ev.CustomerRef
	}
	if ev.SubscriptionRef != "" {
		acct.SubscriptionRef = ev.SubscriptionRef
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		// A new checkout starts a new subscription; period data from an
		// earlier one must not survive when the session carries none.
		acct.CurrentPeriodEnd = nil
		acct.CancelAtPeriodEnd = false
		activate(&acct, ev)
	case EventSubscriptionCreated, EventInvoicePaymentSucceeded:
		activate(&acct, ev)
	case EventSubscriptionUpdated:
		switch classifyStatus(ev.Status) {
		case statusActive:
			activate(&acct, ev)
		case statusPastDue:
			markPastDue(&acct, ev)
		default:
			revoke(&acct)
		}
	case EventSubscriptionDeleted:
		revoke(&acct)
	case EventInvoicePaymentFailed:
		markPastDue(&acct, ev)
	}
	return acct
}

func activate(acct *registry.Account, ev Event) {
	acct.IsPaidSubscriber = true
	acct.PlanCap = registry.UnlimitedCap()
	acct.SubscriptionStatus = registry.SubscriptionStatusActive
	if ev.PeriodEnd != nil {
		v := *ev.PeriodEnd
		acct.CurrentPeriodEnd = &v
	}
	if ev.CancelAtPeriodEnd != nil {
		acct.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}
}

// markPastDue keeps paid entitlement through the processor's retry window.
func markPastDue(acct *registry.Account, ev Event) {
	acct.SubscriptionStatus = registry.SubscriptionStatusPastDue
	if ev.PeriodEnd != nil {
		v := *ev.PeriodEnd
		acct.CurrentPeriodEnd = &v
	}
	if ev.CancelAtPeriodEnd != nil {
		acct.CancelAtPeriodEnd = *ev.CancelAtPeriodEnd
	}
}

func revoke(acct *registry.Account) {
	acct.IsPaidSubscriber = false
	acct.PlanCap = registry.Cap{}
	acct.SubscriptionStatus = registry.SubscriptionStatusCanceled
	acct.CurrentPeriodEnd = nil
	acct.CancelAtPeriodEnd = false
}

// Apply resolves the account an event belongs to and writes the transition.
// Events for unknown customers are logged and dropped. Store failures are
// returned so the processor redelivers.
func (m *Machine) Apply(ctx context.Context, ev Event) (ApplyResult, error) {
	for _, ref := range []string{ev.CustomerRef, ev.SubscriptionRef} {
		if ref != "" && !IsSafeStripeID(ref) {
			return "", internalerrors.WrapValidation("apply_billing_event", ev.ID, fmt.Errorf("invalid processor reference %q", ref))
		}
	}

	acct, err := m.resolveAccount(ctx, ev)
	if err != nil {
		return "", err
	}
	if acct == nil {
		log.Warn().
			Str("event_id", ev.ID).
			Str("type", string(ev.Type)).
			Str("customer_ref", ev.CustomerRef).
			Msg("Billing event for unknown customer, dropping")
		gwmetrics.EntitlementTransitionsTotal.WithLabelValues(string(ev.Type), string(ResultUnknownCustomer)).Inc()
		return ResultUnknownCustomer, nil
	}

	if ev.Type == EventCheckoutCompleted && ev.PeriodEnd == nil {
		m.enrichFromSubscription(ctx, &ev)
	}

	before := *acct
	next := Transition(before, ev)
	applied, err := m.registry.UpdateEntitlement(ctx, &next, ev.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("apply %s for %s: %w", ev.Type, acct.Identity, err)
	}
	if !applied {
		log.Info().
			Str("event_id", ev.ID).
			Str("type", string(ev.Type)).
			Str("identity", acct.Identity).
			Int64("event_created", ev.CreatedAt).
			Int64("last_applied", before.BillingEventAt).
			Msg("Skipping billing event older than last applied")
		gwmetrics.EntitlementTransitionsTotal.WithLabelValues(string(ev.Type), string(ResultStale)).Inc()
		return ResultStale, nil
	}

	log.Info().
		Str("event_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("identity", acct.Identity).
		Str("customer_ref", next.CustomerRef).
		Bool("paid", next.IsPaidSubscriber).
		Str("status", string(next.SubscriptionStatus)).
		Bool("cancel_at_period_end", next.CancelAtPeriodEnd).
		Msg("Entitlement updated")
	gwmetrics.EntitlementTransitionsTotal.WithLabelValues(string(ev.Type), string(ResultApplied)).Inc()

	m.notifyLifecycle(ctx, before, next)
	return ResultApplied, nil
}

func (m *Machine) resolveAccount(ctx context.Context, ev Event) (*registry.Account, error) {
	// Only a phone identity may create an account; a bare user id falls back
	// to the customer lookup.
	if ev.Type == EventCheckoutCompleted {
		if identity, ok := phoneIdentity(ev.Identity); ok {
			acct, err := m.registry.EnsureAccount(ctx, identity)
			if err != nil {
				return nil, fmt.Errorf("ensure account for checkout: %w", err)
			}
			return acct, nil
		}
	}
	acct, err := m.registry.GetAccountByCustomerRef(ctx, ev.CustomerRef)
	if err != nil {
		return nil, fmt.Errorf("lookup account by customer: %w", err)
	}
	return acct, nil
}

// enrichFromSubscription fills period data a checkout session does not carry.
// Failures leave the event as delivered; the next subscription event corrects it.
func (m *Machine) enrichFromSubscription(ctx context.Context, ev *Event) {
	if m.billing == nil || ev.SubscriptionRef == "" {
		return
	}
	fetchCtx, cancel := context.WithTimeout(ctx, m.cancelTimeout)
	defer cancel()

	snap, err := m.billing.GetSubscription(fetchCtx, ev.SubscriptionRef)
	if err != nil {
		log.Warn().Err(err).
			Str("subscription_ref", ev.SubscriptionRef).
			Msg("Could not fetch subscription for checkout, continuing without period end")
		return
	}
	ev.PeriodEnd = snap.PeriodEnd
	cancelFlag := snap.CancelAtPeriodEnd
	ev.CancelAtPeriodEnd = &cancelFlag
}

func (m *Machine) notifyLifecycle(ctx context.Context, before, after registry.Account) {
	if m.notifier == nil {
		return
	}
	var err error
	switch {
	case !before.IsPaidSubscriber && after.IsPaidSubscriber:
		err = m.notifier.SubscriptionStarted(ctx, after.Identity)
	case before.IsPaidSubscriber && !after.IsPaidSubscriber:
		err = m.notifier.SubscriptionEnded(ctx, after.Identity)
	default:
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("identity", after.Identity).Msg("Lifecycle notification failed")
	}
}

// CancelSubscription cancels identity's paid subscription at the processor
// and applies the cancellation locally without waiting for the webhook. The
// local change is written even when the processor call fails; that failure
// is returned for the caller to log.
func (m *Machine) CancelSubscription(ctx context.Context, identity string) error {
	acct, err := m.registry.GetAccount(ctx, identity)
	if err != nil {
		return fmt.Errorf("lookup account for cancellation: %w", err)
	}
	if acct == nil || !acct.HasActiveSubscription() {
		return nil
	}

	var cancelErr error
	if m.billing == nil {
		log.Warn().Str("identity", identity).Msg("Payment processor not configured, cancelling locally only")
		gwmetrics.CancellationsTotal.WithLabelValues("skipped").Inc()
	} else {
		cancelCtx, cancel := context.WithTimeout(ctx, m.cancelTimeout)
		err := m.billing.CancelSubscription(cancelCtx, acct.SubscriptionRef, m.cancelAtPeriodEnd)
		cancel()
		if err != nil {
			cancelErr = internalerrors.WrapUpstream("cancel_subscription", acct.SubscriptionRef,
				fmt.Errorf("%w: %w", internalerrors.ErrCancellationFailed, err))
			log.Error().Err(err).
				Str("identity", identity).
				Str("subscription_ref", acct.SubscriptionRef).
				Msg("Subscription cancellation failed, applying local state anyway")
			gwmetrics.CancellationsTotal.WithLabelValues("failed").Inc()
		} else {
			gwmetrics.CancellationsTotal.WithLabelValues("ok").Inc()
		}
	}

	next := *acct
	if m.cancelAtPeriodEnd {
		next.CancelAtPeriodEnd = true
	} else {
		next = Transition(*acct, Event{Type: EventSubscriptionDeleted})
	}
	if _, err := m.registry.UpdateEntitlement(ctx, &next, m.now().UTC().Unix()); err != nil {
		return errors.Join(cancelErr, fmt.Errorf("apply local cancellation: %w", err))
	}
	log.Info().
		Str("identity", identity).
		Str("subscription_ref", acct.SubscriptionRef).
		Bool("at_period_end", m.cancelAtPeriodEnd).
		Msg("Subscription cancelled locally")
	return cancelErr
}
