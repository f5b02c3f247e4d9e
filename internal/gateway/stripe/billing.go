package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
)

// StripeBilling talks to the Stripe API with a bounded per-request timeout
// and no client-side retries.
type StripeBilling struct {
	subs *subscription.Client
}

// NewStripeBilling creates a Billing backed by the Stripe API.
func NewStripeBilling(apiKey string, timeout time.Duration) *StripeBilling {
	if timeout <= 0 {
		timeout = defaultCancelTimeout
	}
	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, &stripelib.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripelib.Int64(0),
	})
	return &StripeBilling{subs: &subscription.Client{B: backend, Key: apiKey}}
}

// CancelSubscription cancels immediately, or flags cancel-at-period-end when
// atPeriodEnd is set. A subscription Stripe no longer knows is treated as
// already cancelled.
func (b *StripeBilling) CancelSubscription(ctx context.Context, subscriptionRef string, atPeriodEnd bool) error {
	if !IsSafeStripeID(subscriptionRef) {
		return fmt.Errorf("invalid subscription reference %q", subscriptionRef)
	}

	var err error
	if atPeriodEnd {
		params := &stripelib.SubscriptionParams{CancelAtPeriodEnd: stripelib.Bool(true)}
		params.Context = ctx
		_, err = b.subs.Update(subscriptionRef, params)
	} else {
		params := &stripelib.SubscriptionCancelParams{}
		params.Context = ctx
		_, err = b.subs.Cancel(subscriptionRef, params)
	}
	if err != nil {
		var stripeErr *stripelib.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripelib.ErrorCodeResourceMissing {
			log.Info().Str("subscription_ref", subscriptionRef).Msg("Subscription already gone at Stripe")
			return nil
		}
		return fmt.Errorf("stripe cancel %s: %w", subscriptionRef, err)
	}
	return nil
}

// GetSubscription fetches status and period data for a subscription.
func (b *StripeBilling) GetSubscription(ctx context.Context, subscriptionRef string) (SubscriptionSnapshot, error) {
	if !IsSafeStripeID(subscriptionRef) {
		return SubscriptionSnapshot{}, fmt.Errorf("invalid subscription reference %q", subscriptionRef)
	}
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := b.subs.Get(subscriptionRef, params)
	if err != nil {
		return SubscriptionSnapshot{}, fmt.Errorf("stripe get subscription %s: %w", subscriptionRef, err)
	}

	snap := SubscriptionSnapshot{
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd || sub.CancelAt > 0,
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > 0 {
				end := item.CurrentPeriodEnd
				snap.PeriodEnd = &end
				break
			}
		}
	}
	return snap, nil
}
