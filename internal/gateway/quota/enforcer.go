package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/gwmetrics"
	"github.com/textguide/gateway/internal/gateway/phone"
	"github.com/textguide/gateway/internal/gateway/registry"
)

// DefaultFreeMonthlyLimit is the free-tier allowance when no plan cap is set.
const DefaultFreeMonthlyLimit = 5

// Counter atomically consumes one unit of an identity's period allowance.
// Implementations must perform the check and the increment as one operation
// in the backing store.
type Counter interface {
	ConsumeIfBelow(ctx context.Context, identity string, limit int, period string) (count int, consumed bool, err error)
}

// Reason explains an enforcement decision.
type Reason string

const (
	ReasonSubscriber   Reason = "subscriber"
	ReasonUnlimitedCap Reason = "unlimited_cap"
	ReasonWithinCap    Reason = "within_cap"
	ReasonCapReached   Reason = "cap_reached"
)

// Decision is the result of one enforcement call. Remaining is meaningful only
// when Unlimited is false.
type Decision struct {
	Allowed   bool
	Unlimited bool
	Remaining int
	Limit     int
	Period    string
	ResetsAt  time.Time
	Reason    Reason
}

// Enforcer decides whether an identity may receive one more reply this period.
type Enforcer struct {
	accounts  *registry.Registry
	counter   Counter
	mirror    bool
	freeLimit int
	now       func() time.Time
}

// NewEnforcer builds an enforcer over the account store. counter defaults to
// the store's own conditional increment when nil.
func NewEnforcer(accounts *registry.Registry, counter Counter, freeLimit int) *Enforcer {
	if counter == nil {
		counter = accounts
	}
	if freeLimit < 0 {
		freeLimit = DefaultFreeMonthlyLimit
	}
	// Counts kept outside the account store are copied back so account
	// reads stay current.
	own, _ := counter.(*registry.Registry)
	return &Enforcer{
		accounts:  accounts,
		counter:   counter,
		mirror:    own != accounts,
		freeLimit: freeLimit,
		now:       time.Now,
	}
}

// FreeLimit is the allowance applied to accounts without an explicit cap.
func (e *Enforcer) FreeLimit() int { return e.freeLimit }

// Evaluate consumes one unit of the identity's allowance if one is left.
// Subscribers and unlimited caps are allowed without touching the counter.
// Any store failure denies.
func (e *Enforcer) Evaluate(ctx context.Context, identity string) (Decision, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Decision{}, internalerrors.WrapValidation("evaluate_quota", "", errors.New("identity is required"))
	}

	now := e.now()
	period := PeriodKey(now)
	decision := Decision{Period: period, ResetsAt: NextPeriodStart(now)}

	acct, err := e.accounts.EnsureAccount(ctx, identity)
	if err != nil {
		gwmetrics.QuotaDecisionsTotal.WithLabelValues("error").Inc()
		return decision, err
	}

	if acct.IsPaidSubscriber {
		decision.Allowed, decision.Unlimited, decision.Reason = true, true, ReasonSubscriber
		gwmetrics.QuotaDecisionsTotal.WithLabelValues(string(decision.Reason)).Inc()
		return decision, nil
	}
	if acct.PlanCap.IsUnlimited() {
		decision.Allowed, decision.Unlimited, decision.Reason = true, true, ReasonUnlimitedCap
		gwmetrics.QuotaDecisionsTotal.WithLabelValues(string(decision.Reason)).Inc()
		return decision, nil
	}

	limit := e.freeLimit
	if n, ok := acct.PlanCap.Limit(); ok {
		limit = n
	}
	decision.Limit = limit

	count, consumed, err := e.counter.ConsumeIfBelow(ctx, identity, limit, period)
	if err != nil {
		gwmetrics.QuotaDecisionsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("identity", phone.Mask(identity)).Str("period", period).Msg("quota counter unavailable, denying")
		return decision, err
	}
	if !consumed {
		decision.Reason = ReasonCapReached
		gwmetrics.QuotaDecisionsTotal.WithLabelValues(string(decision.Reason)).Inc()
		log.Info().Str("identity", phone.Mask(identity)).Int("limit", limit).Str("period", period).Msg("message cap reached")
		return decision, nil
	}

	if e.mirror {
		if err := e.accounts.RecordPeriodUsage(ctx, identity, period, count); err != nil {
			log.Warn().Err(err).Str("identity", phone.Mask(identity)).Str("period", period).Msg("could not mirror quota count to account")
		}
	}

	decision.Allowed = true
	decision.Reason = ReasonWithinCap
	decision.Remaining = limit - count
	if decision.Remaining < 0 {
		decision.Remaining = 0
	}
	gwmetrics.QuotaDecisionsTotal.WithLabelValues(string(decision.Reason)).Inc()
	return decision, nil
}
