package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SubscriptionStatus mirrors the payment processor's view of a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusNone     SubscriptionStatus = "none"
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// CapKind discriminates the Cap variants.
type CapKind string

const (
	CapDefault   CapKind = ""
	CapLimited   CapKind = "limited"
	CapUnlimited CapKind = "unlimited"
)

// Cap is a plan message allowance. The zero value defers to the gateway's
// free-tier default. Unlimited is its own variant and never a numeric
// sentinel.
type Cap struct {
	Kind CapKind
	N    int
}

// LimitedCap returns an explicit numeric cap.
func LimitedCap(n int) Cap {
	if n < 0 {
		n = 0
	}
	return Cap{Kind: CapLimited, N: n}
}

// UnlimitedCap returns the unlimited variant.
func UnlimitedCap() Cap { return Cap{Kind: CapUnlimited} }

func (c Cap) IsUnlimited() bool { return c.Kind == CapUnlimited }

// Limit returns the explicit numeric limit. ok is false for the default and
// unlimited variants.
func (c Cap) Limit() (int, bool) {
	if c.Kind != CapLimited {
		return 0, false
	}
	return c.N, true
}

func (c Cap) String() string {
	switch c.Kind {
	case CapUnlimited:
		return "unlimited"
	case CapLimited:
		return fmt.Sprintf("%d", c.N)
	default:
		return "default"
	}
}

// MarshalJSON encodes the default cap as null, unlimited as "unlimited" and
// a limited cap as its number.
func (c Cap) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CapUnlimited:
		return []byte(`"unlimited"`), nil
	case CapLimited:
		return json.Marshal(c.N)
	default:
		return []byte("null"), nil
	}
}

func (c *Cap) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	switch trimmed {
	case "null", `""`, `"default"`:
		*c = Cap{}
		return nil
	case `"unlimited"`:
		*c = UnlimitedCap()
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("plan cap must be null, \"unlimited\" or an integer: %w", err)
	}
	if n < 0 {
		return fmt.Errorf("plan cap must not be negative")
	}
	*c = LimitedCap(n)
	return nil
}

// Account is the per-identity entitlement and usage record.
type Account struct {
	Identity           string             `json:"identity"`
	IsPaidSubscriber   bool               `json:"is_paid_subscriber"`
	PlanCap            Cap                `json:"plan_cap"`
	SubscriptionStatus SubscriptionStatus `json:"subscription_status"`
	CustomerRef        string             `json:"customer_ref,omitempty"`
	SubscriptionRef    string             `json:"subscription_ref,omitempty"`
	CurrentPeriodEnd   *int64             `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
	OptedOut           bool               `json:"opted_out"`
	OptedOutAt         *time.Time         `json:"opted_out_at,omitempty"`
	PeriodKey          string             `json:"period_key,omitempty"`
	PeriodMessagesSent int                `json:"period_messages_sent"`
	BillingEventAt     int64              `json:"billing_event_at,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// HasActiveSubscription reports whether the account holds a live paid
// subscription at the payment processor.
func (a *Account) HasActiveSubscription() bool {
	if a == nil || !a.IsPaidSubscriber || a.SubscriptionRef == "" {
		return false
	}
	return a.SubscriptionStatus == SubscriptionStatusActive || a.SubscriptionStatus == SubscriptionStatusPastDue
}

// MessagesSentIn returns the counter for period, treating a stale period as zero.
func (a *Account) MessagesSentIn(period string) int {
	if a == nil || a.PeriodKey != period {
		return 0
	}
	return a.PeriodMessagesSent
}

// Direction of a tracked message relative to the gateway.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is the cost tracking record for one message, keyed by correlation id.
type Message struct {
	CorrelationID string    `json:"correlation_id"`
	Identity      string    `json:"identity"`
	Direction     Direction `json:"direction"`
	ReplyToRef    string    `json:"reply_to_ref,omitempty"`
	Content       string    `json:"content,omitempty"`
	TransportRef  string    `json:"transport_ref,omitempty"`

	Generation *GenerationCost `json:"generation,omitempty"`

	TransportStatus    string     `json:"transport_status,omitempty"`
	TransportAmount    string     `json:"transport_amount,omitempty"`
	TransportCurrency  string     `json:"transport_currency,omitempty"`
	TransportUpdatedAt *time.Time `json:"transport_updated_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GenerationCost is the priced usage of a reply generation.
type GenerationCost struct {
	Model       string    `json:"model"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Amount      string    `json:"amount"`
	Currency    string    `json:"currency"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// TransportUpdate is one carrier status report to merge into a Message.
type TransportUpdate struct {
	Status   string
	Amount   string // decimal string; empty when the carrier has not priced it yet
	Currency string
}

// MergeOutcome reports how a TransportUpdate was applied.
type MergeOutcome string

const (
	MergeApplied   MergeOutcome = "applied"
	MergeDuplicate MergeOutcome = "duplicate"
	MergeNotFound  MergeOutcome = "not_found"
)

// EntitlementAudit records a manual entitlement override.
type EntitlementAudit struct {
	ID          int64     `json:"id"`
	Identity    string    `json:"identity"`
	ActorID     string    `json:"actor_id"`
	Reason      string    `json:"reason"`
	Before      string    `json:"before"`
	After       string    `json:"after"`
	ClientIP    string    `json:"client_ip"`
	RequestPath string    `json:"request_path"`
	CreatedAt   time.Time `json:"created_at"`
}
