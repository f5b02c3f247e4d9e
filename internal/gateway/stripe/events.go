package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/phone"
)

// EventType names the billing events the entitlement machine understands.
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout_completed"
	EventSubscriptionCreated     EventType = "subscription_created"
	EventSubscriptionUpdated     EventType = "subscription_updated"
	EventSubscriptionDeleted     EventType = "subscription_deleted"
	EventInvoicePaymentSucceeded EventType = "invoice_payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice_payment_failed"
)

// Event is a normalised billing event. Optional fields are nil or empty when
// the payload did not carry them.
type Event struct {
	ID        string
	Type      EventType
	CreatedAt int64

	// Identity is only carried by checkout events.
	Identity        string
	CustomerRef     string
	SubscriptionRef string
	Status          string
	PeriodEnd       *int64
	// CancelAtPeriodEnd is nil when the payload does not speak to it
	// (invoices, checkout sessions).
	CancelAtPeriodEnd *bool
}

// DecodeEvent converts a verified processor event into an Event. Unknown
// event types return ErrUnrecognizedEvent.
func DecodeEvent(ev stripelib.Event) (Event, error) {
	out := Event{ID: ev.ID, CreatedAt: ev.Created}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		if !isKnownType(ev.Type) {
			return out, internalerrors.NewOpError(internalerrors.ErrorTypeValidation, "decode_event", ev.ID,
				fmt.Errorf("%w: %s", internalerrors.ErrUnrecognizedEvent, ev.Type))
		}
		return out, internalerrors.WrapValidation("decode_event", ev.ID, fmt.Errorf("event %s has no data object", ev.Type))
	}
	raw := ev.Data.Raw

	switch ev.Type {
	case "checkout.session.completed":
		var s checkoutSessionPayload
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, internalerrors.WrapValidation("decode_event", ev.ID, fmt.Errorf("decode checkout.session: %w", err))
		}
		out.Type = EventCheckoutCompleted
		out.Identity = s.identity()
		out.CustomerRef = string(s.Customer)
		out.SubscriptionRef = string(s.Subscription)
		return out, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var s subscriptionPayload
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, internalerrors.WrapValidation("decode_event", ev.ID, fmt.Errorf("decode subscription: %w", err))
		}
		switch ev.Type {
		case "customer.subscription.created":
			out.Type = EventSubscriptionCreated
		case "customer.subscription.updated":
			out.Type = EventSubscriptionUpdated
		default:
			out.Type = EventSubscriptionDeleted
		}
		out.CustomerRef = string(s.Customer)
		out.SubscriptionRef = s.ID
		out.Status = strings.ToLower(strings.TrimSpace(s.Status))
		out.PeriodEnd = s.periodEnd()
		cancel := s.cancelScheduled()
		out.CancelAtPeriodEnd = &cancel
		return out, nil

	case "invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed":
		var inv invoicePayload
		if err := json.Unmarshal(raw, &inv); err != nil {
			return out, internalerrors.WrapValidation("decode_event", ev.ID, fmt.Errorf("decode invoice: %w", err))
		}
		out.Type = EventInvoicePaymentSucceeded
		if ev.Type == "invoice.payment_failed" {
			out.Type = EventInvoicePaymentFailed
		}
		out.CustomerRef = string(inv.Customer)
		out.SubscriptionRef = inv.subscriptionRef()
		out.Status = strings.ToLower(strings.TrimSpace(inv.Status))
		out.PeriodEnd = inv.periodEnd()
		return out, nil

	default:
		return out, internalerrors.NewOpError(internalerrors.ErrorTypeValidation, "decode_event", ev.ID,
			fmt.Errorf("%w: %s", internalerrors.ErrUnrecognizedEvent, ev.Type))
	}
}

func isKnownType(t stripelib.EventType) bool {
	switch t {
	case "checkout.session.completed",
		"customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted",
		"invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed":
		return true
	}
	return false
}

// objectRef decodes an id field that may arrive as a bare string, an
// expanded object carrying "id", or null.
type objectRef string

func (r *objectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = objectRef(strings.TrimSpace(s))
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("object reference: %w", err)
	}
	*r = objectRef(strings.TrimSpace(obj.ID))
	return nil
}

// epoch is a Unix timestamp that tolerates integer, float and numeric string
// encodings. Fractions are truncated so the stored value is always integral.
type epoch int64

func (e *epoch) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = 0
		return nil
	}
	s := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*e = 0
			return nil
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*e = epoch(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("invalid epoch %q", s)
	}
	*e = epoch(int64(f))
	return nil
}

func epochPtr(e *epoch) *int64 {
	if e == nil || *e <= 0 {
		return nil
	}
	v := int64(*e)
	return &v
}

type checkoutSessionPayload struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          objectRef         `json:"customer"`
	Subscription      objectRef         `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

// identity returns the E.164 phone identity a checkout was started for, or
// "" when the session only names a non-phone user. Phone-bearing keys win over
// client_reference_id, which some checkout links fill with a user id.
func (s checkoutSessionPayload) identity() string {
	candidates := []string{
		s.Metadata["phone_number"],
		s.Metadata["phone"],
		s.Metadata["identity"],
		s.ClientReferenceID,
	}
	for _, c := range candidates {
		if id, ok := phoneIdentity(c); ok {
			return id
		}
	}
	return ""
}

// phoneIdentity normalises raw only when it is written as a phone number, so
// a user id that happens to hold ten digits is not mistaken for one.
func phoneIdentity(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if strings.IndexFunc(raw, func(r rune) bool {
		return !strings.ContainsRune("0123456789+-(). ", r)
	}) >= 0 {
		return "", false
	}
	return phone.Normalize(raw)
}

type subscriptionPayload struct {
	ID                string    `json:"id"`
	Customer          objectRef `json:"customer"`
	Status            string    `json:"status"`
	CancelAtPeriodEnd *bool     `json:"cancel_at_period_end"`
	CancelAt          *epoch    `json:"cancel_at"`
	CurrentPeriodEnd  *epoch    `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd *epoch `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd reads the root field used by older API versions, then the first
// subscription item.
func (s subscriptionPayload) periodEnd() *int64 {
	if v := epochPtr(s.CurrentPeriodEnd); v != nil {
		return v
	}
	for _, item := range s.Items.Data {
		if v := epochPtr(item.CurrentPeriodEnd); v != nil {
			return v
		}
	}
	return nil
}

func (s subscriptionPayload) cancelScheduled() bool {
	if s.CancelAtPeriodEnd != nil && *s.CancelAtPeriodEnd {
		return true
	}
	return epochPtr(s.CancelAt) != nil
}

type invoicePayload struct {
	ID           string    `json:"id"`
	Customer     objectRef `json:"customer"`
	Subscription objectRef `json:"subscription"`
	Status       string    `json:"status"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription objectRef `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End *epoch `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

func (inv invoicePayload) subscriptionRef() string {
	if inv.Subscription != "" {
		return string(inv.Subscription)
	}
	return string(inv.Parent.SubscriptionDetails.Subscription)
}

func (inv invoicePayload) periodEnd() *int64 {
	for _, line := range inv.Lines.Data {
		if v := epochPtr(line.Period.End); v != nil {
			return v
		}
	}
	return nil
}
