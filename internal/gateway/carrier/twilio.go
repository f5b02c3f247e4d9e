// Package carrier connects the gateway to the SMS carrier: outbound sends,
// price lookups and delivery status callbacks.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/notify"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// errCodeUnsubscribed is the carrier's refusal to text a recipient who
// replied STOP at the carrier level.
const errCodeUnsubscribed = 21610

const defaultRequestTimeout = 10 * time.Second

// TwilioClient sends texts and looks up message prices.
type TwilioClient struct {
	api  *twilio.RestClient
	from string
}

// NewTwilioClient creates a client for the given account.
func NewTwilioClient(accountSID, authToken, from string) *TwilioClient {
	api := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	api.SetTimeout(defaultRequestTimeout)
	return &TwilioClient{api: api, from: from}
}

// Send delivers msg and returns the carrier's message reference.
func (c *TwilioClient) Send(ctx context.Context, msg notify.OutboundSMS) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(msg.To)
	params.SetFrom(c.from)
	params.SetBody(msg.Body)
	if msg.StatusCallback != "" {
		params.SetStatusCallback(msg.StatusCallback)
	}

	resp, err := c.api.Api.CreateMessage(params)
	if err != nil {
		return "", classifySendError(msg.To, err)
	}
	if resp == nil || resp.Sid == nil {
		return "", internalerrors.WrapUpstream("send_sms", msg.To, errors.New("carrier returned no message reference"))
	}
	return *resp.Sid, nil
}

// FetchPrice reads the current status and price of a sent message. The
// amount is nil while the carrier has not priced it.
func (c *TwilioClient) FetchPrice(ctx context.Context, transportRef string) (costs.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return costs.PriceQuote{}, err
	}
	resp, err := c.api.Api.FetchMessage(transportRef, &openapi.FetchMessageParams{})
	if err != nil {
		return costs.PriceQuote{}, internalerrors.WrapUpstream("fetch_message", transportRef, err)
	}
	var quote costs.PriceQuote
	if resp.Status != nil {
		quote.Status = *resp.Status
	}
	if resp.Price != nil {
		amount, err := parsePrice(*resp.Price)
		if err != nil {
			return costs.PriceQuote{}, internalerrors.WrapUpstream("fetch_message", transportRef, err)
		}
		quote.Amount = amount
	}
	if resp.PriceUnit != nil {
		quote.Currency = *resp.PriceUnit
	}
	return quote, nil
}

func classifySendError(to string, err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) && restErr.Code == errCodeUnsubscribed {
		return internalerrors.NewOpError(internalerrors.ErrorTypeUpstream, "send_sms", to,
			fmt.Errorf("%w: carrier error %d", internalerrors.ErrRecipientUnsubscribed, restErr.Code))
	}
	return internalerrors.WrapUpstream("send_sms", to, err)
}

// parsePrice reads a carrier price. An empty price means not yet priced.
func parsePrice(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return &d, nil
}
