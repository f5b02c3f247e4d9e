package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/registry"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []OutboundSMS
	err  error
	n    int
}

func (s *recordingSender) Send(_ context.Context, msg OutboundSMS) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, msg)
	s.n++
	return fmt.Sprintf("SM%03d", s.n), nil
}

func newTestNotifier(t *testing.T, sender Sender) (*Notifier, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	n := NewNotifier(reg, costs.NewTracker(reg, nil), sender, Config{
		BaseURL:           "https://textguide.example",
		StatusCallbackURL: "https://gw.example/carrier/status",
		FreeLimit:         5,
	})
	return n, reg
}

func TestRenderTexts(t *testing.T) {
	data := Data{Product: "TextGuide", BaseURL: "https://textguide.example", FreeLimit: 5, Limit: 5, ResetsOn: "2026-11-01"}

	got, err := Render(KindLimitReached, data)
	require.NoError(t, err)
	assert.Equal(t, "You've used your 5 free messages for this month. Your credits reset on 2026-11-01. Register at https://textguide.example for unlimited guidance.", got)

	got, err = Render(KindSubscriptionEnded, data)
	require.NoError(t, err)
	assert.Contains(t, got, "moved back to our free plan with 5 messages per month")

	for _, kind := range []Kind{KindWelcome, KindSubscriptionStarted, KindStopAck, KindStopCanceled, KindStartAck, KindHelp} {
		got, err := Render(kind, data)
		require.NoError(t, err, kind)
		assert.NotEmpty(t, got, kind)
		assert.NotContains(t, got, "<no value>", kind)
	}

	_, err = Render(Kind("nope"), data)
	assert.Error(t, err)
}

func TestNotifyTracksAndLinksMessage(t *testing.T) {
	sender := &recordingSender{}
	n, reg := newTestNotifier(t, sender)
	ctx := context.Background()

	id, err := n.Notify(ctx, "+14155550100", KindHelp, n.Data(), "SMinbound")
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)

	msg := sender.sent[0]
	assert.Equal(t, "+14155550100", msg.To)
	cb, err := url.Parse(msg.StatusCallback)
	require.NoError(t, err)
	assert.Equal(t, id, cb.Query().Get(CorrelationParam))

	rec, err := reg.GetMessage(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "SM001", rec.TransportRef)
	assert.Equal(t, "SMinbound", rec.ReplyToRef)
	assert.Equal(t, msg.Body, rec.Content)
}

func TestCarrierUnsubscribedMarksOptOut(t *testing.T) {
	sender := &recordingSender{err: fmt.Errorf("twilio: %w", internalerrors.ErrRecipientUnsubscribed)}
	n, reg := newTestNotifier(t, sender)
	ctx := context.Background()

	_, err := n.Notify(ctx, "+14155550100", KindWelcome, n.Data(), "")
	require.True(t, errors.Is(err, internalerrors.ErrRecipientUnsubscribed))

	acct, err := reg.GetAccount(ctx, "+14155550100")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.True(t, acct.OptedOut)
	assert.NotNil(t, acct.OptedOutAt)
}

func TestLifecycleSkipsNonPhoneAndOptedOut(t *testing.T) {
	sender := &recordingSender{}
	n, reg := newTestNotifier(t, sender)
	ctx := context.Background()

	require.NoError(t, n.SubscriptionStarted(ctx, "user-42"))
	assert.Empty(t, sender.sent)

	require.NoError(t, reg.SetOptOut(ctx, "+14155550100", true, n.now()))
	require.NoError(t, n.SubscriptionEnded(ctx, "+14155550100"))
	assert.Empty(t, sender.sent)

	require.NoError(t, n.SubscriptionStarted(ctx, "+14155550199"))
	require.Len(t, sender.sent, 1)
	assert.True(t, strings.HasPrefix(sender.sent[0].Body, "Thank you for subscribing"))
}

func TestLogSenderReturnsNoReference(t *testing.T) {
	var gotTo string
	ref, err := NewLogSender(func(to, _ string) { gotTo = to }).Send(context.Background(), OutboundSMS{To: "+14155550100", Body: "hi"})
	require.NoError(t, err)
	assert.Empty(t, ref)
	assert.Equal(t, "+14155550100", gotTo)
}
