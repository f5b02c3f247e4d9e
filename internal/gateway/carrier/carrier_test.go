package carrier

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	internalerrors "github.com/textguide/gateway/internal/errors"
	"github.com/textguide/gateway/internal/gateway/costs"
	"github.com/textguide/gateway/internal/gateway/registry"
	twclient "github.com/twilio/twilio-go/client"
)

const (
	testToken     = "test-auth-token"
	testPublicURL = "https://gw.example"
)

func newTestTracker(t *testing.T) *costs.Tracker {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return costs.NewTracker(reg, nil)
}

func trackedMessage(t *testing.T, tracker *costs.Tracker, ref string) string {
	t.Helper()
	ctx := context.Background()
	id, err := tracker.BeginMessage(ctx, costs.Draft{Identity: "+14155550100", Direction: registry.DirectionOutbound})
	require.NoError(t, err)
	require.NoError(t, tracker.AttachTransportRef(ctx, id, ref))
	return id
}

func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func postCallback(h http.Handler, target string, form url.Values, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp callbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Outcome
}

func TestCallbackMergesStatusThenPrice(t *testing.T) {
	tracker := newTestTracker(t)
	id := trackedMessage(t, tracker, "SM1")
	h := NewCallbackHandler(tracker, "", "")

	rec := postCallback(h, "/carrier/status?message_uuid="+id, url.Values{
		"MessageSid":    {"SM1"},
		"MessageStatus": {"sent"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(registry.MergeApplied), decodeOutcome(t, rec))

	form := url.Values{
		"MessageSid":    {"SM1"},
		"MessageStatus": {"delivered"},
		"Price":         {"-0.00790"},
		"PriceUnit":     {"USD"},
	}
	rec = postCallback(h, "/carrier/status?message_uuid="+id, form, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(registry.MergeApplied), decodeOutcome(t, rec))

	// Redelivered callback.
	rec = postCallback(h, "/carrier/status?message_uuid="+id, form, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(registry.MergeDuplicate), decodeOutcome(t, rec))

	m, err := tracker.Message(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "0.007900", m.TransportAmount)
	assert.Equal(t, "delivered", m.TransportStatus)
}

func TestCallbackFindsMessageByTransportRef(t *testing.T) {
	tracker := newTestTracker(t)
	id := trackedMessage(t, tracker, "SM2")
	h := NewCallbackHandler(tracker, "", "")

	rec := postCallback(h, "/carrier/status", url.Values{"SmsSid": {"SM2"}, "SmsStatus": {"delivered"}, "Price": {"oops"}}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	m, err := tracker.Message(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "delivered", m.TransportStatus)
	assert.Empty(t, m.TransportAmount)
}

func TestCallbackRejections(t *testing.T) {
	tracker := newTestTracker(t)
	h := NewCallbackHandler(tracker, "", "")

	rec := postCallback(h, "/carrier/status", url.Values{"MessageStatus": {"sent"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postCallback(h, "/carrier/status", url.Values{"MessageSid": {"SMunknown"}, "MessageStatus": {"sent"}}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(registry.MergeNotFound), decodeOutcome(t, rec))

	req := httptest.NewRequest(http.MethodGet, "/carrier/status", nil)
	get := httptest.NewRecorder()
	h.ServeHTTP(get, req)
	assert.Equal(t, http.StatusMethodNotAllowed, get.Code)
}

func TestCallbackSignature(t *testing.T) {
	tracker := newTestTracker(t)
	id := trackedMessage(t, tracker, "SM3")
	h := NewCallbackHandler(tracker, testToken, testPublicURL+"/")

	target := "/carrier/status?message_uuid=" + id
	form := url.Values{"MessageSid": {"SM3"}, "MessageStatus": {"delivered"}}

	rec := postCallback(h, target, form, "bad-signature")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = postCallback(h, target, form, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	m, err := tracker.Message(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, m.TransportStatus)

	rec = postCallback(h, target, form, sign(testToken, testPublicURL+target, form))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(registry.MergeApplied), decodeOutcome(t, rec))
}

func TestClassifySendError(t *testing.T) {
	err := classifySendError("+14155550100", &twclient.TwilioRestError{Code: errCodeUnsubscribed, Status: 400})
	assert.True(t, errors.Is(err, internalerrors.ErrRecipientUnsubscribed))
	assert.False(t, internalerrors.IsRetryableError(err))

	err = classifySendError("+14155550100", &twclient.TwilioRestError{Code: 20429, Status: 429})
	assert.False(t, errors.Is(err, internalerrors.ErrRecipientUnsubscribed))
	assert.True(t, internalerrors.IsRetryableError(err))
}

func TestParsePrice(t *testing.T) {
	d, err := parsePrice(" -0.0079 ")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "-0.0079", d.String())

	d, err = parsePrice("")
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = parsePrice("n/a")
	assert.Error(t, err)
}
