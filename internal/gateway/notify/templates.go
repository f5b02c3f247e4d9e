package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

// Kind names a system-generated text.
type Kind string

const (
	KindWelcome             Kind = "welcome"
	KindSubscriptionStarted Kind = "subscription_started"
	KindSubscriptionEnded   Kind = "subscription_ended"
	KindLimitReached        Kind = "limit_reached"
	KindStopAck             Kind = "stop_ack"
	KindStopCanceled        Kind = "stop_canceled"
	KindStartAck            Kind = "start_ack"
	KindHelp                Kind = "help"
)

// Data fills the text templates.
type Data struct {
	Product   string
	BaseURL   string
	FreeLimit int
	Limit     int
	ResetsOn  string
}

var texts = map[Kind]*template.Template{
	KindWelcome: parse(KindWelcome, `Welcome to {{.Product}}!

You have {{.FreeLimit}} free messages per month. Text us anytime for guidance.

Want unlimited messages? Subscribe at {{.BaseURL}}`),

	KindSubscriptionStarted: parse(KindSubscriptionStarted, `Thank you for subscribing to {{.Product}}!

You now have unlimited messages. Text us anytime.`),

	KindSubscriptionEnded: parse(KindSubscriptionEnded, `Your {{.Product}} subscription has been canceled and you've been moved back to our free plan with {{.FreeLimit}} messages per month.

You're always welcome back. Text us anytime or resubscribe at {{.BaseURL}}`),

	KindLimitReached: parse(KindLimitReached, `You've used your {{.Limit}} free messages for this month. Your credits reset on {{.ResetsOn}}. Register at {{.BaseURL}} for unlimited guidance.`),

	KindStopAck: parse(KindStopAck, `You have been unsubscribed from {{.Product}} and will receive no further messages. Reply START to resubscribe.`),

	KindStopCanceled: parse(KindStopCanceled, `Your {{.Product}} subscription has been canceled and you have been unsubscribed. You will receive no further messages. Reply START to resubscribe.`),

	KindStartAck: parse(KindStartAck, `Welcome back to {{.Product}}! You are resubscribed. Reply HELP for help or STOP to unsubscribe.`),

	KindHelp: parse(KindHelp, `{{.Product}}: text us any question for guidance. {{.FreeLimit}} free messages per month, unlimited with a subscription at {{.BaseURL}}. Reply STOP to unsubscribe.`),
}

func parse(kind Kind, text string) *template.Template {
	return template.Must(template.New(string(kind)).Option("missingkey=error").Parse(text))
}

// Render produces the text for kind.
func Render(kind Kind, data Data) (string, error) {
	tmpl, ok := texts[kind]
	if !ok {
		return "", fmt.Errorf("unknown text %q", kind)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s text: %w", kind, err)
	}
	return buf.String(), nil
}
