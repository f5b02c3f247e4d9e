package notify

import (
	"context"
)

// Sender delivers outbound SMS.
type Sender interface {
	// Send returns the carrier's reference for the message.
	Send(ctx context.Context, msg OutboundSMS) (string, error)
}

// OutboundSMS is one text to deliver.
type OutboundSMS struct {
	To             string
	Body           string
	StatusCallback string
}

// LogSender logs texts instead of sending them. Used when no carrier is configured.
type LogSender struct {
	logFn func(to, body string)
}

// NewLogSender creates a sender that logs texts.
func NewLogSender(logFn func(to, body string)) *LogSender {
	return &LogSender{logFn: logFn}
}

// Send logs the text and returns no carrier reference.
func (l *LogSender) Send(_ context.Context, msg OutboundSMS) (string, error) {
	if l.logFn != nil {
		l.logFn(msg.To, msg.Body)
	}
	return "", nil
}
