package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpErrorIs(t *testing.T) {
	err := NewOpError(ErrorTypeNotFound, "get_account", "+15550001111", errors.New("no rows"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "get_account failed for +15550001111: no rows", err.Error())

	wrapped := fmt.Errorf("handler: %w", err)
	assert.ErrorIs(t, wrapped, ErrNotFound)
}

func TestOpErrorUnwrapsSentinel(t *testing.T) {
	err := WrapUpstream("send_message", "", ErrRecipientUnsubscribed)
	assert.ErrorIs(t, err, ErrRecipientUnsubscribed)
	assert.False(t, IsRetryableError(err))
}

func TestWrapUpstreamClassifiesDeadline(t *testing.T) {
	err := WrapUpstream("cancel_subscription", "sub_1", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryableError(err))
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"validation", WrapValidation("decode", "", errors.New("bad")), false},
		{"store", WrapStore("update", "x", errors.New("locked")), true},
		{"plain timeout", ErrTimeout, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}
