package stripe

import (
	"context"
	"sync"
	"testing"

	"github.com/textguide/gateway/internal/gateway/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(t.TempDir())
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

type fakeBilling struct {
	mu         sync.Mutex
	cancelled  []string
	atEnd      []bool
	cancelErr  error
	snapshot   SubscriptionSnapshot
	fetchErr   error
	fetchCalls int
}

func (f *fakeBilling) CancelSubscription(ctx context.Context, ref string, atPeriodEnd bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, ref)
	f.atEnd = append(f.atEnd, atPeriodEnd)
	return f.cancelErr
}

func (f *fakeBilling) GetSubscription(ctx context.Context, ref string) (SubscriptionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls++
	return f.snapshot, f.fetchErr
}

type fakeNotifier struct {
	mu      sync.Mutex
	started []string
	ended   []string
}

func (f *fakeNotifier) SubscriptionStarted(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, identity)
	return nil
}

func (f *fakeNotifier) SubscriptionEnded(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, identity)
	return nil
}

func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
