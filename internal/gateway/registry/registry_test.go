package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	internalerrors "github.com/textguide/gateway/internal/errors"
	"golang.org/x/sync/errgroup"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestEnsureAccountCreatesFreeTierRecord(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	acct, err := reg.EnsureAccount(ctx, "+15550001111")
	if err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}
	if acct.IsPaidSubscriber || acct.OptedOut {
		t.Fatalf("new account should be free and opted in: %+v", acct)
	}
	if acct.PlanCap.Kind != CapDefault {
		t.Fatalf("new account cap = %v, want default", acct.PlanCap)
	}
	if acct.SubscriptionStatus != SubscriptionStatusNone {
		t.Fatalf("status = %q, want none", acct.SubscriptionStatus)
	}

	again, err := reg.EnsureAccount(ctx, "+15550001111")
	if err != nil {
		t.Fatalf("EnsureAccount again: %v", err)
	}
	if !again.CreatedAt.Equal(acct.CreatedAt) {
		t.Fatalf("second EnsureAccount must not recreate the record")
	}
}

func TestEnsureAccountRejectsEmptyIdentity(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.EnsureAccount(context.Background(), "  ")
	if !errors.Is(err, internalerrors.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestGetAccountMissingReturnsNil(t *testing.T) {
	reg := newTestRegistry(t)
	acct, err := reg.GetAccount(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct != nil {
		t.Fatalf("expected nil, got %+v", acct)
	}
}

func TestConsumeIfBelowStopsAtLimit(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.EnsureAccount(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		count, ok, err := reg.ConsumeIfBelow(ctx, "u1", 5, "2026-10")
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !ok || count != i {
			t.Fatalf("consume %d: ok=%v count=%d", i, ok, count)
		}
	}
	count, ok, err := reg.ConsumeIfBelow(ctx, "u1", 5, "2026-10")
	if err != nil {
		t.Fatal(err)
	}
	if ok || count != 0 {
		t.Fatalf("sixth consume should be refused, got ok=%v count=%d", ok, count)
	}

	acct, _ := reg.GetAccount(ctx, "u1")
	if acct.PeriodMessagesSent != 5 || acct.PeriodKey != "2026-10" {
		t.Fatalf("stored counter = %d/%s, want 5/2026-10", acct.PeriodMessagesSent, acct.PeriodKey)
	}
}

func TestConsumeIfBelowResetsOnNewPeriod(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.EnsureAccount(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, _, err := reg.ConsumeIfBelow(ctx, "u1", 5, "2026-09"); err != nil {
			t.Fatal(err)
		}
	}

	count, ok, err := reg.ConsumeIfBelow(ctx, "u1", 5, "2026-10")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || count != 1 {
		t.Fatalf("new period should restart at 1, got ok=%v count=%d", ok, count)
	}
}

func TestConsumeIfBelowZeroLimitNeverConsumes(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.EnsureAccount(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	_, ok, err := reg.ConsumeIfBelow(ctx, "u1", 0, "2026-10")
	if err != nil || ok {
		t.Fatalf("zero limit: ok=%v err=%v", ok, err)
	}
}

func TestConsumeIfBelowConcurrentNeverOverruns(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.EnsureAccount(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	const workers = 40
	var granted atomic.Int32
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, ok, err := reg.ConsumeIfBelow(ctx, "u1", 5, "2026-10")
			if err != nil {
				return err
			}
			if ok {
				granted.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("consume: %v", err)
	}

	if n := granted.Load(); n != 5 {
		t.Fatalf("granted = %d, want 5", n)
	}
	acct, _ := reg.GetAccount(ctx, "u1")
	if acct.PeriodMessagesSent != 5 {
		t.Fatalf("stored counter = %d, want 5", acct.PeriodMessagesSent)
	}
}

func TestUpdateEntitlementVersionGuard(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	acct, err := reg.EnsureAccount(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}

	end := int64(1999999999)
	acct.IsPaidSubscriber = true
	acct.PlanCap = UnlimitedCap()
	acct.SubscriptionStatus = SubscriptionStatusActive
	acct.CustomerRef = "cus_1"
	acct.SubscriptionRef = "sub_1"
	acct.CurrentPeriodEnd = &end

	applied, err := reg.UpdateEntitlement(ctx, acct, 200)
	if err != nil || !applied {
		t.Fatalf("first update: applied=%v err=%v", applied, err)
	}

	stale := *acct
	stale.IsPaidSubscriber = false
	stale.PlanCap = LimitedCap(5)
	stale.SubscriptionStatus = SubscriptionStatusCanceled
	applied, err = reg.UpdateEntitlement(ctx, &stale, 100)
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatalf("older event must be skipped")
	}

	got, _ := reg.GetAccountByCustomerRef(ctx, "cus_1")
	if got == nil || !got.IsPaidSubscriber || !got.PlanCap.IsUnlimited() {
		t.Fatalf("entitlement regressed: %+v", got)
	}
	if got.CurrentPeriodEnd == nil || *got.CurrentPeriodEnd != 1999999999 {
		t.Fatalf("period end = %v, want 1999999999", got.CurrentPeriodEnd)
	}
	if got.BillingEventAt != 200 {
		t.Fatalf("billing_event_at = %d, want 200", got.BillingEventAt)
	}
}

func TestUpdateEntitlementLeavesCountersAndOptOut(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	acct, _ := reg.EnsureAccount(ctx, "u1")
	if _, _, err := reg.ConsumeIfBelow(ctx, "u1", 5, "2026-10"); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetOptOut(ctx, "u1", true, time.Now()); err != nil {
		t.Fatal(err)
	}

	acct.IsPaidSubscriber = true
	acct.PlanCap = UnlimitedCap()
	if _, err := reg.UpdateEntitlement(ctx, acct, 10); err != nil {
		t.Fatal(err)
	}

	got, _ := reg.GetAccount(ctx, "u1")
	if got.PeriodMessagesSent != 1 || !got.OptedOut {
		t.Fatalf("counter/opt-out clobbered: %+v", got)
	}
}

func TestSetOptOutCreatesAndClears(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	at := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	if err := reg.SetOptOut(ctx, "+15550001111", true, at); err != nil {
		t.Fatal(err)
	}
	acct, _ := reg.GetAccount(ctx, "+15550001111")
	if acct == nil || !acct.OptedOut || acct.OptedOutAt == nil || !acct.OptedOutAt.Equal(at) {
		t.Fatalf("opt-out not recorded: %+v", acct)
	}

	if err := reg.SetOptOut(ctx, "+15550001111", false, at); err != nil {
		t.Fatal(err)
	}
	acct, _ = reg.GetAccount(ctx, "+15550001111")
	if acct.OptedOut || acct.OptedOutAt != nil {
		t.Fatalf("opt-out not cleared: %+v", acct)
	}
}

func TestOverrideEntitlementWritesAudit(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	acct, err := reg.OverrideEntitlement(ctx, "u1", false, LimitedCap(50), EntitlementAudit{
		ActorID: "admin_key:abcd", Reason: "beta tester", ClientIP: "10.0.0.1", RequestPath: "/admin/accounts/u1/entitlement",
	})
	if err != nil {
		t.Fatalf("OverrideEntitlement: %v", err)
	}
	if n, ok := acct.PlanCap.Limit(); !ok || n != 50 {
		t.Fatalf("cap = %v, want 50", acct.PlanCap)
	}

	audits, err := reg.ListEntitlementAudit(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(audits) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audits))
	}
	if audits[0].Before != "paid=false cap=default status=none" || audits[0].After != "paid=false cap=50 status=none" {
		t.Fatalf("audit = %+v", audits[0])
	}
}

func TestSummaryAndLapsedCancellations(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-72 * time.Hour).Unix()
	future := now.Add(72 * time.Hour).Unix()
	seed := func(id string, status SubscriptionStatus, end int64, cancel bool) {
		a, _ := reg.EnsureAccount(ctx, id)
		a.IsPaidSubscriber = true
		a.PlanCap = UnlimitedCap()
		a.SubscriptionStatus = status
		a.CurrentPeriodEnd = &end
		a.CancelAtPeriodEnd = cancel
		if _, err := reg.UpdateEntitlement(ctx, a, 1); err != nil {
			t.Fatal(err)
		}
	}
	seed("lapsed", SubscriptionStatusActive, past, true)
	seed("pastdue", SubscriptionStatusPastDue, past, true)
	seed("future", SubscriptionStatusActive, future, true)
	seed("renewing", SubscriptionStatusActive, past, false)
	if _, err := reg.EnsureAccount(ctx, "free"); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetOptOut(ctx, "free", true, now); err != nil {
		t.Fatal(err)
	}

	lapsed, err := reg.ListLapsedCancellations(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(lapsed) != 1 || lapsed[0].Identity != "lapsed" {
		t.Fatalf("lapsed = %+v", lapsed)
	}

	summary, err := reg.Summary(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Total != 5 || summary.Paid != 4 || summary.OptedOut != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.ByStatus[SubscriptionStatusActive] != 3 || summary.ByStatus[SubscriptionStatusPastDue] != 1 {
		t.Fatalf("by status = %+v", summary.ByStatus)
	}
}

func TestCapJSON(t *testing.T) {
	tests := []struct {
		cap  Cap
		want string
	}{
		{Cap{}, "null"},
		{UnlimitedCap(), `"unlimited"`},
		{LimitedCap(7), "7"},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.cap)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tt.want {
			t.Errorf("marshal %v = %s, want %s", tt.cap, b, tt.want)
		}
		var back Cap
		if err := json.Unmarshal(b, &back); err != nil {
			t.Fatal(err)
		}
		if back != tt.cap {
			t.Errorf("round trip %v -> %v", tt.cap, back)
		}
	}

	var c Cap
	if err := json.Unmarshal([]byte("-1"), &c); err == nil {
		t.Errorf("negative cap must be rejected, got %v", c)
	}
}

func TestRecordPeriodUsageNeverMovesBackwards(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	if _, err := reg.EnsureAccount(ctx, "+15550001111"); err != nil {
		t.Fatalf("EnsureAccount: %v", err)
	}

	steps := []struct {
		period string
		count  int
		want   string
		sent   int
	}{
		{"2026-10", 3, "2026-10", 3},
		{"2026-10", 2, "2026-10", 3},
		{"2026-09", 9, "2026-10", 3},
		{"2026-11", 1, "2026-11", 1},
	}
	for _, s := range steps {
		if err := reg.RecordPeriodUsage(ctx, "+15550001111", s.period, s.count); err != nil {
			t.Fatalf("RecordPeriodUsage(%s, %d): %v", s.period, s.count, err)
		}
		acct, err := reg.GetAccount(ctx, "+15550001111")
		if err != nil {
			t.Fatalf("GetAccount: %v", err)
		}
		if acct.PeriodKey != s.want || acct.PeriodMessagesSent != s.sent {
			t.Fatalf("after (%s, %d): period=%s sent=%d, want %s/%d", s.period, s.count, acct.PeriodKey, acct.PeriodMessagesSent, s.want, s.sent)
		}
	}
}
