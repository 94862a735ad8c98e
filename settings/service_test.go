package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowdesk/apperr"
	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/db"
	"escrowdesk/db/dbtest"
)

var (
	testNow = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	admin   = auth.Principal{UserID: 1, Role: auth.RoleAdmin}
	support = auth.Principal{UserID: 2, Role: auth.RoleSupport}
)

func newTestService() (*Service, *fakeRepo, *fakeAuditor, *dbtest.Pool) {
	repo := &fakeRepo{values: map[string]Setting{
		KeySiteName:       {Key: KeySiteName, Value: "Escrow Desk"},
		KeyCommissionRate: {Key: KeyCommissionRate, Value: "5.00"},
	}}
	auditor := &fakeAuditor{}
	pool := &dbtest.Pool{}
	svc := NewService(pool, repo, auditor).WithClock(func() time.Time { return testNow })
	return svc, repo, auditor, pool
}

func TestBulkUpdate_NormalisesAndAudits(t *testing.T) {
	svc, repo, auditor, pool := newTestService()

	err := svc.BulkUpdate(context.Background(), admin, map[string]string{
		KeySupportEmail:      " Help@Example.COM ",
		KeyCommissionRate:    "7.5",
		KeyMaintenanceMode:   "1",
		KeySellerSubmitHours: "72",
	})
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	if !pool.Last.Committed {
		t.Fatal("expected bulk update to commit")
	}
	want := map[string]string{
		KeySupportEmail:      "help@example.com",
		KeyCommissionRate:    "7.50",
		KeyMaintenanceMode:   "true",
		KeySellerSubmitHours: "72",
	}
	for k, v := range want {
		if got := repo.values[k]; got.Value != v || got.UpdatedBy == nil || *got.UpdatedBy != admin.UserID {
			t.Errorf("%s: expected %q by admin, got %+v", k, v, got)
		}
	}
	if len(auditor.entries) != 1 || auditor.entries[0].Action != audit.ActionSettingsUpdated {
		t.Fatalf("expected one settings audit row, got %+v", auditor.entries)
	}
}

func TestBulkUpdate_RejectsAll(t *testing.T) {
	svc, repo, _, pool := newTestService()
	ctx := context.Background()

	err := svc.BulkUpdate(ctx, admin, map[string]string{
		KeySiteName:       "New name",
		"favourite_color": "blue",
		KeyCommissionRate: "150",
	})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := apperr.FieldsOf(err)
	if fields["favourite_color"] == "" || fields[KeyCommissionRate] == "" {
		t.Fatalf("expected unknown key and range errors, got %v", fields)
	}
	if repo.values[KeySiteName].Value != "Escrow Desk" {
		t.Fatal("expected no value to change when any value is invalid")
	}
	if pool.Last != nil {
		t.Fatal("expected validation to run before the transaction")
	}

	if err := svc.BulkUpdate(ctx, support, map[string]string{KeySiteName: "x"}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected support to be forbidden, got %v", err)
	}
}

func TestBulkUpdate_WriteFailureRollsBack(t *testing.T) {
	svc, repo, auditor, pool := newTestService()
	repo.failOn = KeySiteName

	err := svc.BulkUpdate(context.Background(), admin, map[string]string{
		KeyBuyerVerifyDays: "10",
		KeySiteName:        "Broken",
	})
	if err == nil {
		t.Fatal("expected failure")
	}
	if pool.Last.Committed || !pool.Last.Rolled {
		t.Fatal("expected rollback")
	}
	if len(auditor.entries) != 0 {
		t.Fatal("expected no audit row after a failed write")
	}
}

func TestValues_Windows(t *testing.T) {
	svc, repo, _, _ := newTestService()
	repo.values[KeySellerSubmitHours] = Setting{Key: KeySellerSubmitHours, Value: "24"}
	repo.values[KeyBuyerVerifyDays] = Setting{Key: KeyBuyerVerifyDays, Value: "oops"}

	v, err := svc.Values(context.Background())
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	if got := v.SellerSubmitWindow(48 * time.Hour); got != 24*time.Hour {
		t.Fatalf("expected 24h, got %v", got)
	}
	if got := v.BuyerVerifyWindow(7 * 24 * time.Hour); got != 7*24*time.Hour {
		t.Fatalf("expected fallback for invalid value, got %v", got)
	}
	if v.Decimal(KeyCommissionRate).String() != "5" {
		t.Fatalf("unexpected commission %s", v.Decimal(KeyCommissionRate))
	}
}

func TestValues_CacheDroppedOnSave(t *testing.T) {
	svc, repo, _, _ := newTestService()
	svc.WithCache(time.Minute)
	ctx := context.Background()

	v, err := svc.Values(ctx)
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	if got := v.SellerSubmitWindow(48 * time.Hour); got != 48*time.Hour {
		t.Fatalf("expected default window, got %s", got)
	}

	repo.values[KeySiteName] = Setting{Key: KeySiteName, Value: "Changed behind the cache"}
	v, _ = svc.Values(ctx)
	if v[KeySiteName] != "Escrow Desk" {
		t.Fatalf("expected cached site name, got %q", v[KeySiteName])
	}
	v[KeySiteName] = "mutated copy"

	if err := svc.BulkUpdate(ctx, admin, map[string]string{KeySellerSubmitHours: "24"}); err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	v, err = svc.Values(ctx)
	if err != nil {
		t.Fatalf("values after save: %v", err)
	}
	if got := v.SellerSubmitWindow(48 * time.Hour); got != 24*time.Hour {
		t.Fatalf("expected saved window to apply at once, got %s", got)
	}
	if v[KeySiteName] != "Changed behind the cache" {
		t.Fatalf("expected a fresh read after save, got %q", v[KeySiteName])
	}
}

// --- fakes ---

type fakeRepo struct {
	values map[string]Setting
	failOn string
}

func (f *fakeRepo) Get(_ context.Context, key string) (Setting, error) {
	s, ok := f.values[key]
	if !ok {
		return Setting{}, ErrNotFound
	}
	return s, nil
}

func (f *fakeRepo) All(context.Context) ([]Setting, error) {
	var out []Setting
	for _, k := range Keys() {
		if s, ok := f.values[k]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRepo) Upsert(_ context.Context, _ db.Querier, s Setting) error {
	if s.Key == f.failOn {
		return errors.New("disk full")
	}
	f.values[s.Key] = s
	return nil
}

type fakeAuditor struct {
	entries []audit.Entry
}

func (f *fakeAuditor) Append(_ context.Context, _ db.Querier, e audit.Entry) (int64, error) {
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}
