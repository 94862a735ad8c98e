package dispute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"escrowdesk/apperr"
	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/db"
	"escrowdesk/db/dbtest"
	"escrowdesk/pagination"
)

var (
	admin = auth.Principal{UserID: 1, Role: auth.RoleAdmin}
	buyer = auth.Principal{UserID: 10, Role: auth.RoleUser}
)

func newTestService() (*Service, *fakeRepo, *fakeAuditor, *dbtest.Pool) {
	repo := newFakeRepo()
	auditor := &fakeAuditor{}
	pool := &dbtest.Pool{}
	seq := 0
	svc := NewService(pool, repo, auditor).
		WithClock(func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }).
		WithCaseIDGenerator(func() string { seq++; return fmt.Sprintf("DSP-%08X", seq) })
	return svc, repo, auditor, pool
}

func TestOpenResolveEscalate_AffectsActiveCount(t *testing.T) {
	svc, _, auditor, _ := newTestService()
	ctx := context.Background()

	first, err := svc.OpenStandalone(ctx, admin, OpenParams{TransactionID: 42, BuyerID: 10, SellerID: 20, Reason: "login rejected", Amount: decimal.NewFromInt(250)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if first.Status != StatusOpen {
		t.Fatalf("expected open status, got %s", first.Status)
	}

	counts, _ := svc.Counts(ctx)
	if counts.Active() != 1 {
		t.Fatalf("expected 1 active dispute, got %+v", counts)
	}

	if _, err := svc.Resolve(ctx, admin, first.ID, "seller provided working credentials", OutcomeRelease); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	counts, _ = svc.Counts(ctx)
	if counts.Active() != 0 || counts.Resolved != 1 {
		t.Fatalf("expected resolved dispute to leave open count, got %+v", counts)
	}

	second, err := svc.OpenStandalone(ctx, admin, OpenParams{TransactionID: 43, BuyerID: 10, SellerID: 20, Reason: "domain not transferred"})
	if err != nil {
		t.Fatalf("open second: %v", err)
	}
	if _, err := svc.Review(ctx, admin, second.ID); err != nil {
		t.Fatalf("review: %v", err)
	}
	counts, _ = svc.Counts(ctx)
	if counts.Active() != 1 || counts.UnderReview != 1 {
		t.Fatalf("expected under_review to count as open, got %+v", counts)
	}

	escalated, err := svc.Escalate(ctx, admin, second.ID, "needs registrar contact")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if escalated.ResolvedBy == nil || *escalated.ResolvedBy != admin.UserID || escalated.ResolvedAt == nil {
		t.Fatalf("expected resolver to be recorded, got %+v", escalated)
	}
	counts, _ = svc.Counts(ctx)
	if counts.Active() != 0 || counts.Escalated != 1 {
		t.Fatalf("expected escalated dispute to leave open count, got %+v", counts)
	}

	actions := auditor.actions()
	want := []audit.Action{
		audit.ActionDisputeOpened, audit.ActionDisputeResolved,
		audit.ActionDisputeOpened, audit.ActionDisputeReviewed, audit.ActionDisputeEscalated,
	}
	if strings.Join(actions, ",") != joinActions(want) {
		t.Fatalf("unexpected audit trail: %v", actions)
	}
}

func TestResolve_TerminalDisputeRejected(t *testing.T) {
	svc, _, _, pool := newTestService()
	ctx := context.Background()

	d, err := svc.OpenStandalone(ctx, admin, OpenParams{BuyerID: 10, SellerID: 20, Reason: "x"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.Resolve(ctx, admin, d.ID, "done", OutcomeNone); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	_, err = svc.Resolve(ctx, admin, d.ID, "again", OutcomeNone)
	if !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus, got %v", err)
	}
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict kind, got %v", apperr.KindOf(err))
	}
	if pool.Last.Committed || !pool.Last.Rolled {
		t.Fatal("expected rejected transition to roll back")
	}

	if _, err := svc.Escalate(ctx, admin, d.ID, "late"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus for escalating resolved dispute, got %v", err)
	}
}

func TestResolve_RequiresResolutionAndStaff(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	d, err := svc.OpenStandalone(ctx, admin, OpenParams{BuyerID: 10, SellerID: 20, Reason: "x"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := svc.Resolve(ctx, admin, d.ID, "   ", OutcomeNone); !errors.Is(err, ErrResolutionRequired) {
		t.Fatalf("expected ErrResolutionRequired, got %v", err)
	}
	if _, err := svc.Resolve(ctx, buyer, d.ID, "mine now", OutcomeNone); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for buyer, got %v", err)
	}
	if _, err := svc.OpenStandalone(ctx, buyer, OpenParams{BuyerID: 10, SellerID: 20, Reason: "x"}); !errors.Is(err, auth.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for standalone open by buyer, got %v", err)
	}
}

func TestResolve_SettlesTransaction(t *testing.T) {
	svc, _, _, _ := newTestService()
	settler := &fakeSettler{}
	svc.WithSettler(settler)
	ctx := context.Background()

	d, err := svc.OpenStandalone(ctx, admin, OpenParams{TransactionID: 42, BuyerID: 10, SellerID: 20, Reason: "x"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := svc.Resolve(ctx, admin, d.ID, "refund approved", OutcomeRefund); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if settler.txID != 42 || settler.outcome != OutcomeRefund {
		t.Fatalf("expected refund settlement on transaction 42, got %+v", settler)
	}
}

func TestOpen_PriorityFromAmount(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	high, err := svc.Open(ctx, nil, OpenParams{BuyerID: 10, SellerID: 20, Reason: "x", Amount: decimal.NewFromInt(1000)})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if high.Priority != PriorityHigh {
		t.Fatalf("expected high priority at threshold, got %s", high.Priority)
	}

	medium, err := svc.Open(ctx, nil, OpenParams{BuyerID: 10, SellerID: 20, Reason: "x", Amount: decimal.RequireFromString("999.99")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if medium.Priority != PriorityMedium {
		t.Fatalf("expected medium priority below threshold, got %s", medium.Priority)
	}

	if _, err := svc.Open(ctx, nil, OpenParams{BuyerID: 10, SellerID: 20, Reason: "  "}); !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestNewCaseID_Format(t *testing.T) {
	id := newCaseID()
	if len(id) != 12 || !strings.HasPrefix(id, "DSP-") {
		t.Fatalf("unexpected case id %q", id)
	}
	if strings.ToUpper(id) != id {
		t.Fatalf("expected upper-case hex, got %q", id)
	}
}

func TestList_NonStaffSeesOwnOnly(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	for _, buyerID := range []int64{10, 11, 10} {
		if _, err := svc.OpenStandalone(ctx, admin, OpenParams{BuyerID: buyerID, SellerID: 20, Reason: "x"}); err != nil {
			t.Fatalf("open: %v", err)
		}
	}

	page, err := svc.List(ctx, buyer, Filter{}, pagination.Params{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.TotalItems != 2 {
		t.Fatalf("expected buyer to see 2 disputes, got %d", page.Pagination.TotalItems)
	}

	page, err = svc.List(ctx, admin, Filter{}, pagination.Params{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.TotalItems != 3 {
		t.Fatalf("expected admin to see 3 disputes, got %d", page.Pagination.TotalItems)
	}
}

func joinActions(in []audit.Action) string {
	out := make([]string, len(in))
	for i, a := range in {
		out[i] = string(a)
	}
	return strings.Join(out, ",")
}

type fakeRepo struct {
	rows   map[int64]Dispute
	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{rows: map[int64]Dispute{}, nextID: 1}
}

func (f *fakeRepo) Insert(_ context.Context, _ db.Querier, d Dispute) (Dispute, error) {
	for _, existing := range f.rows {
		if d.TransactionID != 0 && existing.TransactionID == d.TransactionID && existing.Status.Active() {
			return Dispute{}, ErrAlreadyOpen
		}
	}
	d.ID = f.nextID
	f.nextID++
	d.UpdatedAt = d.CreatedAt
	f.rows[d.ID] = d
	return d, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ db.Querier, id int64) (Dispute, error) {
	d, ok := f.rows[id]
	if !ok {
		return Dispute{}, ErrNotFound
	}
	return d, nil
}

func (f *fakeRepo) Update(_ context.Context, _ db.Querier, d Dispute) (Dispute, error) {
	if _, ok := f.rows[d.ID]; !ok {
		return Dispute{}, ErrNotFound
	}
	f.rows[d.ID] = d
	return d, nil
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (Dispute, error) {
	return f.GetForUpdate(ctx, nil, id)
}

func (f *fakeRepo) List(ctx context.Context, filter Filter, params pagination.Params) (pagination.Page[Dispute], error) {
	all, _ := f.All(ctx, filter)
	pg := pagination.New(len(all), params)
	end := pg.Offset() + pg.PerPage
	if end > len(all) {
		end = len(all)
	}
	return pagination.Page[Dispute]{Data: all[pg.Offset():end], Pagination: pg}, nil
}

func (f *fakeRepo) All(_ context.Context, filter Filter) ([]Dispute, error) {
	out := []Dispute{}
	for _, d := range f.rows {
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		if filter.ParticipantID != 0 && d.BuyerID != filter.ParticipantID && d.SellerID != filter.ParticipantID {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeRepo) Counts(context.Context) (Counts, error) {
	var c Counts
	for _, d := range f.rows {
		switch d.Status {
		case StatusOpen:
			c.Open++
		case StatusUnderReview:
			c.UnderReview++
		case StatusResolved:
			c.Resolved++
		case StatusEscalated:
			c.Escalated++
		}
	}
	return c, nil
}

type fakeAuditor struct {
	entries []audit.Entry
}

func (f *fakeAuditor) Append(_ context.Context, _ db.Querier, e audit.Entry) (int64, error) {
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}

func (f *fakeAuditor) actions() []string {
	out := make([]string, len(f.entries))
	for i, e := range f.entries {
		out[i] = string(e.Action)
	}
	return out
}

type fakeSettler struct {
	txID    int64
	outcome Outcome
}

func (f *fakeSettler) Settle(_ context.Context, _ db.Querier, txID int64, outcome Outcome) error {
	f.txID = txID
	f.outcome = outcome
	return nil
}
