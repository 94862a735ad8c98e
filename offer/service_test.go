package offer

import (
	"context"
	"errors"
	"sort"
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
	testNow = time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	seller  = auth.Principal{UserID: 20, Role: auth.RoleUser}
	buyerA  = auth.Principal{UserID: 10, Role: auth.RoleUser}
	buyerB  = auth.Principal{UserID: 11, Role: auth.RoleUser}
	admin   = auth.Principal{UserID: 1, Role: auth.RoleAdmin}
)

func newTestService() (*Service, *fakeRepo, *fakeAuditor, *fakeHook, *dbtest.Pool) {
	repo := newFakeRepo()
	repo.listings[7] = ListingTerms{
		ID:       7,
		SellerID: seller.UserID,
		Status:   "active",
		Price:    decimal.NewFromInt(500),
		MinOffer: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	}
	auditor := &fakeAuditor{}
	hook := &fakeHook{}
	pool := &dbtest.Pool{}
	svc := NewService(pool, repo, auditor, hook).WithClock(func() time.Time { return testNow })
	return svc, repo, auditor, hook, pool
}

func TestCreate_Validation(t *testing.T) {
	svc, repo, _, _, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name  string
		p     auth.Principal
		req   CreateRequest
		field string
	}{
		{"zero amount", buyerA, CreateRequest{ListingID: 7}, "amount"},
		{"below minimum", buyerA, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(99)}, "amount"},
		{"own listing", seller, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(200)}, "listing_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tc.p, tc.req)
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if apperr.FieldsOf(err)[tc.field] == "" {
				t.Fatalf("expected %s field error, got %v", tc.field, apperr.FieldsOf(err))
			}
		})
	}

	if _, err := svc.Create(ctx, buyerA, CreateRequest{ListingID: 404, Amount: decimal.NewFromInt(200)}); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
	if len(repo.offers) != 0 {
		t.Fatalf("expected no offers stored, got %d", len(repo.offers))
	}
}

func TestCreate_InactiveListing(t *testing.T) {
	svc, repo, _, _, _ := newTestService()
	terms := repo.listings[7]
	terms.Status = "sold"
	repo.listings[7] = terms

	_, err := svc.Create(context.Background(), buyerA, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(200)})
	if !errors.Is(err, ErrListingInactive) {
		t.Fatalf("expected ErrListingInactive, got %v", err)
	}
}

func TestAccept_RejectsCompetingOffers(t *testing.T) {
	svc, repo, auditor, hook, pool := newTestService()
	ctx := context.Background()

	a, err := svc.Create(ctx, buyerA, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(300), Message: " fair price "})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if a.Message != "fair price" || a.SellerID != seller.UserID || a.Status != StatusPending {
		t.Fatalf("unexpected stored offer %+v", a)
	}
	b, err := svc.Create(ctx, buyerB, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(350)})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	if _, err := svc.Accept(ctx, buyerA, a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected buyer accept to be forbidden, got %v", err)
	}

	accepted, err := svc.Accept(ctx, seller, b.ID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %s", accepted.Status)
	}
	if repo.offers[a.ID].Status != StatusRejected {
		t.Fatalf("expected competing offer rejected, got %s", repo.offers[a.ID].Status)
	}
	if len(hook.accepted) != 1 || hook.accepted[0].ID != b.ID {
		t.Fatalf("expected hook to see the accepted offer, got %+v", hook.accepted)
	}
	if !pool.Last.Committed {
		t.Fatal("expected accept to commit")
	}
	entries := auditor.entries
	if len(entries) != 1 || entries[0].Action != audit.ActionOfferAccepted || entries[0].Details["rejected"] != int64(1) {
		t.Fatalf("unexpected audit trail %+v", entries)
	}

	if _, err := svc.Accept(ctx, seller, a.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending for rejected offer, got %v", err)
	}
}

func TestAccept_HookFailureRollsBack(t *testing.T) {
	svc, _, auditor, hook, pool := newTestService()
	ctx := context.Background()

	o, err := svc.Create(ctx, buyerA, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(300)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	hook.err = errors.New("checkout unavailable")

	if _, err := svc.Accept(ctx, seller, o.ID); err == nil {
		t.Fatal("expected accept to fail")
	}
	if pool.Last.Committed || !pool.Last.Rolled {
		t.Fatal("expected rollback after hook failure")
	}
	if len(auditor.entries) != 0 {
		t.Fatalf("expected no audit entry, got %+v", auditor.entries)
	}
}

func TestRejectWithdraw_Ownership(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()

	a, _ := svc.Create(ctx, buyerA, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(300)})
	b, _ := svc.Create(ctx, buyerB, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(300)})

	if _, err := svc.Withdraw(ctx, buyerB, a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected other buyer withdraw to be forbidden, got %v", err)
	}
	if _, err := svc.Reject(ctx, buyerA, a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected buyer reject to be forbidden, got %v", err)
	}
	w, err := svc.Withdraw(ctx, buyerA, a.ID)
	if err != nil || w.Status != StatusWithdrawn {
		t.Fatalf("expected withdrawn, got %+v %v", w, err)
	}
	r, err := svc.Reject(ctx, seller, b.ID)
	if err != nil || r.Status != StatusRejected {
		t.Fatalf("expected rejected, got %+v %v", r, err)
	}
	if _, err := svc.Withdraw(ctx, buyerB, b.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
}

func TestListForUser_Scoping(t *testing.T) {
	svc, repo, _, _, _ := newTestService()
	ctx := context.Background()
	repo.listings[8] = ListingTerms{ID: 8, SellerID: 30, Status: "active"}

	svc.Create(ctx, buyerA, CreateRequest{ListingID: 7, Amount: decimal.NewFromInt(300)})
	svc.Create(ctx, buyerB, CreateRequest{ListingID: 8, Amount: decimal.NewFromInt(300)})

	page, err := svc.ListForUser(ctx, buyerA, Filter{}, pagination.Params{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Pagination.TotalItems != 1 || page.Data[0].BuyerID != buyerA.UserID {
		t.Fatalf("expected only buyer A's offer, got %+v", page.Data)
	}

	// A user asking for someone else's offers is narrowed to their own.
	page, _ = svc.ListForUser(ctx, buyerA, Filter{BuyerID: buyerB.UserID}, pagination.Params{})
	if page.Pagination.TotalItems != 1 || page.Data[0].BuyerID != buyerA.UserID {
		t.Fatalf("expected scoping to override foreign buyer filter, got %+v", page.Data)
	}

	all, _ := svc.Export(ctx, admin, Filter{})
	if len(all) != 2 {
		t.Fatalf("expected staff export to see both offers, got %d", len(all))
	}

	if _, err := svc.ListForListing(ctx, buyerA, 7, pagination.Params{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-seller listing view to be forbidden, got %v", err)
	}
	onListing, err := svc.ListForListing(ctx, seller, 7, pagination.Params{})
	if err != nil || onListing.Pagination.TotalItems != 1 {
		t.Fatalf("expected seller to see one offer, got %+v %v", onListing, err)
	}
}

// --- fakes ---

type fakeRepo struct {
	nextID   int64
	offers   map[int64]Offer
	listings map[int64]ListingTerms
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{offers: map[int64]Offer{}, listings: map[int64]ListingTerms{}}
}

func (f *fakeRepo) ListingTerms(_ context.Context, _ db.Querier, listingID int64, _ bool) (ListingTerms, error) {
	t, ok := f.listings[listingID]
	if !ok {
		return ListingTerms{}, ErrListingNotFound
	}
	return t, nil
}

func (f *fakeRepo) Insert(_ context.Context, _ db.Querier, o Offer) (Offer, error) {
	f.nextID++
	o.ID = f.nextID
	o.UpdatedAt = o.CreatedAt
	f.offers[o.ID] = o
	return o, nil
}

func (f *fakeRepo) GetForUpdate(_ context.Context, _ db.Querier, id int64) (Offer, error) {
	o, ok := f.offers[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return o, nil
}

func (f *fakeRepo) SetStatus(_ context.Context, _ db.Querier, id int64, status Status, now time.Time) error {
	o, ok := f.offers[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = now
	f.offers[id] = o
	return nil
}

func (f *fakeRepo) RejectPending(_ context.Context, _ db.Querier, listingID, exceptID int64, now time.Time) (int64, error) {
	var n int64
	for id, o := range f.offers {
		if o.ListingID == listingID && id != exceptID && o.Status == StatusPending {
			o.Status = StatusRejected
			o.UpdatedAt = now
			f.offers[id] = o
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) Get(ctx context.Context, id int64) (Offer, error) {
	return f.GetForUpdate(ctx, nil, id)
}

func (f *fakeRepo) List(ctx context.Context, filter Filter, params pagination.Params) (pagination.Page[Offer], error) {
	all, _ := f.All(ctx, filter)
	return pagination.Page[Offer]{Data: all, Pagination: pagination.New(len(all), params)}, nil
}

func (f *fakeRepo) All(_ context.Context, filter Filter) ([]Offer, error) {
	var out []Offer
	for _, o := range f.offers {
		if filter.ListingID != 0 && o.ListingID != filter.ListingID {
			continue
		}
		if filter.BuyerID != 0 && o.BuyerID != filter.BuyerID {
			continue
		}
		if filter.SellerID != 0 && o.SellerID != filter.SellerID {
			continue
		}
		if filter.ParticipantID != 0 && o.BuyerID != filter.ParticipantID && o.SellerID != filter.ParticipantID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f *fakeRepo) Highest(_ context.Context, listingID int64) (Highest, error) {
	var h Highest
	for _, o := range f.offers {
		if o.ListingID != listingID || (o.Status != StatusPending && o.Status != StatusAccepted) {
			continue
		}
		h.Count++
		if o.Amount.GreaterThan(h.Amount) {
			h.Amount = o.Amount
		}
	}
	return h, nil
}

func (f *fakeRepo) CountPending(ctx context.Context, filter Filter) (int, error) {
	filter.Status = StatusPending
	all, _ := f.All(ctx, filter)
	return len(all), nil
}

type fakeAuditor struct {
	entries []audit.Entry
}

func (f *fakeAuditor) Append(_ context.Context, _ db.Querier, e audit.Entry) (int64, error) {
	f.entries = append(f.entries, e)
	return int64(len(f.entries)), nil
}

type fakeHook struct {
	accepted []Offer
	err      error
}

func (f *fakeHook) Accepted(_ context.Context, _ db.Querier, o Offer) error {
	if f.err != nil {
		return f.err
	}
	f.accepted = append(f.accepted, o)
	return nil
}
