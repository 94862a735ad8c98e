package listing

import (
	"errors"
	"sort"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusDraft, StatusPendingReview, true},
		{StatusPendingReview, StatusActive, true},
		{StatusPendingReview, StatusRejected, true},
		{StatusRejected, StatusPendingReview, true},
		{StatusActive, StatusSold, true},
		{StatusActive, StatusArchived, true},
		{StatusDraft, StatusActive, false},
		{StatusSold, StatusActive, false},
		{StatusArchived, StatusActive, false},
		{StatusSold, StatusArchived, false},
	}
	for _, tc := range cases {
		err := CanTransition(tc.from, tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s: expected allowed, got %v", tc.from, tc.to, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
	}
}

func TestStatusOrder(t *testing.T) {
	want := "CASE l.status WHEN 'pending_review' THEN 0 WHEN 'active' THEN 1 WHEN 'draft' THEN 2" +
		" WHEN 'sold' THEN 3 WHEN 'rejected' THEN 4 WHEN 'archived' THEN 5 ELSE 6 END"
	if got := orderByStatus("l.status"); got != want {
		t.Fatalf("unexpected order clause:\n got %s\nwant %s", got, want)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ls := []Listing{
		{ID: 1, Status: StatusArchived, CreatedAt: base},
		{ID: 2, Status: StatusActive, CreatedAt: base},
		{ID: 3, Status: StatusPendingReview, CreatedAt: base},
		{ID: 4, Status: StatusActive, CreatedAt: base.Add(time.Hour)},
	}
	sortListings(ls)
	got := []int64{ls[0].ID, ls[1].ID, ls[2].ID, ls[3].ID}
	want2 := []int64{3, 4, 2, 1}
	for i := range got {
		if got[i] != want2[i] {
			t.Fatalf("expected order %v, got %v", want2, got)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("pending_review"); err != nil || s != StatusPendingReview {
		t.Fatalf("unexpected parse %q %v", s, err)
	}
	if _, err := ParseStatus("live"); err == nil {
		t.Fatal("expected unknown status to fail")
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Social Accounts":      "social-accounts",
		"  SaaS / Apps  ":      "saas-apps",
		"Domains & Websites!!": "domains-websites",
		"---":                  "",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}

// sortListings mirrors the SQL ordering for in-memory fakes.
func sortListings(ls []Listing) {
	sort.SliceStable(ls, func(i, j int) bool {
		if ri, rj := ls[i].Status.Rank(), ls[j].Status.Rank(); ri != rj {
			return ri < rj
		}
		if !ls[i].CreatedAt.Equal(ls[j].CreatedAt) {
			return ls[i].CreatedAt.After(ls[j].CreatedAt)
		}
		return ls[i].ID > ls[j].ID
	})
}
