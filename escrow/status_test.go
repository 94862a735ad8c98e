package escrow

import (
	"errors"
	"testing"
	"time"

	"escrowdesk/apperr"
)

func TestCanTransition_AllPairs(t *testing.T) {
	all := []TransferStatus{TransferPaid, TransferCredentialsSubmitted, TransferVerified, TransferDisputed}
	allowed := map[[2]TransferStatus]bool{
		{TransferPaid, TransferCredentialsSubmitted}:     true,
		{TransferPaid, TransferDisputed}:                 true,
		{TransferCredentialsSubmitted, TransferVerified}: true,
		{TransferCredentialsSubmitted, TransferDisputed}: true,
	}

	for _, from := range all {
		for _, to := range all {
			err := CanTransition(from, to)
			if allowed[[2]TransferStatus{from, to}] {
				if err != nil {
					t.Errorf("%s -> %s: expected allowed, got %v", from, to, err)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
			if !apperr.Is(err, apperr.KindConflict) {
				t.Errorf("%s -> %s: expected conflict kind, got %v", from, to, apperr.KindOf(err))
			}
		}
	}
}

func TestCanTransition_VerifiedNeverReverts(t *testing.T) {
	if err := CanTransition(TransferVerified, TransferPaid); err == nil {
		t.Fatal("expected verified -> paid to be rejected")
	}
	if got := ValidTransitions(TransferVerified); len(got) != 0 {
		t.Fatalf("expected no transitions out of verified, got %v", got)
	}
	if got := ValidTransitions(TransferDisputed); len(got) != 0 {
		t.Fatalf("expected no transitions out of disputed, got %v", got)
	}
}

func TestValidTransitions_ReturnsCopy(t *testing.T) {
	got := ValidTransitions(TransferPaid)
	got[0] = TransferVerified
	if err := CanTransition(TransferPaid, TransferVerified); err == nil {
		t.Fatal("mutating the returned slice must not change the transition table")
	}
}

func TestParseTransferStatus(t *testing.T) {
	if s, err := ParseTransferStatus("credentials_submitted"); err != nil || s != TransferCredentialsSubmitted {
		t.Fatalf("unexpected parse result %q, %v", s, err)
	}
	if _, err := ParseTransferStatus("shipped"); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !TransferVerified.Terminal() || !TransferDisputed.Terminal() || TransferPaid.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
}

func TestDeriveBuyerState(t *testing.T) {
	cases := []struct {
		name   string
		status TransferStatus
		has    bool
		want   BuyerState
	}{
		{"paid without credentials", TransferPaid, false, BuyerAwaitingCredentials},
		{"submitted without row", TransferCredentialsSubmitted, false, BuyerAwaitingCredentials},
		{"submitted with row", TransferCredentialsSubmitted, true, BuyerReadyToVerify},
		{"verified", TransferVerified, true, BuyerVerified},
		{"disputed before delivery", TransferDisputed, false, BuyerDisputed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveBuyerState(Transaction{TransferStatus: tc.status}, tc.has)
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestDeadlines_Overdue(t *testing.T) {
	created := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	tx := Transaction{TransferStatus: TransferPaid, CreatedAt: created}

	d := ComputeDeadlines(tx, Windows{})
	if !d.SubmitBy.Equal(created.Add(48 * time.Hour)) {
		t.Fatalf("unexpected submit deadline %v", d.SubmitBy)
	}
	if d.VerifyBy != nil {
		t.Fatal("expected no verify deadline before submission")
	}
	if _, late := d.Overdue(tx, created.Add(47*time.Hour)); late {
		t.Fatal("expected seller to be within window")
	}
	if phase, late := d.Overdue(tx, created.Add(49*time.Hour)); !late || phase != PhaseSellerSubmit {
		t.Fatalf("expected seller_submit overdue, got %q %v", phase, late)
	}

	submitted := created.Add(time.Hour)
	tx.TransferStatus = TransferCredentialsSubmitted
	tx.CredentialsSubmittedAt = &submitted
	d = ComputeDeadlines(tx, Windows{})
	if d.VerifyBy == nil || !d.VerifyBy.Equal(submitted.Add(7*24*time.Hour)) {
		t.Fatalf("unexpected verify deadline %v", d.VerifyBy)
	}
	if phase, late := d.Overdue(tx, submitted.Add(8*24*time.Hour)); !late || phase != PhaseBuyerVerify {
		t.Fatalf("expected buyer_verify overdue, got %q %v", phase, late)
	}

	tx.TransferStatus = TransferVerified
	if _, late := d.Overdue(tx, submitted.Add(30*24*time.Hour)); late {
		t.Fatal("verified transactions are never overdue")
	}
}
