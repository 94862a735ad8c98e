package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus is the credential hand-off state of a transaction.
type TransferStatus string

const (
	TransferPaid                 TransferStatus = "paid"
	TransferCredentialsSubmitted TransferStatus = "credentials_submitted"
	TransferVerified             TransferStatus = "verified"
	TransferDisputed             TransferStatus = "disputed"
)

// PaymentStatus is the state of the escrowed funds.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentReleased  PaymentStatus = "released"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Held reports whether the platform still holds the funds.
func (p PaymentStatus) Held() bool {
	return p == PaymentCompleted
}

// Transaction mirrors the transactions table joined with display names.
type Transaction struct {
	ID                     int64
	BuyerID                int64
	SellerID               int64
	ListingID              int64
	OfferID                int64
	ListingTitle           string
	BuyerName              string
	SellerName             string
	Amount                 decimal.Decimal
	Status                 PaymentStatus
	TransferStatus         TransferStatus
	EncryptionKey          string
	CredentialsSubmittedAt *time.Time
	VerifiedAt             *time.Time
	DisputedAt             *time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Participant reports whether userID is the buyer or the seller.
func (t Transaction) Participant(userID int64) bool {
	return userID != 0 && (t.BuyerID == userID || t.SellerID == userID)
}

// Credentials is the sealed payload a seller submitted for a transaction.
type Credentials struct {
	ID            int64
	TransactionID int64
	Data          []byte
	CreatedAt     time.Time
}

// CredentialView is what a buyer sees after a successful decryption.
type CredentialView struct {
	Transaction    Transaction
	Fields         map[string]string
	SubmittedAt    time.Time
	VerifyDeadline time.Time
}

// BuyerState is what the buyer-facing transaction page renders.
type BuyerState string

const (
	BuyerAwaitingCredentials BuyerState = "awaiting_credentials"
	BuyerReadyToVerify       BuyerState = "ready_to_verify"
	BuyerVerified            BuyerState = "verified"
	BuyerDisputed            BuyerState = "disputed"
)

// DeriveBuyerState maps a transaction and the presence of its credentials
// row to the buyer's view. A transaction without credentials is always
// awaiting them unless it already reached a terminal state.
func DeriveBuyerState(t Transaction, hasCredentials bool) BuyerState {
	switch t.TransferStatus {
	case TransferVerified:
		return BuyerVerified
	case TransferDisputed:
		return BuyerDisputed
	}
	if !hasCredentials {
		return BuyerAwaitingCredentials
	}
	return BuyerReadyToVerify
}

// Side selects purchases or sales for a non-staff listing.
type Side string

const (
	SideAll       Side = ""
	SidePurchases Side = "purchases"
	SideSales     Side = "sales"
)

// Filter narrows transaction listings. Zero values are ignored.
type Filter struct {
	TransferStatus TransferStatus
	Status         PaymentStatus
	BuyerID        int64
	SellerID       int64
	ParticipantID  int64
	Side           Side
	Search         string
}

// CreateParams describes a transaction opened once payment clears.
type CreateParams struct {
	BuyerID   int64
	SellerID  int64
	ListingID int64
	OfferID   int64
	Amount    decimal.Decimal
}

// RequestMeta is optional caller context recorded in access logs.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Windows are the hand-off deadlines.
type Windows struct {
	SellerSubmit time.Duration
	BuyerVerify  time.Duration
}

// DefaultWindows are 48 hours for the seller and 7 days for the buyer.
var DefaultWindows = Windows{
	SellerSubmit: 48 * time.Hour,
	BuyerVerify:  7 * 24 * time.Hour,
}

func (w Windows) withDefaults() Windows {
	if w.SellerSubmit <= 0 {
		w.SellerSubmit = DefaultWindows.SellerSubmit
	}
	if w.BuyerVerify <= 0 {
		w.BuyerVerify = DefaultWindows.BuyerVerify
	}
	return w
}

// Phase names the party a deadline applies to.
type Phase string

const (
	PhaseSellerSubmit Phase = "seller_submit"
	PhaseBuyerVerify  Phase = "buyer_verify"
)

// Deadlines are the advisory hand-off deadlines of one transaction.
type Deadlines struct {
	SubmitBy time.Time
	VerifyBy *time.Time
}

// ComputeDeadlines derives deadlines from the transaction timestamps.
func ComputeDeadlines(t Transaction, w Windows) Deadlines {
	w = w.withDefaults()
	d := Deadlines{SubmitBy: t.CreatedAt.Add(w.SellerSubmit)}
	if t.CredentialsSubmittedAt != nil {
		verifyBy := t.CredentialsSubmittedAt.Add(w.BuyerVerify)
		d.VerifyBy = &verifyBy
	}
	return d
}

// Overdue reports the phase whose deadline passed at now, if any.
func (d Deadlines) Overdue(t Transaction, now time.Time) (Phase, bool) {
	switch t.TransferStatus {
	case TransferPaid:
		if now.After(d.SubmitBy) {
			return PhaseSellerSubmit, true
		}
	case TransferCredentialsSubmitted:
		if d.VerifyBy != nil && now.After(*d.VerifyBy) {
			return PhaseBuyerVerify, true
		}
	}
	return "", false
}

// OverdueTransaction is one sweep result.
type OverdueTransaction struct {
	Transaction Transaction
	Phase       Phase
	DueAt       time.Time
}
