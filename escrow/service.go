package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"escrowdesk/apperr"
	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/db"
	"escrowdesk/dispute"
	"escrowdesk/pagination"
	"escrowdesk/vault"
)

// MaxReasonLength bounds the free-text reason of an issue report.
const MaxReasonLength = 2000

var (
	// ErrSellerWindowOpen signals a non-delivery report before the seller's
	// submission deadline passed.
	ErrSellerWindowOpen = apperr.New(apperr.KindConflict, "escrow: seller submission window is still open")
	// ErrNotSettleable signals a settlement on a transaction that is not
	// disputed with funds held.
	ErrNotSettleable = apperr.New(apperr.KindConflict, "escrow: transaction cannot be settled")
)

// Auditor appends log entries on the caller's querier.
type Auditor interface {
	Append(ctx context.Context, q db.Querier, e audit.Entry) (int64, error)
}

// PaymentReleaser moves escrowed funds to the seller. It runs inside the
// confirmation transaction.
type PaymentReleaser interface {
	Release(ctx context.Context, q db.Querier, t Transaction) error
}

// DisputeOpener opens a dispute inside the report-issue transaction.
type DisputeOpener interface {
	Open(ctx context.Context, q db.Querier, params dispute.OpenParams) (dispute.Dispute, error)
}

// Observer receives escrow events for metrics.
type Observer interface {
	ObserveTransition(from, to string)
	ObserveDecryption(result string)
}

type noopObserver struct{}

func (noopObserver) ObserveTransition(string, string) {}
func (noopObserver) ObserveDecryption(string)         {}

// LogReleaser records the release in the logs table. Settlement with a
// payment provider happens outside this system.
type LogReleaser struct {
	Audit Auditor
}

func (r LogReleaser) Release(ctx context.Context, q db.Querier, t Transaction) error {
	_, err := r.Audit.Append(ctx, q, audit.Entry{
		UserID:        t.SellerID,
		TransactionID: t.ID,
		Action:        audit.ActionPaymentReleased,
		Details:       map[string]any{"amount": t.Amount.StringFixed(2)},
	})
	return err
}

// Service implements the credential hand-off flow.
type Service struct {
	pool     db.Pool
	repo     Repository
	audit    Auditor
	releaser PaymentReleaser
	disputes DisputeOpener
	observer Observer
	windows  Windows
	source   WindowSource
	now      func() time.Time
	newKey   func() (string, error)
}

func NewService(pool db.Pool, repo Repository, auditor Auditor, disputes DisputeOpener) *Service {
	if auditor == nil {
		auditor = audit.Writer{}
	}
	return &Service{
		pool:     pool,
		repo:     repo,
		audit:    auditor,
		releaser: LogReleaser{Audit: auditor},
		disputes: disputes,
		observer: noopObserver{},
		windows:  DefaultWindows,
		now:      func() time.Time { return time.Now().UTC() },
		newKey:   vault.GenerateKey,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// WindowSource returns the current hand-off deadlines, for windows an
// admin can edit while the service runs.
type WindowSource func(ctx context.Context) (Windows, error)

// WithWindows overrides the hand-off deadlines. They are also the fallback
// when a WindowSource fails.
func (s *Service) WithWindows(w Windows) *Service {
	s.windows = w.withDefaults()
	return s
}

// WithWindowSource makes every deadline check read the windows from src.
func (s *Service) WithWindowSource(src WindowSource) *Service {
	s.source = src
	return s
}

// WithReleaser overrides the payment releaser.
func (s *Service) WithReleaser(r PaymentReleaser) *Service {
	if r != nil {
		s.releaser = r
	}
	return s
}

// WithObserver attaches a metrics observer.
func (s *Service) WithObserver(o Observer) *Service {
	if o != nil {
		s.observer = o
	}
	return s
}

// Windows returns the deadlines in force now.
func (s *Service) Windows(ctx context.Context) Windows {
	if s.source == nil {
		return s.windows
	}
	w, err := s.source(ctx)
	if err != nil {
		return s.windows
	}
	return w.withDefaults()
}

// Create opens a transaction in the paid state with a fresh encryption key.
func (s *Service) Create(ctx context.Context, q db.Querier, params CreateParams) (Transaction, error) {
	if params.BuyerID == 0 || params.SellerID == 0 || params.ListingID == 0 {
		return Transaction{}, apperr.Validation("escrow: buyer, seller and listing are required", nil)
	}
	if params.BuyerID == params.SellerID {
		return Transaction{}, apperr.Validation("escrow: buyer and seller must differ", nil)
	}
	if !params.Amount.IsPositive() {
		return Transaction{}, apperr.Validation("escrow: amount must be positive", map[string]string{"amount": "must be positive"})
	}
	key, err := s.newKey()
	if err != nil {
		return Transaction{}, err
	}
	return s.repo.Create(ctx, q, params, key, s.now())
}

// SubmitCredentials seals fields for the buyer and moves the transaction to
// credentials_submitted. Only the seller may submit, once.
func (s *Service) SubmitCredentials(ctx context.Context, p auth.Principal, txID int64, fields map[string]string) (Transaction, error) {
	clean, err := cleanFields(fields)
	if err != nil {
		return Transaction{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if p.UserID == 0 || t.SellerID != p.UserID {
		return Transaction{}, ErrForbidden
	}
	if t.TransferStatus == TransferCredentialsSubmitted {
		return Transaction{}, ErrCredentialsExist
	}
	from := t.TransferStatus
	if err := CanTransition(from, TransferCredentialsSubmitted); err != nil {
		return Transaction{}, err
	}

	if t.EncryptionKey == "" {
		if t.EncryptionKey, err = s.newKey(); err != nil {
			return Transaction{}, err
		}
	}
	blob, err := vault.Seal(t.EncryptionKey, clean)
	if err != nil {
		return Transaction{}, err
	}

	now := s.now()
	if _, err := s.repo.InsertCredentials(ctx, tx, t.ID, blob, now); err != nil {
		return Transaction{}, err
	}

	t.TransferStatus = TransferCredentialsSubmitted
	t.CredentialsSubmittedAt = &now
	t.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, t); err != nil {
		return Transaction{}, err
	}

	if _, err := s.audit.Append(ctx, tx, audit.Entry{
		UserID:        p.UserID,
		TransactionID: t.ID,
		Action:        audit.ActionCredentialsSubmitted,
		Details:       map[string]any{"fields": len(clean)},
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	s.observer.ObserveTransition(string(from), string(t.TransferStatus))
	return t, nil
}

// ViewCredentials decrypts the submitted credentials for the buyer, the
// seller or an admin. Every successful decryption is logged before the
// fields are returned.
func (s *Service) ViewCredentials(ctx context.Context, p auth.Principal, txID int64, meta RequestMeta) (CredentialView, error) {
	t, err := s.repo.Get(ctx, txID)
	if err != nil {
		return CredentialView{}, err
	}
	if !t.Participant(p.UserID) && p.Role != auth.RoleAdmin {
		return CredentialView{}, ErrForbidden
	}

	creds, err := s.repo.Credentials(ctx, txID)
	if err != nil {
		return CredentialView{}, err
	}

	fields, err := vault.Open(t.EncryptionKey, creds.Data)
	if err != nil {
		s.observer.ObserveDecryption("failure")
		return CredentialView{}, err
	}

	details := map[string]any{"role": string(p.Role)}
	if meta.UserAgent != "" {
		details["user_agent"] = meta.UserAgent
	}
	if _, err := s.audit.Append(ctx, s.pool, audit.Entry{
		UserID:        p.UserID,
		TransactionID: t.ID,
		Action:        audit.ActionCredentialsViewed,
		Details:       details,
		IP:            meta.IP,
	}); err != nil {
		return CredentialView{}, err
	}
	s.observer.ObserveDecryption("success")

	view := CredentialView{
		Transaction: t,
		Fields:      fields,
		SubmittedAt: creds.CreatedAt,
	}
	if d := ComputeDeadlines(t, s.Windows(ctx)); d.VerifyBy != nil {
		view.VerifyDeadline = *d.VerifyBy
	}
	return view, nil
}

// ConfirmCredentials marks the hand-off verified and releases payment.
func (s *Service) ConfirmCredentials(ctx context.Context, p auth.Principal, txID int64) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if p.UserID == 0 || t.BuyerID != p.UserID {
		return Transaction{}, ErrForbidden
	}
	from := t.TransferStatus
	if err := CanTransition(from, TransferVerified); err != nil {
		return Transaction{}, err
	}

	now := s.now()
	t.TransferStatus = TransferVerified
	t.Status = PaymentReleased
	t.VerifiedAt = &now
	t.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, t); err != nil {
		return Transaction{}, err
	}
	if err := s.releaser.Release(ctx, tx, t); err != nil {
		return Transaction{}, fmt.Errorf("escrow: release payment: %w", err)
	}
	if _, err := s.audit.Append(ctx, tx, audit.Entry{
		UserID:        p.UserID,
		TransactionID: t.ID,
		Action:        audit.ActionCredentialsConfirmed,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	s.observer.ObserveTransition(string(from), string(t.TransferStatus))
	return t, nil
}

// ReportIssue moves the transaction to disputed and opens a dispute in the
// same database transaction. A paid transaction can be reported only after
// the seller's submission window passed.
func (s *Service) ReportIssue(ctx context.Context, p auth.Principal, txID int64, reason string) (Transaction, dispute.Dispute, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return Transaction{}, dispute.Dispute{}, apperr.Validation("escrow: reason is required", map[string]string{"reason": "required"})
	case utf8.RuneCountInString(reason) > MaxReasonLength:
		return Transaction{}, dispute.Dispute{}, apperr.Validation("escrow: reason is too long",
			map[string]string{"reason": fmt.Sprintf("at most %d characters", MaxReasonLength)})
	}
	if s.disputes == nil {
		return Transaction{}, dispute.Dispute{}, errors.New("escrow: no dispute opener configured")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, dispute.Dispute{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, txID)
	if err != nil {
		return Transaction{}, dispute.Dispute{}, err
	}
	if p.UserID == 0 || t.BuyerID != p.UserID {
		return Transaction{}, dispute.Dispute{}, ErrForbidden
	}
	from := t.TransferStatus
	if err := CanTransition(from, TransferDisputed); err != nil {
		return Transaction{}, dispute.Dispute{}, err
	}
	now := s.now()
	if from == TransferPaid && !now.After(ComputeDeadlines(t, s.Windows(ctx)).SubmitBy) {
		return Transaction{}, dispute.Dispute{}, ErrSellerWindowOpen
	}

	t.TransferStatus = TransferDisputed
	t.DisputedAt = &now
	t.UpdatedAt = now
	if err := s.repo.Update(ctx, tx, t); err != nil {
		return Transaction{}, dispute.Dispute{}, err
	}

	d, err := s.disputes.Open(ctx, tx, dispute.OpenParams{
		TransactionID: t.ID,
		ListingID:     t.ListingID,
		BuyerID:       t.BuyerID,
		SellerID:      t.SellerID,
		OpenedBy:      p.UserID,
		Reason:        reason,
		Amount:        t.Amount,
	})
	if err != nil {
		return Transaction{}, dispute.Dispute{}, err
	}

	if _, err := s.audit.Append(ctx, tx, audit.Entry{
		UserID:        p.UserID,
		TransactionID: t.ID,
		Action:        audit.ActionCredentialIssue,
		Details:       map[string]any{"case_id": d.CaseID, "from": string(from)},
	}); err != nil {
		return Transaction{}, dispute.Dispute{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, dispute.Dispute{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	s.observer.ObserveTransition(string(from), string(t.TransferStatus))
	return t, d, nil
}

// Settle applies a dispute outcome to a disputed transaction whose funds are
// still held. It satisfies dispute.Settler.
func (s *Service) Settle(ctx context.Context, q db.Querier, txID int64, outcome dispute.Outcome) error {
	t, err := s.repo.GetForUpdate(ctx, q, txID)
	if err != nil {
		return err
	}
	if t.TransferStatus != TransferDisputed || !t.Status.Held() {
		return ErrNotSettleable
	}

	action := audit.ActionPaymentReleased
	switch outcome {
	case dispute.OutcomeRelease:
		t.Status = PaymentReleased
	case dispute.OutcomeRefund:
		t.Status = PaymentRefunded
		action = audit.ActionPaymentRefunded
	default:
		return nil
	}
	t.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, q, t); err != nil {
		return err
	}
	_, err = s.audit.Append(ctx, q, audit.Entry{
		TransactionID: t.ID,
		Action:        action,
		Details:       map[string]any{"amount": t.Amount.StringFixed(2), "via": "dispute"},
	})
	return err
}

// Get returns a transaction visible to p.
func (s *Service) Get(ctx context.Context, p auth.Principal, txID int64) (Transaction, error) {
	t, err := s.repo.Get(ctx, txID)
	if err != nil {
		return Transaction{}, err
	}
	if !t.Participant(p.UserID) && !p.IsStaff() {
		return Transaction{}, ErrForbidden
	}
	return t, nil
}

// BuyerState returns the transaction with the state its buyer page renders.
func (s *Service) BuyerState(ctx context.Context, p auth.Principal, txID int64) (Transaction, BuyerState, error) {
	t, err := s.Get(ctx, p, txID)
	if err != nil {
		return Transaction{}, "", err
	}
	has, err := s.repo.HasCredentials(ctx, txID)
	if err != nil {
		return Transaction{}, "", err
	}
	return t, DeriveBuyerState(t, has), nil
}

// Deadlines returns the advisory deadlines of t.
func (s *Service) Deadlines(ctx context.Context, t Transaction) Deadlines {
	return ComputeDeadlines(t, s.Windows(ctx))
}

// ListForUser pages transactions. Staff see everything; other users see
// their purchases, their sales, or both depending on f.Side.
func (s *Service) ListForUser(ctx context.Context, p auth.Principal, f Filter, params pagination.Params) (pagination.Page[Transaction], error) {
	f, err := scopeFilter(p, f)
	if err != nil {
		return pagination.Page[Transaction]{}, err
	}
	return s.repo.List(ctx, f, params)
}

// Export returns every transaction ListForUser would show for f.
func (s *Service) Export(ctx context.Context, p auth.Principal, f Filter) ([]Transaction, error) {
	f, err := scopeFilter(p, f)
	if err != nil {
		return nil, err
	}
	return s.repo.All(ctx, f)
}

// ListOverdue returns held transactions past a hand-off deadline at now.
func (s *Service) ListOverdue(ctx context.Context, now time.Time) ([]OverdueTransaction, error) {
	return s.repo.ListOverdue(ctx, now, s.Windows(ctx))
}

// LatestUpdate is the newest change to any transaction p can list: every
// transaction for staff, the user's purchases and sales otherwise.
func (s *Service) LatestUpdate(ctx context.Context, p auth.Principal) (time.Time, error) {
	f, err := scopeFilter(p, Filter{})
	if err != nil {
		return time.Time{}, err
	}
	return s.repo.LatestUpdate(ctx, f)
}

func scopeFilter(p auth.Principal, f Filter) (Filter, error) {
	if p.UserID == 0 {
		return Filter{}, auth.ErrUnauthenticated
	}
	if p.IsStaff() {
		return f, nil
	}
	switch f.Side {
	case SidePurchases:
		f.BuyerID = p.UserID
	case SideSales:
		f.SellerID = p.UserID
	default:
		f.ParticipantID = p.UserID
	}
	return f, nil
}

func cleanFields(fields map[string]string) (map[string]string, error) {
	clean := make(map[string]string, len(fields))
	for k, v := range fields {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		clean[k] = v
	}
	if len(clean) == 0 {
		return nil, apperr.Validation("escrow: at least one credential field is required",
			map[string]string{"credentials": "at least one field is required"})
	}
	return clean, nil
}
