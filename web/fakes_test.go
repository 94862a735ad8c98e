package web

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"escrowdesk/auth"
	"escrowdesk/dashboard"
	"escrowdesk/dispute"
	"escrowdesk/escrow"
	"escrowdesk/flash"
	"escrowdesk/pagination"
	"escrowdesk/settings"
)

var testNow = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

var (
	adminP  = auth.Principal{UserID: 1, Name: "Ada", Role: auth.RoleAdmin, SessionID: "sess-admin"}
	buyerP  = auth.Principal{UserID: 10, Name: "Bea", Role: auth.RoleUser, SessionID: "sess-buyer"}
	sellerP = auth.Principal{UserID: 20, Name: "Sol", Role: auth.RoleUser, SessionID: "sess-seller"}
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAuth struct {
	sessions map[string]auth.Principal
	login    auth.LoginResult
	loginErr error
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{sessions: map[string]auth.Principal{
		"tok-admin":  adminP,
		"tok-buyer":  buyerP,
		"tok-seller": sellerP,
	}}
}

func (f *fakeAuth) Login(context.Context, auth.LoginRequest) (auth.LoginResult, error) {
	return f.login, f.loginErr
}

func (f *fakeAuth) Authenticate(_ context.Context, token string) (auth.Principal, error) {
	p, ok := f.sessions[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return p, nil
}

type fakeEscrow struct {
	mu sync.Mutex

	tx         escrow.Transaction
	state      escrow.BuyerState
	err        error
	fields     map[string]string
	exportRows []escrow.Transaction
	latest     time.Time

	confirmed  []int64
	viewed     int
	lastFilter escrow.Filter
	lastActor  auth.Principal
	reason     string
}

func (f *fakeEscrow) record(p auth.Principal) {
	f.mu.Lock()
	f.lastActor = p
	f.mu.Unlock()
}

func (f *fakeEscrow) Get(_ context.Context, p auth.Principal, _ int64) (escrow.Transaction, error) {
	f.record(p)
	return f.tx, f.err
}

func (f *fakeEscrow) BuyerState(_ context.Context, p auth.Principal, _ int64) (escrow.Transaction, escrow.BuyerState, error) {
	f.record(p)
	return f.tx, f.state, f.err
}

func (f *fakeEscrow) Deadlines(_ context.Context, t escrow.Transaction) escrow.Deadlines {
	return escrow.ComputeDeadlines(t, escrow.DefaultWindows)
}

func (f *fakeEscrow) SubmitCredentials(_ context.Context, p auth.Principal, _ int64, fields map[string]string) (escrow.Transaction, error) {
	f.record(p)
	f.fields = fields
	return f.tx, f.err
}

func (f *fakeEscrow) ViewCredentials(_ context.Context, p auth.Principal, _ int64, _ escrow.RequestMeta) (escrow.CredentialView, error) {
	f.record(p)
	if f.err != nil {
		return escrow.CredentialView{}, f.err
	}
	f.viewed++
	return escrow.CredentialView{Transaction: f.tx, Fields: f.fields, SubmittedAt: testNow}, nil
}

func (f *fakeEscrow) ConfirmCredentials(_ context.Context, p auth.Principal, txID int64) (escrow.Transaction, error) {
	f.record(p)
	if f.err != nil {
		return escrow.Transaction{}, f.err
	}
	f.confirmed = append(f.confirmed, txID)
	t := f.tx
	t.TransferStatus = escrow.TransferVerified
	return t, nil
}

func (f *fakeEscrow) ReportIssue(_ context.Context, p auth.Principal, txID int64, reason string) (escrow.Transaction, dispute.Dispute, error) {
	f.record(p)
	if f.err != nil {
		return escrow.Transaction{}, dispute.Dispute{}, f.err
	}
	f.reason = reason
	t := f.tx
	t.TransferStatus = escrow.TransferDisputed
	return t, dispute.Dispute{CaseID: "DSP-TEST", TransactionID: txID}, nil
}

func (f *fakeEscrow) ListForUser(_ context.Context, p auth.Principal, filter escrow.Filter, params pagination.Params) (pagination.Page[escrow.Transaction], error) {
	f.record(p)
	f.lastFilter = filter
	rows := f.exportRows
	return pagination.Page[escrow.Transaction]{Data: rows, Pagination: pagination.New(len(rows), params)}, f.err
}

func (f *fakeEscrow) Export(_ context.Context, p auth.Principal, filter escrow.Filter) ([]escrow.Transaction, error) {
	f.record(p)
	f.lastFilter = filter
	return f.exportRows, f.err
}

func (f *fakeEscrow) LatestUpdate(context.Context, auth.Principal) (time.Time, error) {
	return f.latest, f.err
}

type fakeDashboard struct{}

func (fakeDashboard) Admin(context.Context) dashboard.AdminStats {
	return dashboard.AdminStats{OpenDisputes: 3}
}

func (fakeDashboard) User(context.Context, int64) dashboard.UserStats {
	return dashboard.UserStats{Purchases: 2}
}

type fakeSettings struct {
	values  settings.Values
	updated map[string]string
	err     error
}

func (f *fakeSettings) All(context.Context) ([]settings.Setting, error) {
	var out []settings.Setting
	for k, v := range f.values {
		out = append(out, settings.Setting{Key: k, Value: v})
	}
	return out, nil
}

func (f *fakeSettings) Values(context.Context) (settings.Values, error) {
	return f.values, nil
}

func (f *fakeSettings) BulkUpdate(_ context.Context, _ auth.Principal, values map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.updated = values
	return nil
}

type testServer struct {
	*Server
	flash *flash.MemoryStore
}

func newTestServer(t *testing.T, deps Deps, opts ...func(*Options)) testServer {
	t.Helper()
	if deps.Auth == nil {
		deps.Auth = newFakeAuth()
	}
	store := flash.NewMemoryStore(time.Minute)
	deps.Flash = store
	deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	o := Options{
		BaseURL:    "https://desk.example.com",
		CSRFSecret: "test-csrf-secret",
		Now:        func() time.Time { return testNow },
	}
	for _, fn := range opts {
		fn(&o)
	}
	s, err := NewServer(deps, o)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return testServer{Server: s, flash: store}
}

// do sends a request as the principal holding token. Empty token is anonymous.
func (ts testServer) do(method, target, token, contentType, body string, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts testServer) token(p auth.Principal) string {
	return ts.csrf.Token(p.SessionID)
}
