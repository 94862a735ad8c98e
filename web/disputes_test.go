package web

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"escrowdesk/auth"
	"escrowdesk/dispute"
	"escrowdesk/flash"
	"escrowdesk/pagination"
)

type mockDisputes struct {
	mock.Mock
}

func (m *mockDisputes) Get(ctx context.Context, p auth.Principal, id int64) (dispute.Dispute, error) {
	args := m.Called(ctx, p, id)
	return args.Get(0).(dispute.Dispute), args.Error(1)
}

func (m *mockDisputes) List(ctx context.Context, p auth.Principal, f dispute.Filter, params pagination.Params) (pagination.Page[dispute.Dispute], error) {
	args := m.Called(ctx, p, f, params)
	return args.Get(0).(pagination.Page[dispute.Dispute]), args.Error(1)
}

func (m *mockDisputes) Export(ctx context.Context, p auth.Principal, f dispute.Filter) ([]dispute.Dispute, error) {
	args := m.Called(ctx, p, f)
	return args.Get(0).([]dispute.Dispute), args.Error(1)
}

func (m *mockDisputes) Review(ctx context.Context, p auth.Principal, id int64) (dispute.Dispute, error) {
	args := m.Called(ctx, p, id)
	return args.Get(0).(dispute.Dispute), args.Error(1)
}

func (m *mockDisputes) Resolve(ctx context.Context, p auth.Principal, id int64, resolution string, outcome dispute.Outcome) (dispute.Dispute, error) {
	args := m.Called(ctx, p, id, resolution, outcome)
	return args.Get(0).(dispute.Dispute), args.Error(1)
}

func (m *mockDisputes) Escalate(ctx context.Context, p auth.Principal, id int64, note string) (dispute.Dispute, error) {
	args := m.Called(ctx, p, id, note)
	return args.Get(0).(dispute.Dispute), args.Error(1)
}

func TestResolveDispute(t *testing.T) {
	disputes := new(mockDisputes)
	disputes.On("Resolve", mock.Anything, adminP, int64(5), "Seller never delivered", dispute.OutcomeRefund).
		Return(dispute.Dispute{ID: 5, CaseID: "DSP-ABC123"}, nil).Once()
	ts := newTestServer(t, Deps{Disputes: disputes})

	form := url.Values{
		"csrf_token": {ts.token(adminP)},
		"resolution": {"Seller never delivered"},
		"outcome":    {"refund"},
	}
	rec := ts.do(http.MethodPost, "/admin/disputes/5/resolve", "tok-admin", "application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin/disputes", rec.Header().Get("Location"))
	disputes.AssertExpectations(t)

	msgs, err := ts.flash.Pop(context.Background(), adminP.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, flash.Success("Dispute DSP-ABC123 resolved."), msgs[0])
}

func TestResolveDispute_UnknownOutcome(t *testing.T) {
	disputes := new(mockDisputes)
	ts := newTestServer(t, Deps{Disputes: disputes})

	form := url.Values{
		"csrf_token": {ts.token(adminP)},
		"resolution": {"split it"},
		"outcome":    {"split"},
	}
	rec := ts.do(http.MethodPost, "/admin/disputes/5/resolve", "tok-admin", "application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusSeeOther, rec.Code)
	disputes.AssertNotCalled(t, "Resolve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	msgs, _ := ts.flash.Pop(context.Background(), adminP.SessionID)
	require.Len(t, msgs, 1)
	assert.Equal(t, flash.KindError, msgs[0].Kind)
	assert.Equal(t, "unknown outcome", msgs[0].Fields["outcome"])
}

func TestResolveDispute_ConflictFlashesBack(t *testing.T) {
	disputes := new(mockDisputes)
	disputes.On("Resolve", mock.Anything, adminP, int64(5), "late", dispute.OutcomeNone).
		Return(dispute.Dispute{}, dispute.ErrBadStatus).Once()
	ts := newTestServer(t, Deps{Disputes: disputes})

	form := url.Values{"csrf_token": {ts.token(adminP)}, "resolution": {"late"}}
	rec := ts.do(http.MethodPost, "/admin/disputes/5/resolve", "tok-admin", "application/x-www-form-urlencoded", form.Encode(),
		"Referer", "http://example.com/admin/disputes?status=open")

	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/admin/disputes?status=open", rec.Header().Get("Location"))
	disputes.AssertExpectations(t)
}
