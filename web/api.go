package web

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"escrowdesk/apperr"
	"escrowdesk/escrow"
)

var (
	errBadRequest  = apperr.Validation("web: missing transaction id", map[string]string{"transaction_id": "required"})
	errRateLimited = apperr.New(apperr.KindConflict, "web: too many credential views, please wait a moment")
)

// apiRequest is the body accepted by the credential endpoints, as JSON or
// as a form post.
type apiRequest struct {
	TransactionID int64  `json:"transaction_id" form:"transaction_id"`
	CSRFToken     string `json:"csrf_token" form:"csrf_token"`
	Reason        string `json:"reason" form:"reason"`
}

type apiResponse struct {
	Success        bool              `json:"success"`
	Error          string            `json:"error,omitempty"`
	TransferStatus string            `json:"transfer_status,omitempty"`
	DisputeCaseID  string            `json:"dispute_case_id,omitempty"`
	Credentials    map[string]string `json:"credentials,omitempty"`
	SubmittedAt    string            `json:"submitted_at,omitempty"`
	VerifyBy       string            `json:"verify_by,omitempty"`
}

func bindAPI(c *gin.Context) (apiRequest, error) {
	var req apiRequest
	var err error
	if strings.HasPrefix(c.ContentType(), binding.MIMEJSON) {
		err = c.ShouldBindBodyWith(&req, binding.JSON)
	} else {
		err = c.ShouldBind(&req)
	}
	if err != nil || req.TransactionID <= 0 {
		return apiRequest{}, errBadRequest
	}
	return req, nil
}

func (s *Server) apiConfirmCredentials(c *gin.Context) {
	req, err := bindAPI(c)
	if err != nil {
		s.apiError(c, err)
		return
	}
	t, err := s.deps.Escrow.ConfirmCredentials(c.Request.Context(), principal(c), req.TransactionID)
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, TransferStatus: string(t.TransferStatus)})
}

func (s *Server) apiReportIssue(c *gin.Context) {
	req, err := bindAPI(c)
	if err != nil {
		s.apiError(c, err)
		return
	}
	t, d, err := s.deps.Escrow.ReportIssue(c.Request.Context(), principal(c), req.TransactionID, req.Reason)
	if err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, apiResponse{Success: true, TransferStatus: string(t.TransferStatus), DisputeCaseID: d.CaseID})
}

func (s *Server) apiViewCredentials(c *gin.Context) {
	req, err := bindAPI(c)
	if err != nil {
		s.apiError(c, err)
		return
	}
	p := principal(c)
	if !s.limiter.Allow(p.UserID) {
		c.JSON(http.StatusTooManyRequests, apiResponse{Error: publicMessage(errRateLimited)})
		return
	}
	view, err := s.deps.Escrow.ViewCredentials(c.Request.Context(), p, req.TransactionID, escrow.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		s.apiError(c, err)
		return
	}
	resp := apiResponse{
		Success:        true,
		TransferStatus: string(view.Transaction.TransferStatus),
		Credentials:    view.Fields,
		SubmittedAt:    view.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if !view.VerifyDeadline.IsZero() {
		resp.VerifyBy = view.VerifyDeadline.UTC().Format(time.RFC3339)
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

type changesResponse struct {
	Success      bool  `json:"success"`
	Changed      bool  `json:"changed"`
	Transactions int64 `json:"transactions"`
	Activity     int64 `json:"activity"`
	Now          int64 `json:"now"`
}

// apiChanges reports whether anything the caller can see changed after
// ?since (unix seconds). Pages poll it and reload when changed is true.
func (s *Server) apiChanges(c *gin.Context) {
	ctx, p := c.Request.Context(), principal(c)
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)

	txAt, err := s.deps.Escrow.LatestUpdate(ctx, p)
	if err != nil {
		s.apiError(c, err)
		return
	}
	var logAt time.Time
	if s.deps.Logs != nil {
		if logAt, err = s.deps.Logs.LatestAt(ctx, p.UserID); err != nil {
			s.apiError(c, err)
			return
		}
	}

	resp := changesResponse{
		Success:      true,
		Transactions: unix(txAt),
		Activity:     unix(logAt),
		Now:          s.opts.Now().Unix(),
	}
	resp.Changed = resp.Transactions > since || resp.Activity > since
	c.JSON(http.StatusOK, resp)
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
