package web

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/dispute"
	"escrowdesk/escrow"
	"escrowdesk/flash"
	"escrowdesk/listing"
	"escrowdesk/offer"
	"escrowdesk/settings"
	"escrowdesk/ticket"
)

type loginView struct {
	Email string
	Next  string
	Error string
}

func (s *Server) loginPage(c *gin.Context) {
	if _, ok := auth.FromContext(c.Request.Context()); ok {
		c.Redirect(http.StatusFound, "/dashboard")
		return
	}
	s.render(c, http.StatusOK, "login.html", "Sign in", loginView{Next: safeNext(c.Query("next"))})
}

func (s *Server) login(c *gin.Context) {
	req := auth.LoginRequest{
		Email:    strings.TrimSpace(c.PostForm("email")),
		Password: c.PostForm("password"),
	}
	next := safeNext(c.PostForm("next"))
	res, err := s.deps.Auth.Login(c.Request.Context(), req)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.ErrorContext(c.Request.Context(), "login failed", "err", err)
		}
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusBadRequest {
			s.render(c, status, "login.html", "Sign in", loginView{Email: req.Email, Next: next, Error: publicMessage(err)})
			return
		}
		s.pageError(c, err)
		return
	}

	maxAge := int(res.ExpiresAt.Sub(s.opts.Now()).Seconds())
	if maxAge <= 0 {
		maxAge = int(s.opts.SessionTTL.Seconds())
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     SessionCookie,
		Value:    res.Token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	s.logger.InfoContext(c.Request.Context(), "user signed in", "user_id", res.User.ID, "role", res.User.Role)

	if next == "" {
		next = "/dashboard"
		if res.User.Role.Staff() {
			next = "/admin"
		}
	}
	c.Redirect(http.StatusSeeOther, next)
}

func (s *Server) logout(c *gin.Context) {
	clearSession(c)
	c.Redirect(http.StatusSeeOther, "/login")
}

// safeNext accepts only local paths.
func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return ""
	}
	return next
}

func (s *Server) userDashboard(c *gin.Context) {
	p := principal(c)
	stats := s.deps.Dashboard.User(c.Request.Context(), p.UserID)
	s.render(c, http.StatusOK, "dashboard.html", "Dashboard", stats)
}

func (s *Server) adminDashboard(c *gin.Context) {
	stats := s.deps.Dashboard.Admin(c.Request.Context())
	s.render(c, http.StatusOK, "admin.html", "Admin dashboard", stats)
}

func escrowFilter(c *gin.Context) escrow.Filter {
	return escrow.Filter{
		TransferStatus: escrow.TransferStatus(c.Query("transfer_status")),
		Status:         escrow.PaymentStatus(c.Query("status")),
		Side:           escrow.Side(c.Query("side")),
		Search:         strings.TrimSpace(c.Query("q")),
	}
}

func (s *Server) adminTransactions(c *gin.Context) {
	s.transactionList(c, escrowFilter(c), "Escrow transactions", true)
}

func (s *Server) myTransactions(c *gin.Context) {
	p := principal(c)
	f := escrowFilter(c)
	switch f.Side {
	case escrow.SidePurchases:
		f.BuyerID = p.UserID
	case escrow.SideSales:
		f.SellerID = p.UserID
	default:
		f.ParticipantID = p.UserID
	}
	s.transactionList(c, f, "My transactions", false)
}

func (s *Server) transactionList(c *gin.Context, f escrow.Filter, title string, admin bool) {
	ctx, p := c.Request.Context(), principal(c)
	if wantsExport(c) {
		rows, err := s.deps.Escrow.Export(ctx, p, f)
		if err != nil {
			s.pageError(c, err)
			return
		}
		writeExport(s, c, title, transactionColumns, rows)
		return
	}
	page, err := s.deps.Escrow.ListForUser(ctx, p, f, s.pageParams(c))
	if err != nil {
		s.pageError(c, err)
		return
	}
	s.render(c, http.StatusOK, "transactions.html", title, listView[escrow.Transaction]{Page: page, Admin: admin})
}

type transactionView struct {
	Transaction escrow.Transaction
	State       escrow.BuyerState
	Deadlines   escrow.Deadlines
	Overdue     escrow.Phase
	IsBuyer     bool
	IsSeller    bool
	CanSubmit   bool
}

func (s *Server) transactionPage(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	p := principal(c)
	t, state, err := s.deps.Escrow.BuyerState(c.Request.Context(), p, id)
	if err != nil {
		s.pageError(c, err)
		return
	}
	d := s.deps.Escrow.Deadlines(c.Request.Context(), t)
	view := transactionView{
		Transaction: t,
		State:       state,
		Deadlines:   d,
		IsBuyer:     t.BuyerID == p.UserID,
		IsSeller:    t.SellerID == p.UserID,
	}
	view.CanSubmit = view.IsSeller && t.TransferStatus == escrow.TransferPaid
	if phase, ok := d.Overdue(t, s.opts.Now()); ok {
		view.Overdue = phase
	}
	s.render(c, http.StatusOK, "transaction.html", t.ListingTitle, view)
}

type credentialsView struct {
	Transaction escrow.Transaction
	Fields      []credentialField
	SubmittedAt time.Time
	VerifyBy    time.Time
}

type credentialField struct {
	Name  string
	Value string
}

// viewCredentials decrypts and shows the hand-off. Every failure goes back
// to the transaction page with a flash message.
func (s *Server) viewCredentials(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := fmt.Sprintf("/transactions/%d", id)
	p := principal(c)
	if !s.limiter.Allow(p.UserID) {
		s.formError(c, errRateLimited, back)
		return
	}
	view, err := s.deps.Escrow.ViewCredentials(c.Request.Context(), p, id, escrow.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if errors.Is(err, escrow.ErrAwaitingCredentials) {
		s.setFlash(c, flash.Error(publicMessage(err)))
		c.Redirect(http.StatusSeeOther, back)
		return
	}
	if err != nil {
		s.formError(c, err, back)
		return
	}
	names := make([]string, 0, len(view.Fields))
	for k := range view.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	cv := credentialsView{
		Transaction: view.Transaction,
		SubmittedAt: view.SubmittedAt,
		VerifyBy:    view.VerifyDeadline,
	}
	for _, k := range names {
		cv.Fields = append(cv.Fields, credentialField{Name: k, Value: view.Fields[k]})
	}
	c.Header("Cache-Control", "no-store")
	s.render(c, http.StatusOK, "credentials.html", "Credentials for "+view.Transaction.ListingTitle, cv)
}

func (s *Server) offerList(c *gin.Context, f offer.Filter, title string, admin bool) {
	ctx, p := c.Request.Context(), principal(c)
	if wantsExport(c) {
		rows, err := s.deps.Offers.Export(ctx, p, f)
		if err != nil {
			s.pageError(c, err)
			return
		}
		writeExport(s, c, title, offerColumns, rows)
		return
	}
	page, err := s.deps.Offers.ListForUser(ctx, p, f, s.pageParams(c))
	if err != nil {
		s.pageError(c, err)
		return
	}
	s.render(c, http.StatusOK, "offers.html", title, listView[offer.Offer]{Page: page, Admin: admin})
}

func offerFilter(c *gin.Context) offer.Filter {
	return offer.Filter{
		ListingID: queryInt64(c, "listing_id"),
		Status:    offer.Status(c.Query("status")),
		Search:    strings.TrimSpace(c.Query("q")),
	}
}

func (s *Server) adminOffers(c *gin.Context) {
	s.offerList(c, offerFilter(c), "Offers", true)
}

func (s *Server) myOffers(c *gin.Context) {
	p := principal(c)
	f := offerFilter(c)
	switch c.Query("side") {
	case "made":
		f.BuyerID = p.UserID
	case "received":
		f.SellerID = p.UserID
	default:
		f.ParticipantID = p.UserID
	}
	s.offerList(c, f, "My offers", false)
}

func (s *Server) adminListings(c *gin.Context) {
	ctx, p := c.Request.Context(), principal(c)
	f := listing.Filter{
		Status:     listing.Status(c.Query("status")),
		CategoryID: queryInt64(c, "category_id"),
		LabelID:    queryInt64(c, "label_id"),
		AssetType:  c.Query("asset_type"),
		Search:     strings.TrimSpace(c.Query("q")),
	}
	const title = "Listings"
	if wantsExport(c) {
		rows, err := s.deps.Listings.Export(ctx, p, f)
		if err != nil {
			s.pageError(c, err)
			return
		}
		writeExport(s, c, title, listingColumns, rows)
		return
	}
	page, err := s.deps.Listings.List(ctx, p, f, s.pageParams(c))
	if err != nil {
		s.pageError(c, err)
		return
	}
	s.render(c, http.StatusOK, "listings.html", title, listView[listing.Listing]{Page: page, Admin: true, Extra: listing.Statuses})
}

func (s *Server) adminDisputes(c *gin.Context) {
	ctx, p := c.Request.Context(), principal(c)
	f := dispute.Filter{
		Status:        dispute.Status(c.Query("status")),
		Priority:      dispute.Priority(c.Query("priority")),
		TransactionID: queryInt64(c, "transaction_id"),
		Search:        strings.TrimSpace(c.Query("q")),
	}
	const title = "Disputes"
	if wantsExport(c) {
		rows, err := s.deps.Disputes.Export(ctx, p, f)
		if err != nil {
			s.pageError(c, err)
			return
		}
		writeExport(s, c, title, disputeColumns, rows)
		return
	}
	page, err := s.deps.Disputes.List(ctx, p, f, s.pageParams(c))
	if err != nil {
		s.pageError(c, err)
		return
	}
	s.render(c, http.StatusOK, "disputes.html", title, listView[dispute.Dispute]{Page: page, Admin: true})
}

func ticketFilter(c *gin.Context) ticket.Filter {
	return ticket.Filter{
		Status:   ticket.Status(c.Query("status")),
		Priority: ticket.Priority(c.Query("priority")),
		Search:   strings.TrimSpace(c.Query("q")),
	}
}

func (s *Server) ticketList(c *gin.Context, f ticket.Filter, title string, admin bool) {
	ctx, p := c.Request.Context(), principal(c)
	if wantsExport(c) {
		rows, err := s.deps.Tickets.Export(ctx, p, f)
		if err != nil {
			s.pageError(c, err)
			return
		}
		writeExport(s, c, title, ticketColumns, rows)
		return
	}
	page, err := s.deps.Tickets.List(ctx, p, f, s.pageParams(c))
	if err != nil {
		s.pageError(c, err)
		return
	}
	s.render(c, http.StatusOK, "tickets.html", title, listView[ticket.Ticket]{Page: page, Admin: admin})
}

func (s *Server) adminTickets(c *gin.Context) {
	f := ticketFilter(c)
	f.UserID = queryInt64(c, "user_id")
	s.ticketList(c, f, "Support tickets", true)
}

func (s *Server) myTickets(c *gin.Context) {
	f := ticketFilter(c)
	f.UserID = principal(c).UserID
	s.ticketList(c, f, "My tickets", false)
}

type ticketView struct {
	Ticket   ticket.Ticket
	Messages []ticket.Message
	Staff    bool
}

func (s *Server) ticketPage(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	p := principal(c)
	t, msgs, err := s.deps.Tickets.Thread(c.Request.Context(), p, id)
	if err != nil {
		s.pageError(c, err)
		return
	}
	s.render(c, http.StatusOK, "ticket.html", t.Subject, ticketView{Ticket: t, Messages: msgs, Staff: p.IsStaff()})
}

type settingRow struct {
	Key   string
	Label string
	Value string
}

func (s *Server) settingsPage(c *gin.Context) {
	all, err := s.deps.Settings.All(c.Request.Context())
	if err != nil {
		s.pageError(c, err)
		return
	}
	current := make(map[string]string, len(all))
	for _, st := range all {
		current[st.Key] = st.Value
	}
	rows := make([]settingRow, 0, len(settings.Keys()))
	for _, k := range settings.Keys() {
		rows = append(rows, settingRow{Key: k, Label: settings.Label(k), Value: current[k]})
	}
	s.render(c, http.StatusOK, "settings.html", "Settings", rows)
}

func (s *Server) logsPage(c *gin.Context) {
	ctx := c.Request.Context()
	f := audit.Filter{
		UserID:        queryInt64(c, "user_id"),
		TransactionID: queryInt64(c, "transaction_id"),
		Action:        audit.Action(c.Query("action")),
		Search:        strings.TrimSpace(c.Query("q")),
	}
	const title = "Activity logs"
	if wantsExport(c) {
		rows, err := s.deps.Logs.All(ctx, f)
		if err != nil {
			s.pageError(c, err)
			return
		}
		writeExport(s, c, title, logColumns, rows)
		return
	}
	page, err := s.deps.Logs.List(ctx, f, s.pageParams(c))
	if err != nil {
		s.pageError(c, err)
		return
	}
	s.render(c, http.StatusOK, "logs.html", title, listView[audit.Entry]{Page: page, Admin: true})
}
