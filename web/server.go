// Package web serves the admin and user dashboards over gin: HTML pages,
// form posts, CSV exports and the small JSON API used by the transaction
// page.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/dashboard"
	"escrowdesk/dispute"
	"escrowdesk/escrow"
	"escrowdesk/flash"
	"escrowdesk/listing"
	"escrowdesk/offer"
	"escrowdesk/pagination"
	"escrowdesk/settings"
	"escrowdesk/ticket"
)

type Authenticator interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Authenticate(ctx context.Context, token string) (auth.Principal, error)
}

type EscrowService interface {
	Get(ctx context.Context, p auth.Principal, txID int64) (escrow.Transaction, error)
	BuyerState(ctx context.Context, p auth.Principal, txID int64) (escrow.Transaction, escrow.BuyerState, error)
	Deadlines(ctx context.Context, t escrow.Transaction) escrow.Deadlines
	SubmitCredentials(ctx context.Context, p auth.Principal, txID int64, fields map[string]string) (escrow.Transaction, error)
	ViewCredentials(ctx context.Context, p auth.Principal, txID int64, meta escrow.RequestMeta) (escrow.CredentialView, error)
	ConfirmCredentials(ctx context.Context, p auth.Principal, txID int64) (escrow.Transaction, error)
	ReportIssue(ctx context.Context, p auth.Principal, txID int64, reason string) (escrow.Transaction, dispute.Dispute, error)
	ListForUser(ctx context.Context, p auth.Principal, f escrow.Filter, params pagination.Params) (pagination.Page[escrow.Transaction], error)
	Export(ctx context.Context, p auth.Principal, f escrow.Filter) ([]escrow.Transaction, error)
	LatestUpdate(ctx context.Context, p auth.Principal) (time.Time, error)
}

type DisputeService interface {
	Get(ctx context.Context, p auth.Principal, id int64) (dispute.Dispute, error)
	List(ctx context.Context, p auth.Principal, f dispute.Filter, params pagination.Params) (pagination.Page[dispute.Dispute], error)
	Export(ctx context.Context, p auth.Principal, f dispute.Filter) ([]dispute.Dispute, error)
	Review(ctx context.Context, p auth.Principal, id int64) (dispute.Dispute, error)
	Resolve(ctx context.Context, p auth.Principal, id int64, resolution string, outcome dispute.Outcome) (dispute.Dispute, error)
	Escalate(ctx context.Context, p auth.Principal, id int64, note string) (dispute.Dispute, error)
}

type OfferService interface {
	Create(ctx context.Context, p auth.Principal, req offer.CreateRequest) (offer.Offer, error)
	Accept(ctx context.Context, p auth.Principal, id int64) (offer.Offer, error)
	Reject(ctx context.Context, p auth.Principal, id int64) (offer.Offer, error)
	Withdraw(ctx context.Context, p auth.Principal, id int64) (offer.Offer, error)
	ListForUser(ctx context.Context, p auth.Principal, f offer.Filter, params pagination.Params) (pagination.Page[offer.Offer], error)
	Export(ctx context.Context, p auth.Principal, f offer.Filter) ([]offer.Offer, error)
}

type ListingService interface {
	List(ctx context.Context, p auth.Principal, f listing.Filter, params pagination.Params) (pagination.Page[listing.Listing], error)
	Export(ctx context.Context, p auth.Principal, f listing.Filter) ([]listing.Listing, error)
	Approve(ctx context.Context, p auth.Principal, id int64) (listing.Listing, error)
	Reject(ctx context.Context, p auth.Principal, id int64, reason string) (listing.Listing, error)
}

type TicketService interface {
	Create(ctx context.Context, p auth.Principal, req ticket.CreateRequest) (ticket.Ticket, error)
	Reply(ctx context.Context, p auth.Principal, ticketID int64, body string) (ticket.Message, error)
	SetStatus(ctx context.Context, p auth.Principal, ticketID int64, status ticket.Status) (ticket.Ticket, error)
	Thread(ctx context.Context, p auth.Principal, id int64) (ticket.Ticket, []ticket.Message, error)
	List(ctx context.Context, p auth.Principal, f ticket.Filter, params pagination.Params) (pagination.Page[ticket.Ticket], error)
	Export(ctx context.Context, p auth.Principal, f ticket.Filter) ([]ticket.Ticket, error)
}

type SettingsService interface {
	All(ctx context.Context) ([]settings.Setting, error)
	Values(ctx context.Context) (settings.Values, error)
	BulkUpdate(ctx context.Context, p auth.Principal, values map[string]string) error
}

// LogReader reads the audit log. Callers gate access by role.
type LogReader interface {
	List(ctx context.Context, f audit.Filter, params pagination.Params) (pagination.Page[audit.Entry], error)
	All(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	LatestAt(ctx context.Context, userID int64) (time.Time, error)
}

type DashboardService interface {
	Admin(ctx context.Context) dashboard.AdminStats
	User(ctx context.Context, userID int64) dashboard.UserStats
}

// HTTPObserver records one served request.
type HTTPObserver interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

// Deps are the collaborators the handlers call. Nil services leave their
// routes registered; they are only dereferenced when a request arrives.
type Deps struct {
	Auth      Authenticator
	Escrow    EscrowService
	Disputes  DisputeService
	Offers    OfferService
	Listings  ListingService
	Tickets   TicketService
	Settings  SettingsService
	Logs      LogReader
	Dashboard DashboardService
	Flash     flash.Store
	Metrics   HTTPObserver
	Logger    *slog.Logger
}

type Options struct {
	BaseURL        string
	CSRFSecret     string
	SessionTTL     time.Duration
	SecureCookies  bool
	PerPageDefault int
	PerPageMax     int
	ViewRate       rate.Limit
	ViewBurst      int
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
	Now            func() time.Time
}

type Server struct {
	deps        Deps
	opts        Options
	logger      *slog.Logger
	csrf        CSRF
	urls        URLBuilder
	limiter     *RateLimiter
	maintenance *maintenanceCache
	engine      *gin.Engine
}

func NewServer(deps Deps, opts Options) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Flash == nil {
		deps.Flash = flash.NewMemoryStore(flash.DefaultTTL)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 24 * time.Hour
	}
	if opts.ViewRate <= 0 {
		opts.ViewRate = rate.Every(5 * time.Second)
	}
	if opts.ViewBurst <= 0 {
		opts.ViewBurst = 5
	}

	urls, err := NewURLBuilder(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	s := &Server{
		deps:    deps,
		opts:    opts,
		logger:  deps.Logger,
		csrf:    NewCSRF(opts.CSRFSecret),
		urls:    urls,
		limiter: NewRateLimiter(opts.ViewRate, opts.ViewBurst, 30*time.Minute),
	}
	if deps.Settings != nil {
		s.maintenance = newMaintenanceCache(deps.Settings, 30*time.Second, opts.Now)
	}

	pages, err := loadTemplates(s.templateFuncs())
	if err != nil {
		s.limiter.Close()
		return nil, fmt.Errorf("web: templates: %w", err)
	}
	s.engine = s.routes(pages)
	return s, nil
}

// Handler is the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close stops background goroutines.
func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) routes(pages htmlRender) *gin.Engine {
	r := gin.New()
	r.HTMLRender = pages
	r.Use(gin.Recovery(), RequestLogger(s.logger), Metrics(s.deps.Metrics), LoadPrincipal(s.deps.Auth), s.CSRFContext())
	r.NoRoute(func(c *gin.Context) { s.renderStatus(c, http.StatusNotFound) })

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	if s.opts.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.opts.MetricsHandler))
	}
	r.GET("/", func(c *gin.Context) { c.Redirect(http.StatusFound, "/dashboard") })
	r.GET("/login", s.loginPage)
	r.POST("/login", s.login)

	app := r.Group("/", RequireLogin(), s.Maintenance(), s.VerifyCSRF())
	{
		app.POST("/logout", s.logout)
		app.GET("/dashboard", s.userDashboard)

		app.GET("/transactions", s.myTransactions)
		app.GET("/transactions/:id", s.transactionPage)
		app.POST("/transactions/:id/credentials", s.submitCredentials)
		app.GET("/transactions/:id/credentials", s.viewCredentials)
		app.POST("/transactions/:id/confirm", s.confirmCredentials)
		app.POST("/transactions/:id/report", s.reportCredentialIssue)

		app.GET("/offers", s.myOffers)
		app.POST("/offers", s.createOffer)
		app.POST("/offers/:id/accept", s.acceptOffer)
		app.POST("/offers/:id/reject", s.rejectOffer)
		app.POST("/offers/:id/withdraw", s.withdrawOffer)

		app.GET("/tickets", s.myTickets)
		app.POST("/tickets", s.createTicket)
		app.GET("/tickets/:id", s.ticketPage)
		app.POST("/tickets/:id/reply", s.replyTicket)
		app.POST("/tickets/:id/status", s.setTicketStatus)
	}

	admin := app.Group("/admin", RequireRole(auth.RoleAdmin, auth.RoleSupport))
	{
		admin.GET("", s.adminDashboard)
		admin.GET("/listings", s.adminListings)
		admin.POST("/listings/:id/approve", s.approveListing)
		admin.POST("/listings/:id/reject", s.rejectListing)
		admin.GET("/offers", s.adminOffers)
		admin.GET("/transactions", s.adminTransactions)
		admin.GET("/disputes", s.adminDisputes)
		admin.POST("/disputes/:id/review", s.reviewDispute)
		admin.POST("/disputes/:id/resolve", s.resolveDispute)
		admin.POST("/disputes/:id/escalate", s.escalateDispute)
		admin.GET("/tickets", s.adminTickets)
	}
	adminOnly := admin.Group("", RequireRole(auth.RoleAdmin))
	{
		adminOnly.GET("/settings", s.settingsPage)
		adminOnly.POST("/settings", s.updateSettings)
		adminOnly.GET("/logs", s.logsPage)
	}

	api := r.Group("/api", RequireLogin(), s.VerifyCSRF())
	{
		api.POST("/confirm_credentials", s.apiConfirmCredentials)
		api.POST("/report_credential_issue", s.apiReportIssue)
		api.POST("/view_credentials", s.apiViewCredentials)
		api.GET("/changes", s.apiChanges)
	}
	return r
}
