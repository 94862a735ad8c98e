package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"escrowdesk/apperr"
	"escrowdesk/dispute"
	"escrowdesk/flash"
	"escrowdesk/offer"
	"escrowdesk/settings"
	"escrowdesk/ticket"
)

// done flashes msg and redirects to target after a successful post.
func (s *Server) done(c *gin.Context, msg, target string) {
	s.setFlash(c, flash.Success(msg))
	c.Redirect(http.StatusSeeOther, target)
}

// credentialFields reads credentials[name]=value pairs, falling back to the
// parallel field_name/field_value lists the dynamic form posts.
func credentialFields(c *gin.Context) map[string]string {
	fields := c.PostFormMap("credentials")
	names := c.PostFormArray("field_name")
	values := c.PostFormArray("field_value")
	for i := range names {
		if i >= len(values) {
			break
		}
		if fields == nil {
			fields = map[string]string{}
		}
		fields[names[i]] = values[i]
	}
	return fields
}

func (s *Server) submitCredentials(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := fmt.Sprintf("/transactions/%d", id)
	if _, err := s.deps.Escrow.SubmitCredentials(c.Request.Context(), principal(c), id, credentialFields(c)); err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, "Credentials submitted. The buyer has been asked to verify them.", back)
}

func (s *Server) confirmCredentials(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := fmt.Sprintf("/transactions/%d", id)
	if _, err := s.deps.Escrow.ConfirmCredentials(c.Request.Context(), principal(c), id); err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, "Thanks for confirming. Payment was released to the seller.", back)
}

func (s *Server) reportCredentialIssue(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := fmt.Sprintf("/transactions/%d", id)
	_, d, err := s.deps.Escrow.ReportIssue(c.Request.Context(), principal(c), id, c.PostForm("reason"))
	if err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, fmt.Sprintf("Dispute %s opened. Our team will review it.", d.CaseID), back)
}

func (s *Server) createOffer(c *gin.Context) {
	back := backURL(c, "/offers")
	listingID, _ := strconv.ParseInt(c.PostForm("listing_id"), 10, 64)
	amount, err := decimal.NewFromString(strings.TrimSpace(c.PostForm("amount")))
	if err != nil {
		s.formError(c, apperr.Validation("web: invalid offer", map[string]string{"amount": "must be a number"}), back)
		return
	}
	_, err = s.deps.Offers.Create(c.Request.Context(), principal(c), offer.CreateRequest{
		ListingID: listingID,
		Amount:    amount,
		Message:   c.PostForm("message"),
	})
	if err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, "Offer sent to the seller.", back)
}

func (s *Server) offerAction(c *gin.Context, act func(*gin.Context, int64) (offer.Offer, error), msg string) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := backURL(c, "/offers")
	if _, err := act(c, id); err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, msg, back)
}

func (s *Server) acceptOffer(c *gin.Context) {
	s.offerAction(c, func(c *gin.Context, id int64) (offer.Offer, error) {
		return s.deps.Offers.Accept(c.Request.Context(), principal(c), id)
	}, "Offer accepted. The buyer's payment is now held in escrow.")
}

func (s *Server) rejectOffer(c *gin.Context) {
	s.offerAction(c, func(c *gin.Context, id int64) (offer.Offer, error) {
		return s.deps.Offers.Reject(c.Request.Context(), principal(c), id)
	}, "Offer rejected.")
}

func (s *Server) withdrawOffer(c *gin.Context) {
	s.offerAction(c, func(c *gin.Context, id int64) (offer.Offer, error) {
		return s.deps.Offers.Withdraw(c.Request.Context(), principal(c), id)
	}, "Offer withdrawn.")
}

func (s *Server) approveListing(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := backURL(c, "/admin/listings")
	if _, err := s.deps.Listings.Approve(c.Request.Context(), principal(c), id); err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, "Listing approved.", back)
}

func (s *Server) rejectListing(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := backURL(c, "/admin/listings")
	if _, err := s.deps.Listings.Reject(c.Request.Context(), principal(c), id, c.PostForm("reason")); err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, "Listing rejected.", back)
}

func (s *Server) reviewDispute(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := backURL(c, "/admin/disputes")
	d, err := s.deps.Disputes.Review(c.Request.Context(), principal(c), id)
	if err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, fmt.Sprintf("Dispute %s is under review.", d.CaseID), back)
}

func (s *Server) resolveDispute(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := backURL(c, "/admin/disputes")
	outcome := dispute.Outcome(c.PostForm("outcome"))
	switch outcome {
	case dispute.OutcomeNone, dispute.OutcomeRefund, dispute.OutcomeRelease:
	default:
		s.formError(c, apperr.Validation("web: unknown outcome", map[string]string{"outcome": "unknown outcome"}), back)
		return
	}
	d, err := s.deps.Disputes.Resolve(c.Request.Context(), principal(c), id, c.PostForm("resolution"), outcome)
	if err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, fmt.Sprintf("Dispute %s resolved.", d.CaseID), back)
}

func (s *Server) escalateDispute(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := backURL(c, "/admin/disputes")
	d, err := s.deps.Disputes.Escalate(c.Request.Context(), principal(c), id, c.PostForm("note"))
	if err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, fmt.Sprintf("Dispute %s escalated.", d.CaseID), back)
}

func (s *Server) createTicket(c *gin.Context) {
	priority, err := ticket.ParsePriority(c.PostForm("priority"))
	if err != nil {
		s.formError(c, err, "/tickets")
		return
	}
	t, err := s.deps.Tickets.Create(c.Request.Context(), principal(c), ticket.CreateRequest{
		Subject:  c.PostForm("subject"),
		Body:     c.PostForm("body"),
		Priority: priority,
	})
	if err != nil {
		s.formError(c, err, "/tickets")
		return
	}
	s.done(c, "Ticket opened. Our support team will reply soon.", fmt.Sprintf("/tickets/%d", t.ID))
}

func (s *Server) replyTicket(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := fmt.Sprintf("/tickets/%d", id)
	if _, err := s.deps.Tickets.Reply(c.Request.Context(), principal(c), id, c.PostForm("body")); err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, "Reply sent.", back)
}

func (s *Server) setTicketStatus(c *gin.Context) {
	id, err := paramID(c)
	if err != nil {
		s.pageError(c, err)
		return
	}
	back := fmt.Sprintf("/tickets/%d", id)
	status, err := ticket.ParseStatus(c.PostForm("status"))
	if err != nil {
		s.formError(c, err, back)
		return
	}
	t, err := s.deps.Tickets.SetStatus(c.Request.Context(), principal(c), id, status)
	if err != nil {
		s.formError(c, err, back)
		return
	}
	s.done(c, fmt.Sprintf("Ticket marked %s.", t.Status), back)
}

func (s *Server) updateSettings(c *gin.Context) {
	values := make(map[string]string)
	for _, k := range settings.Keys() {
		if v, ok := c.GetPostForm(k); ok {
			values[k] = v
		}
	}
	// Unchecked checkboxes are not posted.
	if _, ok := values[settings.KeyMaintenanceMode]; !ok {
		values[settings.KeyMaintenanceMode] = "false"
	}
	if err := s.deps.Settings.BulkUpdate(c.Request.Context(), principal(c), values); err != nil {
		s.formError(c, err, "/admin/settings")
		return
	}
	if s.maintenance != nil {
		s.maintenance.reset()
	}
	s.done(c, "Settings saved.", "/admin/settings")
}
