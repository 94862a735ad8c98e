package web

import (
	"encoding/json"
	"strconv"

	"escrowdesk/audit"
	"escrowdesk/dispute"
	"escrowdesk/escrow"
	"escrowdesk/export"
	"escrowdesk/listing"
	"escrowdesk/offer"
	"escrowdesk/ticket"
)

func id64(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

var transactionColumns = []export.Column[escrow.Transaction]{
	{Header: "ID", Value: func(t escrow.Transaction) string { return id64(t.ID) }},
	{Header: "Listing", Value: func(t escrow.Transaction) string { return t.ListingTitle }},
	{Header: "Buyer", Value: func(t escrow.Transaction) string { return t.BuyerName }},
	{Header: "Seller", Value: func(t escrow.Transaction) string { return t.SellerName }},
	{Header: "Amount", Value: func(t escrow.Transaction) string { return t.Amount.StringFixed(2) }},
	{Header: "Payment Status", Value: func(t escrow.Transaction) string { return string(t.Status) }},
	{Header: "Transfer Status", Value: func(t escrow.Transaction) string { return string(t.TransferStatus) }},
	{Header: "Credentials Submitted", Value: func(t escrow.Transaction) string { return export.Time(t.CredentialsSubmittedAt) }},
	{Header: "Verified", Value: func(t escrow.Transaction) string { return export.Time(t.VerifiedAt) }},
	{Header: "Created", Value: func(t escrow.Transaction) string { return export.Time(&t.CreatedAt) }},
}

var disputeColumns = []export.Column[dispute.Dispute]{
	{Header: "Case", Value: func(d dispute.Dispute) string { return d.CaseID }},
	{Header: "Transaction", Value: func(d dispute.Dispute) string { return id64(d.TransactionID) }},
	{Header: "Buyer", Value: func(d dispute.Dispute) string { return d.BuyerName }},
	{Header: "Seller", Value: func(d dispute.Dispute) string { return d.SellerName }},
	{Header: "Amount", Value: func(d dispute.Dispute) string { return d.Amount.StringFixed(2) }},
	{Header: "Status", Value: func(d dispute.Dispute) string { return string(d.Status) }},
	{Header: "Priority", Value: func(d dispute.Dispute) string { return string(d.Priority) }},
	{Header: "Reason", Value: func(d dispute.Dispute) string { return d.Reason }},
	{Header: "Resolution", Value: func(d dispute.Dispute) string { return d.Resolution }},
	{Header: "Opened", Value: func(d dispute.Dispute) string { return export.Time(&d.CreatedAt) }},
	{Header: "Resolved", Value: func(d dispute.Dispute) string { return export.Time(d.ResolvedAt) }},
}

var offerColumns = []export.Column[offer.Offer]{
	{Header: "ID", Value: func(o offer.Offer) string { return id64(o.ID) }},
	{Header: "Listing", Value: func(o offer.Offer) string { return o.ListingTitle }},
	{Header: "Buyer", Value: func(o offer.Offer) string { return o.BuyerName }},
	{Header: "Amount", Value: func(o offer.Offer) string { return o.Amount.StringFixed(2) }},
	{Header: "Status", Value: func(o offer.Offer) string { return string(o.Status) }},
	{Header: "Message", Value: func(o offer.Offer) string { return o.Message }},
	{Header: "Created", Value: func(o offer.Offer) string { return export.Time(&o.CreatedAt) }},
}

var listingColumns = []export.Column[listing.Listing]{
	{Header: "ID", Value: func(l listing.Listing) string { return id64(l.ID) }},
	{Header: "Title", Value: func(l listing.Listing) string { return l.Title }},
	{Header: "Seller", Value: func(l listing.Listing) string { return l.SellerName }},
	{Header: "Category", Value: func(l listing.Listing) string { return l.CategoryName }},
	{Header: "Asset Type", Value: func(l listing.Listing) string { return l.AssetType }},
	{Header: "Price", Value: func(l listing.Listing) string { return l.Price.StringFixed(2) }},
	{Header: "Status", Value: func(l listing.Listing) string { return string(l.Status) }},
	{Header: "Created", Value: func(l listing.Listing) string { return export.Time(&l.CreatedAt) }},
}

var ticketColumns = []export.Column[ticket.Ticket]{
	{Header: "ID", Value: func(t ticket.Ticket) string { return id64(t.ID) }},
	{Header: "User", Value: func(t ticket.Ticket) string { return t.UserName }},
	{Header: "Subject", Value: func(t ticket.Ticket) string { return t.Subject }},
	{Header: "Status", Value: func(t ticket.Ticket) string { return string(t.Status) }},
	{Header: "Priority", Value: func(t ticket.Ticket) string { return string(t.Priority) }},
	{Header: "Messages", Value: func(t ticket.Ticket) string { return strconv.Itoa(t.MessageCount) }},
	{Header: "Updated", Value: func(t ticket.Ticket) string { return export.Time(&t.UpdatedAt) }},
}

var logColumns = []export.Column[audit.Entry]{
	{Header: "ID", Value: func(e audit.Entry) string { return id64(e.ID) }},
	{Header: "User", Value: func(e audit.Entry) string { return id64(e.UserID) }},
	{Header: "Transaction", Value: func(e audit.Entry) string { return id64(e.TransactionID) }},
	{Header: "Action", Value: func(e audit.Entry) string { return string(e.Action) }},
	{Header: "Details", Value: func(e audit.Entry) string {
		if len(e.Details) == 0 {
			return ""
		}
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return ""
		}
		return string(raw)
	}},
	{Header: "IP", Value: func(e audit.Entry) string { return e.IP }},
	{Header: "Created", Value: func(e audit.Entry) string { return export.Time(&e.CreatedAt) }},
}
