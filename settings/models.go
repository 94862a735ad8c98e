package settings

import (
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	KeySiteName          = "site_name"
	KeySupportEmail      = "support_email"
	KeyCommissionRate    = "commission_rate"
	KeySellerSubmitHours = "seller_submit_hours"
	KeyBuyerVerifyDays   = "buyer_verify_days"
	KeyMaintenanceMode   = "maintenance_mode"
)

type Setting struct {
	Key       string
	Value     string
	UpdatedBy *int64
	UpdatedAt time.Time
}

// definition describes an editable key. check returns the normalised value
// or a field message.
type definition struct {
	label string
	check func(string) (string, string)
}

var definitions = map[string]definition{
	KeySiteName: {"Site name", func(v string) (string, string) {
		if v == "" {
			return "", "required"
		}
		if len(v) > 100 {
			return "", "at most 100 characters"
		}
		return v, ""
	}},
	KeySupportEmail: {"Support email", func(v string) (string, string) {
		addr, err := mail.ParseAddress(v)
		if err != nil {
			return "", "must be an email address"
		}
		return strings.ToLower(addr.Address), ""
	}},
	KeyCommissionRate: {"Commission rate (%)", func(v string) (string, string) {
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
			return "", "must be a number between 0 and 100"
		}
		return d.StringFixed(2), ""
	}},
	KeySellerSubmitHours: {"Seller submit window (hours)", intRange(1, 720)},
	KeyBuyerVerifyDays:   {"Buyer verify window (days)", intRange(1, 90)},
	KeyMaintenanceMode: {"Maintenance mode", func(v string) (string, string) {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", "must be true or false"
		}
		return strconv.FormatBool(b), ""
	}},
}

func intRange(lo, hi int) func(string) (string, string) {
	return func(v string) (string, string) {
		n, err := strconv.Atoi(v)
		if err != nil || n < lo || n > hi {
			return "", "must be a whole number between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi)
		}
		return strconv.Itoa(n), ""
	}
}

// Keys returns the editable keys in display order.
func Keys() []string {
	return []string{
		KeySiteName,
		KeySupportEmail,
		KeyCommissionRate,
		KeySellerSubmitHours,
		KeyBuyerVerifyDays,
		KeyMaintenanceMode,
	}
}

// Label is the form label for key.
func Label(key string) string {
	if d, ok := definitions[key]; ok {
		return d.label
	}
	return key
}

// Values is a snapshot of every setting keyed by name.
type Values map[string]string

func (v Values) Int(key string, fallback int) int {
	n, err := strconv.Atoi(v[key])
	if err != nil {
		return fallback
	}
	return n
}

func (v Values) Bool(key string) bool {
	b, _ := strconv.ParseBool(v[key])
	return b
}

func (v Values) Decimal(key string) decimal.Decimal {
	d, err := decimal.NewFromString(v[key])
	if err != nil {
		return decimal.Zero
	}
	return d
}

// SellerSubmitWindow falls back to def when the setting is missing or invalid.
func (v Values) SellerSubmitWindow(def time.Duration) time.Duration {
	if n := v.Int(KeySellerSubmitHours, 0); n > 0 {
		return time.Duration(n) * time.Hour
	}
	return def
}

func (v Values) clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// BuyerVerifyWindow falls back to def when the setting is missing or invalid.
func (v Values) BuyerVerifyWindow(def time.Duration) time.Duration {
	if n := v.Int(KeyBuyerVerifyDays, 0); n > 0 {
		return time.Duration(n) * 24 * time.Hour
	}
	return def
}
