// Package payment adapts the Stripe API to the storefront: hosted checkout
// sessions out, signed webhook events in.
package payment

import (
	"errors"
	"strings"
)

// Display text caps for checkout line items.
const (
	MaxNameLength        = 250
	MaxDescriptionLength = 500
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type LineItem struct {
	Name            string
	Description     string
	ImageURL        string
	UnitAmountCents int64
	Quantity        int
}

type SessionRequest struct {
	LineItems     []LineItem
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	// Metadata is stamped on both the session and its payment intent.
	Metadata map[string]string
}

type SessionStatus string

const (
	SessionStatusOpen     SessionStatus = "open"
	SessionStatusComplete SessionStatus = "complete"
	SessionStatusExpired  SessionStatus = "expired"
)

type Session struct {
	ID     string
	URL    string
	Status SessionStatus
}

// Reusable reports whether a buyer can still be sent to this session.
func (s *Session) Reusable() bool {
	return s != nil && s.Status == SessionStatusOpen && s.URL != ""
}

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventRefunded         EventKind = "refunded"
	EventOther            EventKind = "other"
)

// Event is a verified processor event reduced to what reconciliation needs.
type Event struct {
	ID              string
	Type            string
	Kind            EventKind
	ObjectID        string
	OrderID         string
	OrderNumber     string
	SessionID       string
	PaymentIntentID string
	CustomerEmail   string
}

// Metadata keys used to correlate processor objects with local orders.
const (
	MetadataOrderID     = "order_id"
	MetadataOrderNumber = "order_number"
)

// ValidateSecretKey rejects keys that are not Stripe secret keys.
func ValidateSecretKey(key string) error {
	switch {
	case key == "":
		return errors.New("stripe secret key is empty")
	case strings.HasPrefix(key, "sk_test_"), strings.HasPrefix(key, "sk_live_"), strings.HasPrefix(key, "sk_org_live_"):
		return nil
	default:
		return errors.New("stripe secret key must start with sk_test_ or sk_live_")
	}
}

func keyMode(key string) string {
	if strings.HasPrefix(key, "sk_test_") {
		return "test"
	}
	return "live"
}
