package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/balance"
	"github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// APIURL overrides the Stripe API base URL; empty uses the default.
	APIURL     string
	Currency   string
	HTTPClient *http.Client
	MaxRetries int64
}

type StripeProcessor struct {
	sessions      session.Client
	balances      balance.Client
	secretKey     string
	webhookSecret string
	currency      string
}

func NewStripeProcessor(cfg StripeConfig) (*StripeProcessor, error) {
	if err := ValidateSecretKey(cfg.SecretKey); err != nil {
		return nil, err
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is empty")
	}

	backendCfg := &stripe.BackendConfig{
		HTTPClient:        cfg.HTTPClient,
		MaxNetworkRetries: stripe.Int64(cfg.MaxRetries),
		EnableTelemetry:   stripe.Bool(false),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg)

	currency := strings.ToLower(cfg.Currency)
	if currency == "" {
		currency = "usd"
	}

	return &StripeProcessor{
		sessions:      session.Client{B: backend, Key: cfg.SecretKey},
		balances:      balance.Client{B: backend, Key: cfg.SecretKey},
		secretKey:     cfg.SecretKey,
		webhookSecret: cfg.WebhookSecret,
		currency:      currency,
	}, nil
}

func (p *StripeProcessor) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		CustomerEmail:      stripe.String(req.CustomerEmail),
		Metadata:           req.Metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
	}
	params.Context = ctx

	for _, item := range req.LineItems {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(item.Name),
		}
		if item.Description != "" {
			product.Description = stripe.String(item.Description)
		}
		if item.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{item.ImageURL})
		}

		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(p.currency),
				ProductData: product,
				UnitAmount:  stripe.Int64(item.UnitAmountCents),
			},
			Quantity: stripe.Int64(int64(item.Quantity)),
		})
	}

	s, err := p.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	return &Session{ID: s.ID, URL: s.URL, Status: SessionStatus(s.Status)}, nil
}

func (p *StripeProcessor) RetrieveSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.sessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve checkout session %s: %w", id, err)
	}

	return &Session{ID: s.ID, URL: s.URL, Status: SessionStatus(s.Status)}, nil
}

// ParseEvent verifies the Stripe-Signature header against the raw payload
// and maps the event onto the storefront's event kinds.
func (p *StripeProcessor) ParseEvent(payload []byte, signature string) (*Event, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return decodeEvent(event)
}

// decodeEvent reads only the fields reconciliation needs from event.Data.Raw.
func decodeEvent(event stripe.Event) (*Event, error) {
	out := &Event{ID: event.ID, Type: string(event.Type), Kind: EventOther}
	if event.Data == nil {
		return out, nil
	}

	switch event.Type {
	case "checkout.session.completed":
		var obj checkoutSessionObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("decode checkout.session: %w", err)
		}
		out.Kind = EventPaymentSucceeded
		out.ObjectID = obj.ID
		out.SessionID = obj.ID
		out.PaymentIntentID = string(obj.PaymentIntent)
		out.OrderID = strings.TrimSpace(obj.Metadata[MetadataOrderID])
		out.OrderNumber = strings.TrimSpace(obj.Metadata[MetadataOrderNumber])
		out.CustomerEmail = obj.CustomerEmail
		if out.CustomerEmail == "" {
			out.CustomerEmail = obj.CustomerDetails.Email
		}

	case "payment_intent.payment_failed":
		var obj paymentIntentObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("decode payment_intent: %w", err)
		}
		out.Kind = EventPaymentFailed
		out.ObjectID = obj.ID
		out.PaymentIntentID = obj.ID
		out.OrderID = strings.TrimSpace(obj.Metadata[MetadataOrderID])
		out.OrderNumber = strings.TrimSpace(obj.Metadata[MetadataOrderNumber])

	case "charge.refunded":
		var obj chargeObject
		if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
			return nil, fmt.Errorf("decode charge: %w", err)
		}
		out.Kind = EventRefunded
		out.ObjectID = obj.ID
		out.PaymentIntentID = string(obj.PaymentIntent)
		out.OrderID = strings.TrimSpace(obj.Metadata[MetadataOrderID])
	}

	return out, nil
}

type checkoutSessionObject struct {
	ID              string       `json:"id"`
	PaymentIntent   expandableID `json:"payment_intent"`
	CustomerEmail   string       `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Metadata map[string]string `json:"metadata"`
}

type paymentIntentObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

type chargeObject struct {
	ID            string            `json:"id"`
	PaymentIntent expandableID      `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

// expandableID accepts either an object id or an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*e = ""
		return nil
	}

	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type Amount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type Health struct {
	KeyMode   string   `json:"key_mode"`
	Reachable bool     `json:"reachable"`
	Livemode  bool     `json:"livemode"`
	Available []Amount `json:"available,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// CheckHealth probes the API with a balance read. The key itself is never
// part of the result.
func (p *StripeProcessor) CheckHealth(ctx context.Context) Health {
	h := Health{KeyMode: keyMode(p.secretKey)}

	params := &stripe.BalanceParams{}
	params.Context = ctx

	b, err := p.balances.Get(params)
	if err != nil {
		h.Error = err.Error()
		if stripeErr, ok := err.(*stripe.Error); ok {
			h.Error = string(stripeErr.Code)
			if h.Error == "" {
				h.Error = string(stripeErr.Type)
			}
		}
		return h
	}

	h.Reachable = true
	h.Livemode = b.Livemode
	for _, a := range b.Available {
		h.Available = append(h.Available, Amount{Amount: a.Amount, Currency: string(a.Currency)})
	}
	return h
}
