package billing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Stripe event payloads are decoded into these narrow structs rather than
// the SDK types so API version drift in unrelated fields cannot break
// delivery.

// expandableID holds the id of a Stripe field that is either a bare id or
// an expanded object.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*e = expandableID(s)
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

func (e expandableID) String() string { return strings.TrimSpace(string(e)) }

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Customer          expandableID      `json:"customer"`
	Subscription      expandableID      `json:"subscription"`
	PaymentIntent     expandableID      `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   *customerDetails  `json:"customer_details"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type customerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func (s checkoutSession) email() string {
	if s.CustomerDetails != nil && s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

type price struct {
	ID string `json:"id"`
}

type invoiceLine struct {
	Price   *price `json:"price"`
	Pricing *struct {
		PriceDetails *struct {
			Price expandableID `json:"price"`
		} `json:"price_details"`
	} `json:"pricing"`
}

func (l invoiceLine) priceID() string {
	if l.Pricing != nil && l.Pricing.PriceDetails != nil && l.Pricing.PriceDetails.Price != "" {
		return l.Pricing.PriceDetails.Price.String()
	}
	if l.Price != nil {
		return l.Price.ID
	}
	return ""
}

type invoice struct {
	ID            string       `json:"id"`
	Customer      expandableID `json:"customer"`
	Subscription  expandableID `json:"subscription"`
	Status        string       `json:"status"`
	BillingReason string       `json:"billing_reason"`
	AmountPaid    int64        `json:"amount_paid"`
	Currency      string       `json:"currency"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []invoiceLine `json:"data"`
	} `json:"lines"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	// PaymentIntent is only present on API versions before basil.
	PaymentIntent expandableID `json:"payment_intent"`
	Payments      *struct {
		Data []invoicePayment `json:"data"`
	} `json:"payments"`
}

type invoicePayment struct {
	Status  string `json:"status"`
	Payment struct {
		Type          string       `json:"type"`
		PaymentIntent expandableID `json:"payment_intent"`
	} `json:"payment"`
}

// paymentIntentID reads the paying intent from the included payments list
// or the legacy top-level field.
func (i invoice) paymentIntentID() string {
	if i.Payments != nil {
		for _, p := range i.Payments.Data {
			if p.Status == "paid" && p.Payment.PaymentIntent != "" {
				return p.Payment.PaymentIntent.String()
			}
		}
	}
	return i.PaymentIntent.String()
}

// subscriptionID reads the subscription from the current invoice shape
// (parent.subscription_details) or the legacy top-level field.
func (i invoice) subscriptionID() string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Subscription != "" {
		return i.Parent.SubscriptionDetails.Subscription.String()
	}
	return i.Subscription.String()
}

func (i invoice) metadata() map[string]string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && len(i.Parent.SubscriptionDetails.Metadata) > 0 {
		return i.Parent.SubscriptionDetails.Metadata
	}
	if i.SubscriptionDetails != nil {
		return i.SubscriptionDetails.Metadata
	}
	return nil
}

func (i invoice) priceIDs() []string {
	var ids []string
	for _, l := range i.Lines.Data {
		if id := l.priceID(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type subscription struct {
	ID               string            `json:"id"`
	Customer         expandableID      `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            struct {
		Data []struct {
			Price            price `json:"price"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd prefers the item-level period end introduced by newer API
// versions.
func (s subscription) periodEnd() int64 {
	for _, it := range s.Items.Data {
		if it.CurrentPeriodEnd > 0 {
			return it.CurrentPeriodEnd
		}
	}
	return s.CurrentPeriodEnd
}

func (s subscription) priceIDs() []string {
	var ids []string
	for _, it := range s.Items.Data {
		if it.Price.ID != "" {
			ids = append(ids, it.Price.ID)
		}
	}
	return ids
}

type charge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Customer       expandableID      `json:"customer"`
	PaymentIntent  expandableID      `json:"payment_intent"`
	Refunded       bool              `json:"refunded"`
	Metadata       map[string]string `json:"metadata"`
}

// CheckoutRequest is the body of POST /api/billing/checkout.
type CheckoutRequest struct {
	PackID     string `json:"packId"`
	PlanID     string `json:"planId"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// CheckoutResponse points the browser at Stripe Checkout.
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
}

// PortalRequest is the body of POST /api/billing/portal.
type PortalRequest struct {
	ReturnURL string `json:"returnUrl"`
}

// PortalResponse points the browser at the Stripe billing portal.
type PortalResponse struct {
	URL string `json:"url"`
}

// metaCredits parses a positive credit count from Stripe metadata.
func metaCredits(md map[string]string) (int64, bool) {
	v, ok := md["credits"]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// metaInt reads an integer stored in ledger metadata. Values read back
// from jsonb arrive as float64.
func metaInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}
