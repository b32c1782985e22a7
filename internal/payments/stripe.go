package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/webhook"
)

var (
	ErrIntentNotFound   = errors.New("payment intent not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

const StatusSucceeded = "succeeded"

// Intent is the provider-neutral view of a payment intent.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       string
	RideID       string
	UserID       string
}

func (i Intent) Succeeded() bool { return i.Status == StatusSucceeded }

// Provider creates and reads payment intents.
type Provider interface {
	CreateIntent(ctx context.Context, rideID, userID string, amount int64, currency string) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
}

// StripeClient is a thin wrapper around stripe-go PaymentIntents.
type StripeClient struct {
	pi paymentintent.Client
}

func NewStripeClient(secretKey string) *StripeClient {
	return &StripeClient{pi: paymentintent.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}}
}

// NewStripeClientWithBackend is used to point the client at a stub server.
func NewStripeClientWithBackend(secretKey string, b stripe.Backend) *StripeClient {
	return &StripeClient{pi: paymentintent.Client{B: b, Key: secretKey}}
}

// CreateIntent lets the provider choose payment methods and tags the intent
// with the ride and user so the webhook can find the booking.
func (s *StripeClient) CreateIntent(ctx context.Context, rideID, userID string, amount int64, currency string) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	params.AddMetadata("user_id", userID)
	pi, err := s.pi.New(params)
	if err != nil {
		return Intent{}, err
	}
	return fromStripe(pi), nil
}

func (s *StripeClient) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.pi.Get(id, params)
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.HTTPStatusCode == 404 {
			return Intent{}, ErrIntentNotFound
		}
		return Intent{}, err
	}
	return fromStripe(pi), nil
}

func fromStripe(pi *stripe.PaymentIntent) Intent {
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       string(pi.Status),
		RideID:       pi.Metadata["ride_id"],
		UserID:       pi.Metadata["user_id"],
	}
}

// ParseWebhook verifies the Stripe-Signature header and returns the intent
// carried by a payment_intent.succeeded event. ok is false for any other
// event type.
func ParseWebhook(payload []byte, signature, secret string) (intent Intent, ok bool, err error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Intent{}, false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if event.Type != "payment_intent.succeeded" {
		return Intent{}, false, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return Intent{}, false, fmt.Errorf("decode payment intent: %w", err)
	}
	return fromStripe(&pi), true, nil
}
