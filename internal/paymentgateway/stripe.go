package paymentgateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"

	"github.com/frahmantamala/pixflow/internal"
	gatewaytypes "github.com/frahmantamala/pixflow/internal/core/datamodel/paymentgateway"
)

// StripeGateway collects through Stripe PaymentIntents. The intent id is the
// external reference.
type StripeGateway struct {
	api      *client.API
	currency string
	logger   *slog.Logger
}

var _ Gateway = (*StripeGateway)(nil)

func NewStripeGateway(apiKey, currency string, backends *stripe.Backends, logger *slog.Logger) *StripeGateway {
	return &StripeGateway{
		api:      client.New(apiKey, backends),
		currency: strings.ToLower(currency),
		logger:   logger,
	}
}

func (g *StripeGateway) Issue(ctx context.Context, req *gatewaytypes.IssueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", internal.ErrGatewayRejected.WithCause(err)
	}

	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(MinorUnits(req)),
		Currency:    stripe.String(g.currency),
		Description: stripe.String(req.Description),
	}
	params.Context = ctx
	params.SetIdempotencyKey("charge-" + req.ChargeID)
	params.AddMetadata("charge_id", req.ChargeID)
	params.AddMetadata("merchant_id", req.MerchantID)

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		g.logger.Warn("stripe issuance failed", "error", err, "charge_id", req.ChargeID)
		return "", ClassifyStripeError(err)
	}

	g.logger.Info("collection issued",
		"charge_id", req.ChargeID,
		"external_reference", pi.ID)

	return pi.ID, nil
}

func (g *StripeGateway) PollStatus(ctx context.Context, reference string) (gatewaytypes.SettlementStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(reference, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == http.StatusNotFound {
			return gatewaytypes.SettlementFailed, nil
		}
		// polling never reports a refusal
		return "", internal.ErrGatewayUnavailable.WithCause(err)
	}
	return IntentSettlement(pi), nil
}

// MinorUnits converts the decimal amount to the integer minor units Stripe expects.
func MinorUnits(req *gatewaytypes.IssueRequest) int64 {
	return req.Amount.Round(2).Shift(2).IntPart()
}

// IntentSettlement maps a PaymentIntent onto a settlement state.
func IntentSettlement(pi *stripe.PaymentIntent) gatewaytypes.SettlementStatus {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return gatewaytypes.SettlementSettled
	case stripe.PaymentIntentStatusCanceled:
		return gatewaytypes.SettlementExpired
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return gatewaytypes.SettlementFailed
		}
	}
	return gatewaytypes.SettlementPending
}

// ClassifyStripeError splits Stripe failures into transient and permanent.
func ClassifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return internal.ErrGatewayUnavailable.WithCause(err)
	}
	code := stripeErr.HTTPStatusCode
	if code == 0 || code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return internal.ErrGatewayUnavailable.WithCause(err)
	}
	return internal.ErrGatewayRejected.WithCause(err)
}
