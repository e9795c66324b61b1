package payment

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeTransferAPI interface {
	New(params *stripe.TransferParams) (*stripe.Transfer, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents   stripeIntentAPI
	transfers stripeTransferAPI
	refunds   stripeRefundAPI
}

// StripeProcessor implements Processor on Stripe PaymentIntents, Transfers
// and Refunds.
type StripeProcessor struct {
	api    stripeClients
	logger *zap.Logger
}

func NewStripeProcessor(apiKey string, logger *zap.Logger) (*StripeProcessor, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("stripe: api key is required")
	}
	sc := client.New(apiKey, nil)
	return newStripeProcessor(stripeClients{
		intents:   sc.PaymentIntents,
		transfers: sc.Transfers,
		refunds:   sc.Refunds,
	}, logger), nil
}

func newStripeProcessor(clients stripeClients, logger *zap.Logger) *StripeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeProcessor{api: clients, logger: logger}
}

func (p *StripeProcessor) Authorize(ctx context.Context, req AuthorizeRequest) (Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.Metadata = copyMetadata(req.Metadata)
	if req.DestinationAccountID != "" {
		params.Metadata["destination_account"] = req.DestinationAccountID
		params.Metadata["destination_amount"] = strconv.FormatInt(req.DestinationAmount, 10)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Authorization{}, classifyStripeError("create payment intent", err)
	}
	p.logger.Info("payments.stripe.intent.created",
		zap.String("paymentIntent", intent.ID),
		zap.Int64("amount", intent.Amount),
		zap.String("transferGroup", req.TransferGroup),
	)
	return Authorization{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       stripeStatus(intent),
	}, nil
}

func (p *StripeProcessor) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Destination: stripe.String(req.DestinationAccountID),
	}
	params.Context = ctx
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	params.Metadata = copyMetadata(req.Metadata)

	tr, err := p.api.transfers.New(params)
	if err != nil {
		return "", classifyStripeError("create transfer", err)
	}
	p.logger.Info("payments.stripe.transfer.created",
		zap.String("transfer", tr.ID),
		zap.String("destination", req.DestinationAccountID),
		zap.Int64("amount", req.Amount),
	)
	return tr.ID, nil
}

func (p *StripeProcessor) Refund(ctx context.Context, req RefundRequest) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.AuthorizationID),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Metadata = copyMetadata(req.Metadata)

	refund, err := p.api.refunds.New(params)
	if err != nil {
		return "", classifyStripeError("create refund", err)
	}
	p.logger.Info("payments.stripe.refund.created",
		zap.String("refund", refund.ID),
		zap.String("paymentIntent", req.AuthorizationID),
		zap.Int64("amount", req.Amount),
	)
	return refund.ID, nil
}

func (p *StripeProcessor) Lookup(ctx context.Context, authorizationID string) (Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	params.AddExpand("latest_charge")

	intent, err := p.api.intents.Get(authorizationID, params)
	if err != nil {
		return Authorization{}, classifyStripeError("lookup payment intent", err)
	}
	return Authorization{ID: intent.ID, ClientSecret: intent.ClientSecret, Status: stripeStatus(intent)}, nil
}

func stripeStatus(intent *stripe.PaymentIntent) Status {
	if intent == nil {
		return StatusPending
	}
	if charge := intent.LatestCharge; charge != nil && charge.Amount > 0 && charge.AmountRefunded >= charge.Amount {
		return StatusRefunded
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

// classifyStripeError keeps rate limits, 5xx and transport failures
// retryable; every other API error is final.
func classifyStripeError(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return &ProcessorError{Code: op, Retryable: true, Err: err}
	}
	retryable := se.HTTPStatusCode == 0 ||
		se.HTTPStatusCode == http.StatusTooManyRequests ||
		se.HTTPStatusCode >= http.StatusInternalServerError
	code := string(se.Code)
	if code == "" {
		code = op
	}
	return &ProcessorError{Code: code, Retryable: retryable, Err: err}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

func copyMetadata(src map[string]string) map[string]string {
	out := make(map[string]string, len(src)+2)
	for k, v := range src {
		out[k] = v
	}
	return out
}
