// Package payments defines the contract with the external charge processor.
// The gateway itself is out of scope: callers inject an implementation and
// the engine treats any reference+success pair as authorization to mark an
// order paid.
package payments

import "context"

// Charge states reported by the processor.
const (
	ChargeSuccess = "success"
	ChargeFailed  = "failed"
)

// Webhook event names.
const (
	EventChargeSuccess = "charge.success"
	EventChargeFailed  = "charge.failed"
)

// Metadata types attached to charges.
const (
	TypeWalletFunding = "wallet_funding"
	TypeOrderPayment  = "order_payment"
)

// ChargeResult is what the processor returns for a charge lookup. Amount is
// cents.
type ChargeResult struct {
	Reference string
	Status    string
	Amount    int64
}

// ChargeProcessor verifies a charge by its reference.
type ChargeProcessor interface {
	VerifyCharge(ctx context.Context, reference string) (ChargeResult, error)
}

// WebhookEvent is the asynchronous callback payload from the processor.
type WebhookEvent struct {
	Event     string          `json:"event"` // charge.success | charge.failed
	Reference string          `json:"reference"`
	Amount    int64           `json:"amount"`
	Metadata  WebhookMetadata `json:"metadata"`
}

// WebhookMetadata carries what the charge was for.
type WebhookMetadata struct {
	Type   string `json:"type"` // wallet_funding | order_payment
	UserID string `json:"user_id"`
}
