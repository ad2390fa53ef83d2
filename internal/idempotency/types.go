package idempotency

import "time"

// Record lifecycle: a key is created IN_PROGRESS inside the checkout
// transaction, then finalized to DONE (with the response to replay) or
// FAILED.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// IdempotencyRecord is the item stored in the idempotency table. Replays of
// a DONE key serve ResponseBody/ResponseStatus verbatim.
type IdempotencyRecord struct {
	IdempotencyKey string `dynamodbav:"idempotency_key"` // PK
	Status         string `dynamodbav:"status"`
	OrderID        string `dynamodbav:"order_id,omitempty"`
	// Stored response for replay; kept small (inline JSON, no pointer).
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}
