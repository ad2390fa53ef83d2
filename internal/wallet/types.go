package wallet

import "time"

// Transaction types and states.
const (
	TypeCredit = "credit"
	TypeDebit  = "debit"

	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Wallet is the running balance snapshot for a user, in cents. The balance
// is only ever moved in the same transaction that appends the ledger record,
// so it always equals completed credits minus completed debits.
type Wallet struct {
	UserID      string    `dynamodbav:"user_id"` // PK
	Balance     int64     `dynamodbav:"balance"`
	LastUpdated time.Time `dynamodbav:"last_updated"`
}

// Transaction is one immutable ledger entry.
type Transaction struct {
	TransactionID string `dynamodbav:"transaction_id"` // PK
	UserID        string `dynamodbav:"user_id"`
	Type          string `dynamodbav:"type"`   // credit | debit
	Amount        int64  `dynamodbav:"amount"` // cents, > 0
	Description   string `dynamodbav:"description,omitempty"`
	OrderID       string `dynamodbav:"order_id,omitempty"`
	// Charge-processor reference for wallet-funding entries.
	Reference string    `dynamodbav:"reference,omitempty"`
	Status    string    `dynamodbav:"status"`
	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}
