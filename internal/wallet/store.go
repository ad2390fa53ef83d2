package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/loppam/unichow-sub000/internal/aws"
)

var (
	// ErrInsufficientBalance is returned when a debit would take the balance
	// negative. Nothing is written.
	ErrInsufficientBalance = errors.New("insufficient wallet balance")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrFundingNotPending means the referenced funding transaction does not
	// exist or is not pending.
	ErrFundingNotPending = errors.New("funding transaction not pending")
)

// Store moves wallet balances and appends ledger records. Every balance
// change and its ledger entry are written in one TransactWriteItems call,
// never separately.
type Store struct {
	client            aws.DynamoDBAPI
	walletsTable      string
	transactionsTable string
	nowFunc           func() time.Time
	newID             func() string
}

// NewStore creates a new wallet Store.
func NewStore(client aws.DynamoDBAPI, walletsTable, transactionsTable string) *Store {
	return &Store{
		client:            client,
		walletsTable:      walletsTable,
		transactionsTable: transactionsTable,
		nowFunc:           time.Now,
		newID:             uuid.NewString,
	}
}

// GetWallet fetches a wallet by user id. Returns (nil, nil) if not found.
func (s *Store) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.walletsTable,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var w Wallet
	if err := attributevalue.UnmarshalMap(out.Item, &w); err != nil {
		return nil, fmt.Errorf("unmarshal wallet: %w", err)
	}
	return &w, nil
}

// Debit atomically lowers the balance and appends a completed debit record.
// Fails with ErrInsufficientBalance when the balance cannot cover the amount,
// leaving both balance and ledger untouched.
func (s *Store) Debit(ctx context.Context, userID string, amount int64, description, orderID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	now := s.nowFunc()

	txnItem, err := s.marshalTransaction(Transaction{
		TransactionID: s.newID(),
		UserID:        userID,
		Type:          TypeDebit,
		Amount:        amount,
		Description:   description,
		OrderID:       orderID,
		Status:        StatusCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return err
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: &s.walletsTable,
					Key: map[string]types.AttributeValue{
						"user_id": &types.AttributeValueMemberS{Value: userID},
					},
					UpdateExpression:    awsString("SET balance = balance - :amt, last_updated = :lu"),
					ConditionExpression: awsString("balance >= :amt"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":amt": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", amount)},
						":lu":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					},
				},
			},
			{
				Put: &types.Put{
					TableName: &s.transactionsTable,
					Item:      txnItem,
				},
			},
		},
	})
	if err != nil {
		if isConditionalCancel(err) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("debit transact write: %w", err)
	}
	return nil
}

// Credit atomically raises the balance (creating the wallet row on first
// credit) and appends a completed credit record.
func (s *Store) Credit(ctx context.Context, userID string, amount int64, description, orderID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	now := s.nowFunc()

	txnItem, err := s.marshalTransaction(Transaction{
		TransactionID: s.newID(),
		UserID:        userID,
		Type:          TypeCredit,
		Amount:        amount,
		Description:   description,
		OrderID:       orderID,
		Status:        StatusCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return err
	}

	creditUpdate := s.creditUpdate(userID, amount, now)
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: &creditUpdate},
			{
				Put: &types.Put{
					TableName: &s.transactionsTable,
					Item:      txnItem,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("credit transact write: %w", err)
	}
	return nil
}

// fundingID derives the ledger key for a funding entry from its charge
// reference. One reference can only ever own one funding row, so a retried
// funding request or a replayed webhook always lands on the same record.
func fundingID(reference string) string {
	return "funding-" + reference
}

// RecordPendingFunding appends a pending credit keyed to the charge
// reference. The balance is untouched until the processor confirms. Retrying
// with a reference that already has a funding row returns the existing row
// instead of creating a second one.
func (s *Store) RecordPendingFunding(ctx context.Context, userID string, amount int64, reference string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	now := s.nowFunc()
	txn := Transaction{
		TransactionID: fundingID(reference),
		UserID:        userID,
		Type:          TypeCredit,
		Amount:        amount,
		Description:   "wallet funding",
		Reference:     reference,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	item, err := s.marshalTransaction(txn)
	if err != nil {
		return nil, err
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.transactionsTable,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(transaction_id)"),
	})
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			existing, gerr := s.getTransaction(ctx, fundingID(reference))
			if gerr != nil {
				return nil, gerr
			}
			if existing == nil {
				return nil, fmt.Errorf("record pending funding: %w", err)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("record pending funding: %w", err)
	}
	return &txn, nil
}

func (s *Store) getTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.transactionsTable,
		Key: map[string]types.AttributeValue{
			"transaction_id": &types.AttributeValueMemberS{Value: transactionID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var t Transaction
	if err := attributevalue.UnmarshalMap(out.Item, &t); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &t, nil
}

// FindByReference returns the ledger entry carrying the charge reference.
// Returns (nil, nil) if not found.
func (s *Store) FindByReference(ctx context.Context, reference string) (*Transaction, error) {
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:        &s.transactionsTable,
		FilterExpression: awsString("reference = :ref"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": &types.AttributeValueMemberS{Value: reference},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan transactions: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var t Transaction
	if err := attributevalue.UnmarshalMap(out.Items[0], &t); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &t, nil
}

// CompleteFunding finishes a pending funding entry: one transaction marks it
// completed (guarded on still pending) and credits the wallet. A webhook
// replay for the same reference finds the entry already completed and
// returns without touching the balance.
func (s *Store) CompleteFunding(ctx context.Context, reference string) error {
	txn, err := s.FindByReference(ctx, reference)
	if err != nil {
		return err
	}
	if txn == nil {
		return fmt.Errorf("%w: reference %s", ErrFundingNotPending, reference)
	}
	if txn.Status == StatusCompleted {
		return nil // idempotent replay
	}
	if txn.Status != StatusPending {
		return fmt.Errorf("%w: reference %s is %s", ErrFundingNotPending, reference, txn.Status)
	}

	now := s.nowFunc()
	creditUpdate := s.creditUpdate(txn.UserID, txn.Amount, now)
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName: &s.transactionsTable,
					Key: map[string]types.AttributeValue{
						"transaction_id": &types.AttributeValueMemberS{Value: txn.TransactionID},
					},
					UpdateExpression:    awsString("SET #s = :completed, updated_at = :ua"),
					ConditionExpression: awsString("#s = :pending"),
					ExpressionAttributeNames: map[string]string{
						"#s": "status",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":completed": &types.AttributeValueMemberS{Value: StatusCompleted},
						":pending":   &types.AttributeValueMemberS{Value: StatusPending},
						":ua":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					},
				},
			},
			{Update: &creditUpdate},
		},
	})
	if err != nil {
		if isConditionalCancel(err) {
			// A concurrent delivery of the same webhook won the race.
			return nil
		}
		return fmt.Errorf("complete funding transact write: %w", err)
	}
	return nil
}

// FailFunding marks a pending funding entry failed after a charge.failed
// callback. The balance is never touched.
func (s *Store) FailFunding(ctx context.Context, reference string) error {
	txn, err := s.FindByReference(ctx, reference)
	if err != nil {
		return err
	}
	if txn == nil {
		return fmt.Errorf("%w: reference %s", ErrFundingNotPending, reference)
	}
	if txn.Status == StatusFailed {
		return nil
	}

	now := s.nowFunc()
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.transactionsTable,
		Key: map[string]types.AttributeValue{
			"transaction_id": &types.AttributeValueMemberS{Value: txn.TransactionID},
		},
		UpdateExpression:    awsString("SET #s = :failed, updated_at = :ua"),
		ConditionExpression: awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed":  &types.AttributeValueMemberS{Value: StatusFailed},
			":pending": &types.AttributeValueMemberS{Value: StatusPending},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return fmt.Errorf("%w: reference %s", ErrFundingNotPending, reference)
		}
		return fmt.Errorf("fail funding: %w", err)
	}
	return nil
}

// creditUpdate builds the wallets-table upsert leg used by Credit and
// CompleteFunding.
func (s *Store) creditUpdate(userID string, amount int64, now time.Time) types.Update {
	return types.Update{
		TableName: &s.walletsTable,
		Key: map[string]types.AttributeValue{
			"user_id": &types.AttributeValueMemberS{Value: userID},
		},
		UpdateExpression: awsString("SET balance = if_not_exists(balance, :zero) + :amt, last_updated = :lu"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":amt":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", amount)},
			":lu":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
}

func (s *Store) marshalTransaction(t Transaction) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(t)
	if err != nil {
		return nil, fmt.Errorf("marshal transaction: %w", err)
	}
	return item, nil
}

// isConditionalCancel reports whether a TransactWriteItems error was caused
// by a condition check, as opposed to a transport or throttling failure.
func isConditionalCancel(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, reason := range tce.CancellationReasons {
		if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
			return true
		}
	}
	// Some SDK paths omit the reasons; treat a bare cancellation as
	// conditional, which is the only condition we attach.
	return len(tce.CancellationReasons) == 0
}

func awsString(s string) *string { return &s }
