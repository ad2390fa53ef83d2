package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/loppam/unichow-sub000/internal/aws"
)

// ErrStatusMismatch is returned when a conditional status write loses the
// compare-and-swap (the order was no longer in the expected status).
var ErrStatusMismatch = errors.New("status mismatch/conditional failed")

// Store encapsulates operations on the orders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new orders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// CreateWithIdempotency atomically creates the idempotency record (guarded by
// attribute_not_exists(idempotency_key)) and the order record in one
// TransactWriteItems call. A duplicate idempotency key cancels the whole
// transaction and neither document is written.
func (s *Store) CreateWithIdempotency(ctx context.Context, idempotencyTable string, idempotencyItem interface{}, order Order) error {
	idempMap, err := attributevalue.MarshalMap(idempotencyItem)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}

	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &idempotencyTable,
				Item:                idempMap,
				ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			return fmt.Errorf("transaction canceled (likely idempotency key exists): %w", err)
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// TransitionStatus conditionally moves the order from expected to next.
// The per-status timestamp is stamped with if_not_exists so a replayed
// transition can never move it. Returns ErrStatusMismatch when the
// compare-and-swap loses.
func (s *Store) TransitionStatus(ctx context.Context, orderID string, expected, next Status) error {
	now := s.nowFunc()
	updateExpr := "SET #s = :new, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: string(next)},
		":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":expected": &types.AttributeValueMemberS{Value: string(expected)},
	}
	if attr, ok := timestampAttr[next]; ok {
		updateExpr += fmt.Sprintf(", %s = if_not_exists(%s, :ts)", attr, attr)
		values[":ts"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:          &updateExpr,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("#s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// SetPaymentStatus conditionally moves payment_status from expected to next
// and records the charge reference when present.
func (s *Store) SetPaymentStatus(ctx context.Context, orderID, expected, next, reference string) error {
	now := s.nowFunc()
	updateExpr := "SET payment_status = :new, updated_at = :ua"
	values := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: next},
		":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		":expected": &types.AttributeValueMemberS{Value: expected},
	}
	if reference != "" {
		updateExpr += ", payment_reference = :ref"
		values[":ref"] = &types.AttributeValueMemberS{Value: reference}
	}

	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:          &updateExpr,
		ExpressionAttributeValues: values,
		ConditionExpression:       awsString("payment_status = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

// SetPrepMinutes records the restaurant's estimated preparation time.
func (s *Store) SetPrepMinutes(ctx context.Context, orderID string, minutes int) error {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression: awsString("SET prep_minutes = :pm, updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pm": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", minutes)},
			":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("set prep minutes: %w", err)
	}
	return nil
}

// ListAssignedBefore returns orders still in assigned whose assignment is
// older than cutoff. Used by the reassignment sweep.
func (s *Store) ListAssignedBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: awsString("#s = :s AND assigned_at <= :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":      &types.AttributeValueMemberS{Value: string(StatusAssigned)},
			":cutoff": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff.Unix())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan assigned orders: %w", err)
	}
	return unmarshalOrders(out.Items)
}

// ListAwaitingRider returns orders in ready with no rider attached.
func (s *Store) ListAwaitingRider(ctx context.Context) ([]Order, error) {
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: awsString("#s = :s AND attribute_not_exists(rider_id)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(StatusReady)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan awaiting orders: %w", err)
	}
	return unmarshalOrders(out.Items)
}

// AssignUpdate builds the orders-table leg of the assignment transaction:
// ready -> assigned with the rider attached, guarded so a concurrent
// assignment cancels the whole transaction.
func (s *Store) AssignUpdate(orderID, riderID string, now time.Time) types.Update {
	return types.Update{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET #s = :assigned, rider_id = :rid, assigned_at = :aa, updated_at = :ua"),
		ConditionExpression: awsString("#s = :ready AND attribute_not_exists(rider_id)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":assigned": &types.AttributeValueMemberS{Value: string(StatusAssigned)},
			":ready":    &types.AttributeValueMemberS{Value: string(StatusReady)},
			":rid":      &types.AttributeValueMemberS{Value: riderID},
			":aa":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
}

// UnassignUpdate builds the orders-table leg of the timeout reset:
// assigned -> ready with the rider cleared, guarded on the order still being
// assigned to that exact rider.
func (s *Store) UnassignUpdate(orderID, riderID string, now time.Time) types.Update {
	return types.Update{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET #s = :ready, updated_at = :ua REMOVE rider_id, assigned_at"),
		ConditionExpression: awsString("#s = :assigned AND rider_id = :rid"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ready":    &types.AttributeValueMemberS{Value: string(StatusReady)},
			":assigned": &types.AttributeValueMemberS{Value: string(StatusAssigned)},
			":rid":      &types.AttributeValueMemberS{Value: riderID},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
}

// CancelAssignedUpdate builds the orders-table leg of cancelling an order
// straight out of assignment: cancelled with the rider cleared, guarded on
// the order still being assigned to that exact rider.
func (s *Store) CancelAssignedUpdate(orderID, riderID string, now time.Time) types.Update {
	return types.Update{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET #s = :cancelled, updated_at = :ua, cancelled_at = if_not_exists(cancelled_at, :ts) REMOVE rider_id, assigned_at"),
		ConditionExpression: awsString("#s = :assigned AND rider_id = :rid"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cancelled": &types.AttributeValueMemberS{Value: string(StatusCancelled)},
			":assigned":  &types.AttributeValueMemberS{Value: string(StatusAssigned)},
			":rid":       &types.AttributeValueMemberS{Value: riderID},
			":ua":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":ts":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
}

// DeliverUpdate builds the orders-table leg of delivery completion. rider_id
// stays on the delivered order as the record of who delivered it.
func (s *Store) DeliverUpdate(orderID, riderID string, now time.Time) types.Update {
	return types.Update{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET #s = :delivered, updated_at = :ua, delivered_at = if_not_exists(delivered_at, :ts)"),
		ConditionExpression: awsString("#s = :picked_up AND rider_id = :rid"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":delivered": &types.AttributeValueMemberS{Value: string(StatusDelivered)},
			":picked_up": &types.AttributeValueMemberS{Value: string(StatusPickedUp)},
			":rid":       &types.AttributeValueMemberS{Value: riderID},
			":ua":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":ts":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
}

func unmarshalOrders(items []map[string]types.AttributeValue) ([]Order, error) {
	out := make([]Order, 0, len(items))
	for _, item := range items {
		var o Order
		if err := attributevalue.UnmarshalMap(item, &o); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		out = append(out, o)
	}
	return out, nil
}

func awsString(s string) *string { return &s }
