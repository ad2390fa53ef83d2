package riders

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

// ErrStatusMismatch is returned when a conditional rider-status write loses
// the compare-and-swap.
var ErrStatusMismatch = errors.New("rider status mismatch/conditional failed")

// Store encapsulates operations on the riders table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new riders Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Put writes a rider record (onboarding / test seeding).
func (s *Store) Put(ctx context.Context, r Rider) error {
	now := s.nowFunc()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		return fmt.Errorf("marshal rider: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put rider: %w", err)
	}
	return nil
}

// Get fetches a rider by rider_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, riderID string) (*Rider, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"rider_id": &types.AttributeValueMemberS{Value: riderID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get rider: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var r Rider
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshal rider: %w", err)
	}
	return &r, nil
}

// ListAvailable returns the matching candidate pool: verified riders
// currently available.
func (s *Store) ListAvailable(ctx context.Context) ([]Rider, error) {
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: awsString("#s = :s AND is_verified = :v"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberS{Value: string(StatusAvailable)},
			":v": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan available riders: %w", err)
	}
	return unmarshalRiders(out.Items)
}

// ListIdleAvailable returns available riders whose last activity is at or
// before cutoff. Used by the idle reaper.
func (s *Store) ListIdleAvailable(ctx context.Context, cutoff time.Time) ([]Rider, error) {
	out, err := s.client.Scan(ctx, &dyn.ScanInput{
		TableName:        &s.tableName,
		FilterExpression: awsString("#s = :s AND last_activity <= :cutoff"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":s":      &types.AttributeValueMemberS{Value: string(StatusAvailable)},
			":cutoff": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", cutoff.Unix())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("scan idle riders: %w", err)
	}
	return unmarshalRiders(out.Items)
}

// SetStatus conditionally moves the rider from expected to next and touches
// last_activity. Returns ErrStatusMismatch when the compare-and-swap loses.
func (s *Store) SetStatus(ctx context.Context, riderID string, expected, next RiderStatus) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"rider_id": &types.AttributeValueMemberS{Value: riderID},
		},
		UpdateExpression: awsString("SET #s = :new, last_activity = :la, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(next)},
			":la":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
		},
		ConditionExpression: awsString("#s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var cc *types.ConditionalCheckFailedException
		if errors.As(err, &cc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update rider status: %w", err)
	}
	return nil
}

// MarkOffline is the reaper's available -> offline flip.
func (s *Store) MarkOffline(ctx context.Context, riderID string) error {
	return s.SetStatus(ctx, riderID, StatusAvailable, StatusOffline)
}

// AttachUpdate builds the riders-table leg of the assignment transaction:
// add the order to the rider's set and touch last_activity, guarded on the
// rider still being verified and available.
func (s *Store) AttachUpdate(riderID, orderID string, now time.Time) types.Update {
	return types.Update{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"rider_id": &types.AttributeValueMemberS{Value: riderID},
		},
		UpdateExpression:    awsString("ADD assigned_orders :oid SET last_activity = :la, updated_at = :ua"),
		ConditionExpression: awsString("#s = :available AND is_verified = :v"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid":       &types.AttributeValueMemberSS{Value: []string{orderID}},
			":la":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now.Unix())},
			":ua":        &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":available": &types.AttributeValueMemberS{Value: string(StatusAvailable)},
			":v":         &types.AttributeValueMemberBOOL{Value: true},
		},
	}
}

// DetachUpdate builds the riders-table leg of the timeout reset: drop the
// order from the rider's set. Unconditional, since deleting a missing member
// is a no-op.
func (s *Store) DetachUpdate(riderID, orderID string, now time.Time) types.Update {
	return types.Update{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"rider_id": &types.AttributeValueMemberS{Value: riderID},
		},
		UpdateExpression: awsString("DELETE assigned_orders :oid SET updated_at = :ua"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":oid": &types.AttributeValueMemberSS{Value: []string{orderID}},
			":ua":  &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	}
}

func unmarshalRiders(items []map[string]types.AttributeValue) ([]Rider, error) {
	out := make([]Rider, 0, len(items))
	for _, item := range items {
		var r Rider
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return nil, fmt.Errorf("unmarshal rider: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func awsString(s string) *string { return &s }
