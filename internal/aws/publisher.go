package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Event kinds published to the notification queue.
const (
	EventOrderCreated       = "order.created"
	EventOrderStatusChanged = "order.status_changed"
	EventRiderAssigned      = "rider.assigned"
)

// Event is the fire-and-forget payload sent to the notification sink.
type Event struct {
	Kind    string `json:"kind"`
	OrderID string `json:"order_id,omitempty"`
	RiderID string `json:"rider_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Notifier wraps an SQS client and a queue URL.
type Notifier struct {
	SQS      SQSAPI
	QueueURL string
}

// NewNotifier returns a Notifier bound to a queue URL.
func NewNotifier(sqsClient SQSAPI, queueURL string) *Notifier {
	return &Notifier{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// Publish sends an event to the notification queue. Delivery is best-effort:
// failures are logged and swallowed so they can never roll back the
// transaction that produced the event.
func (n *Notifier) Publish(ctx context.Context, ev Event) {
	if n == nil || n.SQS == nil || n.QueueURL == "" {
		return
	}
	if err := n.send(ctx, ev); err != nil {
		log.Printf("[notify] dropped %s event for order=%s: %v", ev.Kind, ev.OrderID, err)
	}
}

func (n *Notifier) send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msgBody := string(body)
	input := &sqs.SendMessageInput{
		QueueUrl:    &n.QueueURL,
		MessageBody: &msgBody,
	}

	attrs := map[string]string{"kind": ev.Kind}
	if ev.OrderID != "" {
		attrs["order_id"] = ev.OrderID
	}
	msgAttrs := map[string]sqstypes.MessageAttributeValue{}
	for k, v := range attrs {
		v := v
		msgAttrs[k] = sqstypes.MessageAttributeValue{
			DataType:    awsString("String"),
			StringValue: &v,
		}
	}
	input.MessageAttributes = msgAttrs

	if _, err := n.SQS.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
