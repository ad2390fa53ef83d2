package orders

import "time"

// Status is the closed set of order lifecycle states.
type Status string

const (
	StatusPending          Status = "pending"
	StatusAccepted         Status = "accepted"
	StatusPreparing        Status = "preparing"
	StatusReady            Status = "ready"
	StatusAssigned         Status = "assigned"
	StatusPickedUp         Status = "picked_up"
	StatusDelivered        Status = "delivered"
	StatusAssignmentFailed Status = "assignment_failed"
	StatusCancelled        Status = "cancelled"
)

// transitions is the single source of truth for legal status changes.
// assigned -> ready is the reassignment reset; assignment_failed -> ready is
// the manual retry affordance.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAccepted, StatusCancelled},
	StatusAccepted:         {StatusPreparing, StatusAssignmentFailed, StatusCancelled},
	StatusPreparing:        {StatusReady, StatusCancelled},
	StatusReady:            {StatusAssigned, StatusAssignmentFailed, StatusCancelled},
	StatusAssigned:         {StatusPickedUp, StatusReady, StatusCancelled},
	StatusPickedUp:         {StatusDelivered},
	StatusAssignmentFailed: {StatusReady, StatusCancelled},
	StatusDelivered:        {},
	StatusCancelled:        {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Payment methods and states.
const (
	PaymentMethodCard   = "card"
	PaymentMethodWallet = "wallet"

	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
)

// timestampAttr maps a target status to the attribute stamped (at most once)
// when that status is reached.
var timestampAttr = map[Status]string{
	StatusAccepted:  "accepted_at",
	StatusPreparing: "preparing_at",
	StatusReady:     "ready_at",
	StatusPickedUp:  "picked_up_at",
	StatusDelivered: "delivered_at",
	StatusCancelled: "cancelled_at",
}

// Item is a single order line.
type Item struct {
	ItemID       string `dynamodbav:"item_id"`
	Name         string `dynamodbav:"name"`
	UnitPrice    int64  `dynamodbav:"unit_price"` // cents
	Quantity     int    `dynamodbav:"quantity"`
	Instructions string `dynamodbav:"instructions,omitempty"`
}

// Order represents the item stored in the orders table. All money amounts
// are cents.
type Order struct {
	OrderID          string `dynamodbav:"order_id"` // PK
	CustomerID       string `dynamodbav:"customer_id"`
	RestaurantID     string `dynamodbav:"restaurant_id"`
	RiderID          string `dynamodbav:"rider_id,omitempty"`
	Items            []Item `dynamodbav:"items"`
	Subtotal         int64  `dynamodbav:"subtotal"`
	DeliveryFee      int64  `dynamodbav:"delivery_fee"`
	ServiceFee       int64  `dynamodbav:"service_fee"`
	Total            int64  `dynamodbav:"total"`
	Status           Status `dynamodbav:"status"`
	PaymentMethod    string `dynamodbav:"payment_method"`
	PaymentStatus    string `dynamodbav:"payment_status"`
	PaymentReference string `dynamodbav:"payment_reference,omitempty"`
	DeliveryAddress  string `dynamodbav:"delivery_address"`
	ConfirmationCode string `dynamodbav:"confirmation_code"`
	// Estimated preparation minutes supplied by the restaurant on accept;
	// informational only.
	PrepMinutes int `dynamodbav:"prep_minutes,omitempty"`

	CreatedAt   time.Time  `dynamodbav:"created_at"`
	UpdatedAt   time.Time  `dynamodbav:"updated_at"`
	AcceptedAt  *time.Time `dynamodbav:"accepted_at,omitempty"`
	PreparingAt *time.Time `dynamodbav:"preparing_at,omitempty"`
	ReadyAt     *time.Time `dynamodbav:"ready_at,omitempty"`
	AssignedAt  *time.Time `dynamodbav:"assigned_at,omitempty,unixtime"`
	PickedUpAt  *time.Time `dynamodbav:"picked_up_at,omitempty"`
	DeliveredAt *time.Time `dynamodbav:"delivered_at,omitempty"`
	CancelledAt *time.Time `dynamodbav:"cancelled_at,omitempty"`
}

// Actor identifies who is requesting a transition.
type Actor struct {
	Role string // RoleCustomer | RoleRestaurant | RoleRider | RoleSystem
	ID   string
}

// Actor roles.
const (
	RoleCustomer   = "customer"
	RoleRestaurant = "restaurant"
	RoleRider      = "rider"
	RoleSystem     = "system"
)
