package riders

import "time"

// RiderStatus is the closed set of rider availability states.
type RiderStatus string

const (
	StatusAvailable RiderStatus = "available"
	StatusBusy      RiderStatus = "busy"
	StatusOffline   RiderStatus = "offline"
	StatusSuspended RiderStatus = "suspended"
)

// Valid reports whether s is a known rider status.
func (s RiderStatus) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusOffline, StatusSuspended:
		return true
	}
	return false
}

// Rider represents the item stored in the riders table. assigned_orders is a
// string set: membership is what matters, not order.
type Rider struct {
	RiderID        string      `dynamodbav:"rider_id"` // PK
	Name           string      `dynamodbav:"name,omitempty"`
	IsVerified     bool        `dynamodbav:"is_verified"`
	Status         RiderStatus `dynamodbav:"status"`
	AssignedOrders []string    `dynamodbav:"assigned_orders,stringset,omitemptyelem,omitempty"`
	Rating         float64     `dynamodbav:"rating,omitempty"`
	LastActivity   time.Time   `dynamodbav:"last_activity,unixtime"`
	// Bank/subaccount reference used for payouts.
	PaymentInfo string `dynamodbav:"payment_info,omitempty"`
	// Informational only; matching does not consult location.
	Latitude  *float64 `dynamodbav:"latitude,omitempty"`
	Longitude *float64 `dynamodbav:"longitude,omitempty"`

	CreatedAt time.Time `dynamodbav:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at"`
}

// Load is the rider's current assignment count, the tie-break key for
// matching.
func (r *Rider) Load() int {
	return len(r.AssignedOrders)
}
