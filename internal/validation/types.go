package validation

// Item is a single checkout line item. Money amounts are cents.
type Item struct {
	ItemID       string `json:"item_id" validate:"required"`
	Name         string `json:"name" validate:"required"`
	UnitPrice    int64  `json:"unit_price" validate:"required,gt=0"`
	Quantity     int    `json:"quantity" validate:"required,min=1"`
	Instructions string `json:"instructions,omitempty"`
}

// CheckoutRequest is the payload for POST /orders.
type CheckoutRequest struct {
	CustomerID      string `json:"customer_id" validate:"required"`
	RestaurantID    string `json:"restaurant_id" validate:"required"`
	Items           []Item `json:"items" validate:"required,min=1,dive"`
	Subtotal        int64  `json:"subtotal" validate:"required,gt=0"`
	DeliveryFee     int64  `json:"delivery_fee" validate:"gte=0"`
	ServiceFee      int64  `json:"service_fee" validate:"gte=0"`
	Total           int64  `json:"total" validate:"required,gt=0"`
	PaymentMethod   string `json:"payment_method" validate:"required,oneof=card wallet"`
	DeliveryAddress string `json:"delivery_address" validate:"required"`
	// Charge-processor reference; required for card payments.
	PaymentReference string `json:"payment_reference,omitempty"`
}

// StatusUpdateRequest drives POST /orders/:id/status.
type StatusUpdateRequest struct {
	Status      string `json:"status" validate:"required"`
	ActorRole   string `json:"actor_role" validate:"required,oneof=customer restaurant rider system"`
	ActorID     string `json:"actor_id" validate:"required"`
	PrepMinutes int    `json:"prep_minutes,omitempty" validate:"gte=0"`
}

// DeliverRequest completes a picked-up order with the customer's code.
type DeliverRequest struct {
	RiderID          string `json:"rider_id" validate:"required"`
	ConfirmationCode string `json:"confirmation_code" validate:"required,len=6,numeric"`
}

// CancelRequest identifies who is cancelling.
type CancelRequest struct {
	ActorRole string `json:"actor_role" validate:"required,oneof=customer restaurant system"`
	ActorID   string `json:"actor_id" validate:"required"`
}

// RiderStatusRequest is the rider's manual status change.
type RiderStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=available busy offline"`
}

// FundingRequest initiates a wallet top-up (pending until the processor's
// webhook confirms).
type FundingRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
	Reference string `json:"reference" validate:"required"`
}
