package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with custom struct-level validation
// registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// checkout totals must balance: total = subtotal + delivery + service,
	// and the subtotal must match the line items.
	v.RegisterStructValidation(checkoutStructValidation, CheckoutRequest{})

	return v
}

// checkoutStructValidation enforces the order money invariant at the edge so
// a malformed order can never be persisted.
func checkoutStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CheckoutRequest)

	var itemSum int64
	for _, it := range req.Items {
		itemSum += int64(it.Quantity) * it.UnitPrice
	}
	if itemSum != req.Subtotal {
		sl.ReportError(req.Subtotal, "subtotal", "Subtotal", "subtotal_match_items",
			fmt.Sprintf("items sum %d != subtotal %d", itemSum, req.Subtotal))
	}

	if req.Subtotal+req.DeliveryFee+req.ServiceFee != req.Total {
		sl.ReportError(req.Total, "total", "Total", "total_match_fees",
			fmt.Sprintf("subtotal %d + delivery %d + service %d != total %d",
				req.Subtotal, req.DeliveryFee, req.ServiceFee, req.Total))
	}

	if req.PaymentMethod == "card" && req.PaymentReference == "" {
		sl.ReportError(req.PaymentReference, "payment_reference", "PaymentReference", "required_for_card", "")
	}
}
