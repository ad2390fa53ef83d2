package validation

import "testing"

func validCheckout() CheckoutRequest {
	return CheckoutRequest{
		CustomerID:   "cust-1",
		RestaurantID: "rest-1",
		Items: []Item{
			{ItemID: "it-1", Name: "Jollof rice", UnitPrice: 1500, Quantity: 2},
		},
		Subtotal:        3000,
		DeliveryFee:     500,
		ServiceFee:      100,
		Total:           3600,
		PaymentMethod:   "wallet",
		DeliveryAddress: "12 Allen Avenue",
	}
}

func TestCheckout_Valid(t *testing.T) {
	v := New()
	if err := v.Struct(validCheckout()); err != nil {
		t.Fatalf("valid checkout rejected: %v", err)
	}
}

func TestCheckout_TotalMismatch(t *testing.T) {
	v := New()
	req := validCheckout()
	req.Total = 4000
	if err := v.Struct(req); err == nil {
		t.Fatal("total not matching fees was accepted")
	}
}

func TestCheckout_SubtotalMismatch(t *testing.T) {
	v := New()
	req := validCheckout()
	req.Items[0].Quantity = 3 // items now sum to 4500, subtotal stays 3000
	if err := v.Struct(req); err == nil {
		t.Fatal("subtotal not matching items was accepted")
	}
}

func TestCheckout_CardRequiresReference(t *testing.T) {
	v := New()
	req := validCheckout()
	req.PaymentMethod = "card"
	if err := v.Struct(req); err == nil {
		t.Fatal("card checkout without payment_reference was accepted")
	}
	req.PaymentReference = "ref-1"
	if err := v.Struct(req); err != nil {
		t.Fatalf("card checkout with reference rejected: %v", err)
	}
}

func TestCheckout_UnknownPaymentMethod(t *testing.T) {
	v := New()
	req := validCheckout()
	req.PaymentMethod = "cash"
	if err := v.Struct(req); err == nil {
		t.Fatal("unknown payment method was accepted")
	}
}

func TestCheckout_EmptyItems(t *testing.T) {
	v := New()
	req := validCheckout()
	req.Items = nil
	if err := v.Struct(req); err == nil {
		t.Fatal("empty item list was accepted")
	}
}

func TestDeliverRequest_Code(t *testing.T) {
	v := New()
	cases := []struct {
		code string
		ok   bool
	}{
		{"123456", true},
		{"12345", false},
		{"1234567", false},
		{"12345a", false},
		{"", false},
	}
	for _, tc := range cases {
		err := v.Struct(DeliverRequest{RiderID: "r1", ConfirmationCode: tc.code})
		if tc.ok && err != nil {
			t.Errorf("code %q rejected: %v", tc.code, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("code %q accepted", tc.code)
		}
	}
}

func TestRiderStatusRequest(t *testing.T) {
	v := New()
	for _, s := range []string{"available", "busy", "offline"} {
		if err := v.Struct(RiderStatusRequest{Status: s}); err != nil {
			t.Errorf("status %q rejected: %v", s, err)
		}
	}
	// suspension is an admin action, not a self-service status
	if err := v.Struct(RiderStatusRequest{Status: "suspended"}); err == nil {
		t.Error("self-service suspension was accepted")
	}
}

func TestFundingRequest(t *testing.T) {
	v := New()
	if err := v.Struct(FundingRequest{UserID: "u1", Amount: 10000, Reference: "ref-1"}); err != nil {
		t.Fatalf("valid funding rejected: %v", err)
	}
	if err := v.Struct(FundingRequest{UserID: "u1", Amount: -5, Reference: "ref-1"}); err == nil {
		t.Fatal("negative funding amount was accepted")
	}
}
