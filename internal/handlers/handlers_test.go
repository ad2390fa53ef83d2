package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/gin-gonic/gin"
	"github.com/loppam/unichow-sub000/internal/awstest"
	"github.com/loppam/unichow-sub000/internal/orders"
	"github.com/loppam/unichow-sub000/internal/payments"
	"github.com/loppam/unichow-sub000/internal/riders"
	"github.com/loppam/unichow-sub000/internal/wallet"
)

const (
	ordersTable       = "orders"
	ridersTable       = "riders"
	walletsTable      = "wallets"
	transactionsTable = "wallet_transactions"
	idempTable        = "idempotency"
)

// fakeCharges is a canned charge processor.
type fakeCharges struct {
	results map[string]payments.ChargeResult
}

func (f *fakeCharges) VerifyCharge(ctx context.Context, reference string) (payments.ChargeResult, error) {
	if r, ok := f.results[reference]; ok {
		return r, nil
	}
	return payments.ChargeResult{}, fmt.Errorf("charge %s not found", reference)
}

func newTestRouter(t *testing.T) (*gin.Engine, *awstest.DB, *fakeCharges) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := awstest.NewDB()
	db.CreateTable(ordersTable, "order_id")
	db.CreateTable(ridersTable, "rider_id")
	db.CreateTable(walletsTable, "user_id")
	db.CreateTable(transactionsTable, "transaction_id")
	db.CreateTable(idempTable, "idempotency_key")

	charges := &fakeCharges{results: map[string]payments.ChargeResult{}}
	r := gin.New()
	RegisterRoutes(r, HandlerConfig{
		DynamoDBClient:    db,
		OrdersTable:       ordersTable,
		RidersTable:       ridersTable,
		WalletsTable:      walletsTable,
		TransactionsTable: transactionsTable,
		IdempotencyTable:  idempTable,
		TTLWindow:         48 * time.Hour,
		Charges:           charges,
	})
	return r, db, charges
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func seedWallet(t *testing.T, db *awstest.DB, userID string, balance int64) {
	t.Helper()
	item, err := attributevalue.MarshalMap(wallet.Wallet{
		UserID: userID, Balance: balance, LastUpdated: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal wallet: %v", err)
	}
	db.Seed(walletsTable, item)
}

func seedRider(t *testing.T, db *awstest.DB, r riders.Rider) {
	t.Helper()
	now := time.Now().UTC()
	if r.LastActivity.IsZero() {
		r.LastActivity = now
	}
	r.CreatedAt, r.UpdatedAt = now, now
	item, err := attributevalue.MarshalMap(r)
	if err != nil {
		t.Fatalf("marshal rider: %v", err)
	}
	db.Seed(ridersTable, item)
}

func checkoutBody() map[string]any {
	return map[string]any{
		"customer_id":   "cust-1",
		"restaurant_id": "rest-1",
		"items": []map[string]any{
			{"item_id": "it-1", "name": "Jollof rice", "unit_price": 1500, "quantity": 2},
		},
		"subtotal":         3000,
		"delivery_fee":     500,
		"service_fee":      100,
		"total":            3600,
		"payment_method":   "wallet",
		"delivery_address": "12 Allen Avenue",
	}
}

func fetchOrderByID(t *testing.T, db *awstest.DB, id string) *orders.Order {
	t.Helper()
	o, err := orders.NewStore(db, ordersTable).Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o == nil {
		t.Fatalf("order %s missing", id)
	}
	return o
}

func TestCheckout_WalletSuccess(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 5000)

	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	orderID, _ := resp["order_id"].(string)
	if orderID == "" {
		t.Fatalf("no order_id in %v", resp)
	}
	if code, _ := resp["confirmation_code"].(string); len(code) != 6 {
		t.Fatalf("confirmation_code = %v", resp["confirmation_code"])
	}

	o := fetchOrderByID(t, db, orderID)
	if o.Status != orders.StatusPending || o.PaymentStatus != orders.PaymentPaid {
		t.Fatalf("order after checkout: %+v", o)
	}

	ws, err := wallet.NewStore(db, walletsTable, transactionsTable).GetWallet(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if ws.Balance != 1400 {
		t.Fatalf("balance = %d, want 1400", ws.Balance)
	}
}

func TestCheckout_MissingIdempotencyKey(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCheckout_InsufficientBalance(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 100)

	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	orderID, _ := resp["order_id"].(string)
	if o := fetchOrderByID(t, db, orderID); o.Status != orders.StatusCancelled {
		t.Fatalf("unpaid order not cancelled: %+v", o)
	}
	// no ledger entry was written for the failed debit
	if db.Count(transactionsTable) != 0 {
		t.Fatalf("ledger records = %d, want 0", db.Count(transactionsTable))
	}
}

func TestCheckout_ReplaySameKey(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 5000)

	first := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	if first.Code != http.StatusCreated {
		t.Fatalf("first checkout: %d", first.Code)
	}
	second := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d, want stored 201", second.Code)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	// exactly one order and one debit
	if db.Count(ordersTable) != 1 {
		t.Fatalf("orders = %d, want 1", db.Count(ordersTable))
	}
	ws, _ := wallet.NewStore(db, walletsTable, transactionsTable).GetWallet(context.Background(), "cust-1")
	if ws.Balance != 1400 {
		t.Fatalf("replay debited again: balance %d", ws.Balance)
	}
}

func TestCheckout_CardVerified(t *testing.T) {
	r, db, charges := newTestRouter(t)
	charges.results["ref-1"] = payments.ChargeResult{Reference: "ref-1", Status: payments.ChargeSuccess, Amount: 3600}

	body := checkoutBody()
	body["payment_method"] = "card"
	body["payment_reference"] = "ref-1"

	w := doJSON(t, r, http.MethodPost, "/orders", body, map[string]string{"Idempotency-Key": "key-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	o := fetchOrderByID(t, db, resp["order_id"].(string))
	if o.PaymentStatus != orders.PaymentPaid || o.PaymentReference != "ref-1" {
		t.Fatalf("card payment not recorded: %+v", o)
	}
}

func TestCheckout_CardAmountMismatch(t *testing.T) {
	r, db, charges := newTestRouter(t)
	charges.results["ref-1"] = payments.ChargeResult{Reference: "ref-1", Status: payments.ChargeSuccess, Amount: 100}

	body := checkoutBody()
	body["payment_method"] = "card"
	body["payment_reference"] = "ref-1"

	w := doJSON(t, r, http.MethodPost, "/orders", body, map[string]string{"Idempotency-Key": "key-1"})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	resp := decode(t, w)
	if o := fetchOrderByID(t, db, resp["order_id"].(string)); o.Status != orders.StatusCancelled {
		t.Fatalf("underpaid order not cancelled: %+v", o)
	}
}

func TestUpdateStatus_ReadyTriggersAssignment(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 5000)
	seedRider(t, db, riders.Rider{RiderID: "r1", IsVerified: true, Status: riders.StatusAvailable})

	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	orderID := decode(t, w)["order_id"].(string)

	for _, status := range []string{"accepted", "preparing"} {
		w = doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/status",
			map[string]any{"status": status, "actor_role": "restaurant", "actor_id": "rest-1"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status %d, body %s", status, w.Code, w.Body.String())
		}
	}

	w = doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/status",
		map[string]any{"status": "ready", "actor_role": "restaurant", "actor_id": "rest-1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ready: status %d, body %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	a, _ := resp["assignment"].(map[string]any)
	if a == nil || a["rider_id"] != "r1" {
		t.Fatalf("no synchronous assignment in %v", resp)
	}
	if o := fetchOrderByID(t, db, orderID); o.Status != orders.StatusAssigned || o.RiderID != "r1" {
		t.Fatalf("order not assigned: %+v", o)
	}
}

func TestUpdateStatus_NoRiderIsNonFatal(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 5000)

	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	orderID := decode(t, w)["order_id"].(string)

	for _, status := range []string{"accepted", "preparing", "ready"} {
		w = doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/status",
			map[string]any{"status": status, "actor_role": "restaurant", "actor_id": "rest-1"}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status %d, body %s", status, w.Code, w.Body.String())
		}
	}
	if o := fetchOrderByID(t, db, orderID); o.Status != orders.StatusReady {
		t.Fatalf("order = %s, want ready while searching", o.Status)
	}
}

func TestUpdateStatus_InvalidTransition(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 5000)

	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	orderID := decode(t, w)["order_id"].(string)

	w = doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/status",
		map[string]any{"status": "ready", "actor_role": "restaurant", "actor_id": "rest-1"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("skipping transition: status %d, want 409", w.Code)
	}
}

func TestUpdateStatus_OrderNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/orders/nope/status",
		map[string]any{"status": "accepted", "actor_role": "restaurant", "actor_id": "rest-1"}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDeliver_WrongCode(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 5000)
	seedRider(t, db, riders.Rider{RiderID: "r1", IsVerified: true, Status: riders.StatusAvailable})

	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	orderID := decode(t, w)["order_id"].(string)
	for _, status := range []string{"accepted", "preparing", "ready"} {
		doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/status",
			map[string]any{"status": status, "actor_role": "restaurant", "actor_id": "rest-1"}, nil)
	}
	doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/status",
		map[string]any{"status": "picked_up", "actor_role": "rider", "actor_id": "r1"}, nil)

	o := fetchOrderByID(t, db, orderID)
	wrong := "000000"
	if o.ConfirmationCode == wrong {
		wrong = "000001"
	}
	w = doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/deliver",
		map[string]any{"rider_id": "r1", "confirmation_code": wrong}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong code: status %d, want 422", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/deliver",
		map[string]any{"rider_id": "r1", "confirmation_code": o.ConfirmationCode}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("right code: status %d, body %s", w.Code, w.Body.String())
	}
	if got := fetchOrderByID(t, db, orderID); got.Status != orders.StatusDelivered {
		t.Fatalf("order = %s, want delivered", got.Status)
	}
}

func TestRiderStatusEndpoints(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedRider(t, db, riders.Rider{RiderID: "r1", IsVerified: true, Status: riders.StatusOffline})

	w := doJSON(t, r, http.MethodPost, "/riders/r1/status", map[string]any{"status": "available"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("go online: status %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/riders/r1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get rider: %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "available" {
		t.Fatalf("rider status = %v", resp["status"])
	}

	seedRider(t, db, riders.Rider{RiderID: "r2", IsVerified: true, Status: riders.StatusSuspended})
	w = doJSON(t, r, http.MethodPost, "/riders/r2/status", map[string]any{"status": "available"}, nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("suspended rider self-service: status %d, want 403", w.Code)
	}
}

func TestWalletEndpoints_FundingFlow(t *testing.T) {
	r, _, _ := newTestRouter(t)

	// an unused wallet reads as zero
	w := doJSON(t, r, http.MethodGet, "/wallets/u1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get wallet: %d", w.Code)
	}
	if resp := decode(t, w); resp["balance"].(float64) != 0 {
		t.Fatalf("fresh wallet balance = %v", resp["balance"])
	}

	w = doJSON(t, r, http.MethodPost, "/wallets/fund",
		map[string]any{"user_id": "u1", "amount": 10000, "reference": "ref-1"}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("fund: status %d, body %s", w.Code, w.Body.String())
	}
	fundResp := decode(t, w)

	// a retried funding request lands on the same pending entry
	w = doJSON(t, r, http.MethodPost, "/wallets/fund",
		map[string]any{"user_id": "u1", "amount": 10000, "reference": "ref-1"}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("retried fund: status %d, body %s", w.Code, w.Body.String())
	}
	if retry := decode(t, w); retry["transaction_id"] != fundResp["transaction_id"] {
		t.Fatalf("retried fund opened a second entry: %v vs %v", retry["transaction_id"], fundResp["transaction_id"])
	}

	webhook := map[string]any{
		"event":     "charge.success",
		"reference": "ref-1",
		"amount":    10000,
		"metadata":  map[string]any{"type": "wallet_funding", "user_id": "u1"},
	}
	w = doJSON(t, r, http.MethodPost, "/webhooks/charge", webhook, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook: status %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodGet, "/wallets/u1", nil, nil)
	if resp := decode(t, w); resp["balance"].(float64) != 10000 {
		t.Fatalf("balance after funding = %v", resp["balance"])
	}

	// replayed webhook must not credit twice
	w = doJSON(t, r, http.MethodPost, "/webhooks/charge", webhook, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("replayed webhook: %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/wallets/u1", nil, nil)
	if resp := decode(t, w); resp["balance"].(float64) != 10000 {
		t.Fatalf("balance after replay = %v", resp["balance"])
	}
}

func TestChargeWebhook_IgnoresOtherCharges(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/webhooks/charge", map[string]any{
		"event":     "charge.success",
		"reference": "ref-x",
		"metadata":  map[string]any{"type": "order_payment"},
	}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp := decode(t, w); resp["status"] != "ignored" {
		t.Fatalf("resp = %v", resp)
	}
}

func TestChargeWebhook_UnknownReference(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doJSON(t, r, http.MethodPost, "/webhooks/charge", map[string]any{
		"event":     "charge.success",
		"reference": "ref-missing",
		"metadata":  map[string]any{"type": "wallet_funding", "user_id": "u1"},
	}, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestRetryAssignment(t *testing.T) {
	r, db, _ := newTestRouter(t)
	seedWallet(t, db, "cust-1", 5000)

	w := doJSON(t, r, http.MethodPost, "/orders", checkoutBody(), map[string]string{"Idempotency-Key": "key-1"})
	orderID := decode(t, w)["order_id"].(string)
	for _, status := range []string{"accepted", "preparing", "ready"} {
		doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/status",
			map[string]any{"status": status, "actor_role": "restaurant", "actor_id": "rest-1"}, nil)
	}
	// the sweep flagged it after exhausting the match window
	if err := orders.NewStore(db, ordersTable).TransitionStatus(context.Background(),
		orderID, orders.StatusReady, orders.StatusAssignmentFailed); err != nil {
		t.Fatalf("flag failed: %v", err)
	}

	seedRider(t, db, riders.Rider{RiderID: "r1", IsVerified: true, Status: riders.StatusAvailable})
	w = doJSON(t, r, http.MethodPost, "/orders/"+orderID+"/retry-assignment",
		map[string]any{"actor_role": "restaurant", "actor_id": "rest-1"}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("retry: status %d, body %s", w.Code, w.Body.String())
	}
	if o := fetchOrderByID(t, db, orderID); o.Status != orders.StatusAssigned || o.RiderID != "r1" {
		t.Fatalf("retried order not assigned: %+v", o)
	}
}
