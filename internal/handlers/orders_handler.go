package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/loppam/unichow-sub000/internal/assignment"
	"github.com/loppam/unichow-sub000/internal/aws"
	"github.com/loppam/unichow-sub000/internal/idempotency"
	"github.com/loppam/unichow-sub000/internal/orders"
	"github.com/loppam/unichow-sub000/internal/payments"
	"github.com/loppam/unichow-sub000/internal/validation"
	"github.com/loppam/unichow-sub000/internal/wallet"
)

// checkout creates an order. The idempotency record and the order are
// written in one transaction; the order is only promoted to paid after the
// debit or charge verification succeeds, so a crash between the two leaves a
// safely-retryable unpaid order.
func (d *deps) checkout(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.CheckoutRequest
	if err := validation.BindAndValidate(c, &req, d.validate); err != nil {
		return
	}

	idempKey := c.GetHeader("Idempotency-Key")
	if idempKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
		return
	}

	orderID := uuid.NewString()
	code, err := orders.GenerateConfirmationCode()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "code_generation_failed"})
		return
	}

	now := time.Now().UTC()
	items := make([]orders.Item, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, orders.Item{
			ItemID:       it.ItemID,
			Name:         it.Name,
			UnitPrice:    it.UnitPrice,
			Quantity:     it.Quantity,
			Instructions: it.Instructions,
		})
	}

	order := orders.Order{
		OrderID:          orderID,
		CustomerID:       req.CustomerID,
		RestaurantID:     req.RestaurantID,
		Items:            items,
		Subtotal:         req.Subtotal,
		DeliveryFee:      req.DeliveryFee,
		ServiceFee:       req.ServiceFee,
		Total:            req.Total,
		Status:           orders.StatusPending,
		PaymentMethod:    req.PaymentMethod,
		PaymentStatus:    orders.PaymentPending,
		DeliveryAddress:  req.DeliveryAddress,
		ConfirmationCode: code,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err = d.orderStore.CreateWithIdempotency(ctx, d.cfg.IdempotencyTable, d.idempStore.NewRecord(idempKey, orderID), order)
	if err != nil {
		d.replayIdempotent(c, idempKey, err)
		return
	}

	if !d.settlePayment(c, &order, req.PaymentReference, idempKey) {
		return
	}

	d.notifier.Publish(ctx, aws.Event{
		Kind:    aws.EventOrderCreated,
		OrderID: orderID,
		Status:  string(orders.StatusPending),
	})

	body := gin.H{
		"order_id":          orderID,
		"status":            orders.StatusPending,
		"payment_status":    orders.PaymentPaid,
		"confirmation_code": code,
	}
	responseBody, _ := json.Marshal(body)
	_ = d.idempStore.MarkDone(ctx, idempKey, string(responseBody), http.StatusCreated)

	c.Header("Location", fmt.Sprintf("/orders/%s", orderID))
	c.JSON(http.StatusCreated, body)
}

// settlePayment debits the wallet or verifies the card charge, promoting
// payment_status on success and cancelling the fresh order on failure.
// Returns false when a response has already been written.
func (d *deps) settlePayment(c *gin.Context, order *orders.Order, chargeRef, idempKey string) bool {
	ctx := c.Request.Context()

	switch order.PaymentMethod {
	case orders.PaymentMethodWallet:
		err := d.walletSvc.Debit(ctx, order.CustomerID, order.Total, "order payment", order.OrderID)
		if errors.Is(err, wallet.ErrInsufficientBalance) {
			d.abandonUnpaid(c, order, idempKey, "insufficient_balance")
			return false
		}
		if err != nil {
			_ = d.idempStore.MarkFailed(ctx, idempKey, fmt.Sprintf("wallet_debit_failed: %v", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_debit_failed", "detail": err.Error()})
			return false
		}
		if err := d.orderStore.SetPaymentStatus(ctx, order.OrderID, orders.PaymentPending, orders.PaymentPaid, ""); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payment_status_update_failed", "detail": err.Error()})
			return false
		}
	case orders.PaymentMethodCard:
		result, err := d.cfg.Charges.VerifyCharge(ctx, chargeRef)
		if err != nil {
			_ = d.idempStore.MarkFailed(ctx, idempKey, fmt.Sprintf("charge_verify_failed: %v", err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "charge_verify_failed", "detail": err.Error()})
			return false
		}
		if result.Status != payments.ChargeSuccess || result.Amount != order.Total {
			d.abandonUnpaid(c, order, idempKey, "charge_not_successful")
			return false
		}
		if err := d.orderStore.SetPaymentStatus(ctx, order.OrderID, orders.PaymentPending, orders.PaymentPaid, result.Reference); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "payment_status_update_failed", "detail": err.Error()})
			return false
		}
	}
	order.PaymentStatus = orders.PaymentPaid
	return true
}

// abandonUnpaid cancels a never-paid order and records the terminal response
// so replays of the same idempotency key see the same outcome.
func (d *deps) abandonUnpaid(c *gin.Context, order *orders.Order, idempKey, reason string) {
	ctx := c.Request.Context()
	if _, err := d.orderSvc.UpdateStatus(ctx, order.OrderID, orders.StatusCancelled, orders.Actor{Role: orders.RoleSystem}); err != nil {
		log.Printf("[checkout] cancel unpaid order=%s: %v", order.OrderID, err)
	}
	body := gin.H{"error": reason, "order_id": order.OrderID, "status": orders.StatusCancelled}
	responseBody, _ := json.Marshal(body)
	_ = d.idempStore.MarkDone(ctx, idempKey, string(responseBody), http.StatusPaymentRequired)
	c.JSON(http.StatusPaymentRequired, body)
}

// replayIdempotent handles a checkout whose create transaction was cancelled:
// if the idempotency key already exists, replay the stored outcome.
func (d *deps) replayIdempotent(c *gin.Context, idempKey string, createErr error) {
	ctx := c.Request.Context()
	rec, getErr := d.idempStore.Get(ctx, idempKey)
	if getErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": getErr.Error()})
		return
	}
	if rec == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction_failed_no_idempotency_record", "detail": createErr.Error()})
		return
	}
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" {
			c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": rec.OrderID})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress", "order_id": rec.OrderID})
	case idempotency.StatusFailed:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "previous_attempt_failed", "order_id": rec.OrderID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}

func (d *deps) getOrder(c *gin.Context) {
	o, err := d.orderSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, orderView(o))
}

// updateStatus performs a guarded transition. When the order reaches ready,
// the assignment engine gets one synchronous attempt; failure to match is
// non-fatal and the sweep keeps retrying.
func (d *deps) updateStatus(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")

	var req validation.StatusUpdateRequest
	if err := validation.BindAndValidate(c, &req, d.validate); err != nil {
		return
	}

	actor := orders.Actor{Role: req.ActorRole, ID: req.ActorID}
	next := orders.Status(req.Status)

	var (
		o   *orders.Order
		err error
	)
	if next == orders.StatusAccepted && req.PrepMinutes > 0 {
		o, err = d.orderSvc.Accept(ctx, orderID, actor, req.PrepMinutes)
	} else {
		o, err = d.orderSvc.UpdateStatus(ctx, orderID, next, actor)
	}
	if err != nil {
		writeOrderError(c, err)
		return
	}

	body := gin.H{"order": orderView(o)}
	if o.Status == orders.StatusReady {
		a, aerr := d.engine.Assign(ctx, orderID)
		switch {
		case aerr == nil:
			body["assignment"] = gin.H{"rider_id": a.RiderID}
		case errors.Is(aerr, assignment.ErrNoRiderAvailable),
			errors.Is(aerr, assignment.ErrAssignmentConflict):
			body["assignment"] = gin.H{"message": "searching for a rider"}
		default:
			log.Printf("[orders] synchronous assignment for order=%s: %v", orderID, aerr)
			body["assignment"] = gin.H{"message": "searching for a rider"}
		}
	}
	c.JSON(http.StatusOK, body)
}

func (d *deps) deliver(c *gin.Context) {
	var req validation.DeliverRequest
	if err := validation.BindAndValidate(c, &req, d.validate); err != nil {
		return
	}

	o, err := d.orderSvc.Deliver(c.Request.Context(), c.Param("id"), req.RiderID, req.ConfirmationCode)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": orderView(o)})
}

func (d *deps) cancel(c *gin.Context) {
	var req validation.CancelRequest
	if err := validation.BindAndValidate(c, &req, d.validate); err != nil {
		return
	}

	o, err := d.orderSvc.UpdateStatus(c.Request.Context(), c.Param("id"), orders.StatusCancelled,
		orders.Actor{Role: req.ActorRole, ID: req.ActorID})
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": orderView(o)})
}

// retryAssignment is the restaurant dashboard's manual retry for
// assignment_failed orders: flip back to ready and give the engine one
// immediate attempt.
func (d *deps) retryAssignment(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := c.Param("id")

	var req validation.CancelRequest // same actor shape
	if err := validation.BindAndValidate(c, &req, d.validate); err != nil {
		return
	}

	o, err := d.orderSvc.UpdateStatus(ctx, orderID, orders.StatusReady,
		orders.Actor{Role: req.ActorRole, ID: req.ActorID})
	if err != nil {
		writeOrderError(c, err)
		return
	}

	body := gin.H{"order": orderView(o)}
	a, aerr := d.engine.Assign(ctx, orderID)
	if aerr == nil {
		body["assignment"] = gin.H{"rider_id": a.RiderID}
	} else {
		body["assignment"] = gin.H{"message": "searching for a rider"}
	}
	c.JSON(http.StatusOK, body)
}

// orderView is the wire shape for an order snapshot.
func orderView(o *orders.Order) gin.H {
	view := gin.H{
		"order_id":         o.OrderID,
		"customer_id":      o.CustomerID,
		"restaurant_id":    o.RestaurantID,
		"status":           o.Status,
		"payment_method":   o.PaymentMethod,
		"payment_status":   o.PaymentStatus,
		"subtotal":         o.Subtotal,
		"delivery_fee":     o.DeliveryFee,
		"service_fee":      o.ServiceFee,
		"total":            o.Total,
		"delivery_address": o.DeliveryAddress,
		"created_at":       o.CreatedAt,
		"updated_at":       o.UpdatedAt,
	}
	if o.RiderID != "" {
		view["rider_id"] = o.RiderID
	}
	return view
}
