package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loppam/unichow-sub000/internal/payments"
	"github.com/loppam/unichow-sub000/internal/validation"
	"github.com/loppam/unichow-sub000/internal/wallet"
)

func (d *deps) getWallet(c *gin.Context) {
	w, err := d.walletSvc.GetWallet(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
		return
	}
	if w == nil {
		// A user with no wallet activity simply has a zero balance.
		c.JSON(http.StatusOK, gin.H{"user_id": c.Param("userId"), "balance": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":      w.UserID,
		"balance":      w.Balance,
		"last_updated": w.LastUpdated,
	})
}

// fundWallet records a pending funding ledger entry for a charge already
// initiated with the processor. The balance moves only when the processor's
// webhook confirms.
func (d *deps) fundWallet(c *gin.Context) {
	var req validation.FundingRequest
	if err := validation.BindAndValidate(c, &req, d.validate); err != nil {
		return
	}

	txn, err := d.walletSvc.RecordPendingFunding(c.Request.Context(), req.UserID, req.Amount, req.Reference)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "funding_record_failed", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"transaction_id": txn.TransactionID,
		"reference":      txn.Reference,
		"status":         txn.Status,
	})
}

// chargeWebhook is the processor's asynchronous callback. Replays of the
// same reference are acknowledged without moving the balance twice.
func (d *deps) chargeWebhook(c *gin.Context) {
	ctx := c.Request.Context()

	var ev payments.WebhookEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_webhook_body", "msg": err.Error()})
		return
	}
	if ev.Reference == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_reference"})
		return
	}

	if ev.Metadata.Type != payments.TypeWalletFunding {
		// Not ours to settle; acknowledge so the processor stops retrying.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	var err error
	switch ev.Event {
	case payments.EventChargeSuccess:
		err = d.walletSvc.CompleteFunding(ctx, ev.Reference)
	case payments.EventChargeFailed:
		err = d.walletSvc.FailFunding(ctx, ev.Reference)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event", "event": ev.Event})
		return
	}
	if err != nil {
		if errors.Is(err, wallet.ErrFundingNotPending) {
			c.JSON(http.StatusNotFound, gin.H{"error": "funding_not_pending", "reference": ev.Reference})
			return
		}
		log.Printf("[webhook] settle reference=%s: %v", ev.Reference, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "processed", "reference": ev.Reference})
}
