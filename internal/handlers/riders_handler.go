package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loppam/unichow-sub000/internal/riders"
	"github.com/loppam/unichow-sub000/internal/validation"
)

func (d *deps) getRider(c *gin.Context) {
	r, err := d.riderStore.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rider_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rider_id":        r.RiderID,
		"status":          r.Status,
		"is_verified":     r.IsVerified,
		"assigned_orders": r.AssignedOrders,
		"rating":          r.Rating,
		"last_activity":   r.LastActivity,
	})
}

// setRiderStatus is the rider's manual status change (go online, take a
// break, go offline). Suspension is an admin concern and not settable here.
func (d *deps) setRiderStatus(c *gin.Context) {
	ctx := c.Request.Context()
	riderID := c.Param("id")

	var req validation.RiderStatusRequest
	if err := validation.BindAndValidate(c, &req, d.validate); err != nil {
		return
	}

	r, err := d.riderStore.Get(ctx, riderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rider_not_found"})
		return
	}
	if r.Status == riders.StatusSuspended {
		c.JSON(http.StatusForbidden, gin.H{"error": "rider_suspended"})
		return
	}

	next := riders.RiderStatus(req.Status)
	if r.Status == next {
		c.JSON(http.StatusOK, gin.H{"rider_id": riderID, "status": next})
		return
	}
	if err := d.riderStore.SetStatus(ctx, riderID, r.Status, next); err != nil {
		if errors.Is(err, riders.ErrStatusMismatch) {
			c.JSON(http.StatusConflict, gin.H{"error": "status_conflict"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rider_id": riderID, "status": next})
}
