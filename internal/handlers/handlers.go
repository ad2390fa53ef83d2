package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/loppam/unichow-sub000/internal/assignment"
	"github.com/loppam/unichow-sub000/internal/aws"
	"github.com/loppam/unichow-sub000/internal/idempotency"
	"github.com/loppam/unichow-sub000/internal/orders"
	"github.com/loppam/unichow-sub000/internal/payments"
	"github.com/loppam/unichow-sub000/internal/riders"
	"github.com/loppam/unichow-sub000/internal/validation"
	"github.com/loppam/unichow-sub000/internal/wallet"
)

// HandlerConfig groups dependencies for the API handlers.
type HandlerConfig struct {
	DynamoDBClient    aws.DynamoDBAPI
	SQSClient         aws.SQSAPI
	OrdersTable       string
	RidersTable       string
	WalletsTable      string
	TransactionsTable string
	IdempotencyTable  string
	QueueURL          string
	TTLWindow         time.Duration
	Charges           payments.ChargeProcessor
}

// deps bundles the wired stores and services shared by the route handlers.
type deps struct {
	cfg        HandlerConfig
	validate   *validatorv10.Validate
	idempStore *idempotency.Store
	orderStore *orders.Store
	riderStore *riders.Store
	walletSvc  *wallet.Store
	orderSvc   *orders.Service
	engine     *assignment.Engine
	notifier   *aws.Notifier
}

// RegisterRoutes wires stores and services and registers all API routes.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	notifier := aws.NewNotifier(cfg.SQSClient, cfg.QueueURL)
	orderStore := orders.NewStore(cfg.DynamoDBClient, cfg.OrdersTable)
	riderStore := riders.NewStore(cfg.DynamoDBClient, cfg.RidersTable)
	walletStore := wallet.NewStore(cfg.DynamoDBClient, cfg.WalletsTable, cfg.TransactionsTable)
	engine := assignment.NewEngine(cfg.DynamoDBClient, orderStore, riderStore, notifier)

	d := &deps{
		cfg:        cfg,
		validate:   validation.New(),
		idempStore: idempotency.NewStore(cfg.DynamoDBClient, cfg.IdempotencyTable, cfg.TTLWindow),
		orderStore: orderStore,
		riderStore: riderStore,
		walletSvc:  walletStore,
		orderSvc:   orders.NewService(orderStore, walletStore, engine, notifier),
		engine:     engine,
		notifier:   notifier,
	}

	r.POST("/orders", d.checkout)
	r.GET("/orders/:id", d.getOrder)
	r.POST("/orders/:id/status", d.updateStatus)
	r.POST("/orders/:id/deliver", d.deliver)
	r.POST("/orders/:id/cancel", d.cancel)
	r.POST("/orders/:id/retry-assignment", d.retryAssignment)

	r.GET("/riders/:id", d.getRider)
	r.POST("/riders/:id/status", d.setRiderStatus)

	r.GET("/wallets/:userId", d.getWallet)
	r.POST("/wallets/fund", d.fundWallet)
	r.POST("/webhooks/charge", d.chargeWebhook)
}

// writeOrderError maps order service errors onto HTTP statuses.
func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orders.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
	case errors.Is(err, orders.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "detail": err.Error()})
	case errors.Is(err, orders.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "detail": err.Error()})
	case errors.Is(err, orders.ErrInvalidConfirmationCode):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_confirmation_code"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "detail": err.Error()})
	}
}
