package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/loppam/unichow-sub000/internal/aws"
	"github.com/loppam/unichow-sub000/internal/handlers"
	"github.com/loppam/unichow-sub000/internal/payments"
)

func setupRouter(cfg handlers.HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key", "X-Request-Id"},
		ExposeHeaders:    []string{"Content-Length", "Location"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	handlers.RegisterRoutes(r, cfg)

	return r
}

func main() {
	local := os.Getenv("RUN_LOCAL") == "true"
	if local {
		if err := godotenv.Load(); err != nil {
			log.Printf("no .env file loaded, using environment variables")
		}
	}

	clients, err := aws.NewAWSClients(context.Background())
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	cfg := handlers.HandlerConfig{
		DynamoDBClient:    clients.DynamoDB,
		SQSClient:         clients.SQS,
		OrdersTable:       os.Getenv("ORDERS_TABLE"),
		RidersTable:       os.Getenv("RIDERS_TABLE"),
		WalletsTable:      os.Getenv("WALLETS_TABLE"),
		TransactionsTable: os.Getenv("WALLET_TRANSACTIONS_TABLE"),
		IdempotencyTable:  os.Getenv("IDEMPOTENCY_TABLE"),
		QueueURL:          os.Getenv("NOTIFICATIONS_QUEUE_URL"),
		TTLWindow:         48 * time.Hour,
		Charges:           payments.NewClient(os.Getenv("CHARGE_API_URL"), os.Getenv("CHARGE_API_KEY")),
	}

	r := setupRouter(cfg)

	if local {
		addr := ":8080"
		log.Printf("running local server on %s", addr)
		if err := r.Run(addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (interface{}, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
