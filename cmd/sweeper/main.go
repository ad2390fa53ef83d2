package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/joho/godotenv"
	"github.com/loppam/unichow-sub000/internal/assignment"
	"github.com/loppam/unichow-sub000/internal/aws"
	"github.com/loppam/unichow-sub000/internal/orders"
	"github.com/loppam/unichow-sub000/internal/riders"
)

func buildSweeper(ctx context.Context) (*assignment.Sweeper, error) {
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, err
	}

	notifier := aws.NewNotifier(clients.SQS, os.Getenv("NOTIFICATIONS_QUEUE_URL"))
	orderStore := orders.NewStore(clients.DynamoDB, os.Getenv("ORDERS_TABLE"))
	riderStore := riders.NewStore(clients.DynamoDB, os.Getenv("RIDERS_TABLE"))
	engine := assignment.NewEngine(clients.DynamoDB, orderStore, riderStore, notifier)
	metrics := aws.NewSweepMetrics(clients.CloudWatch, metricsNamespace())

	s := assignment.NewSweeper(engine, orderStore, riderStore, metrics)
	if d := durationEnv("ASSIGNMENT_TIMEOUT"); d > 0 {
		s.AssignmentTimeout = d
	}
	if d := durationEnv("RIDER_IDLE_TIMEOUT"); d > 0 {
		s.RiderIdleTimeout = d
	}
	if d := durationEnv("ASSIGN_SWEEP_INTERVAL"); d > 0 {
		s.AssignInterval = d
	}
	if d := durationEnv("REAP_SWEEP_INTERVAL"); d > 0 {
		s.ReapInterval = d
	}
	return s, nil
}

func metricsNamespace() string {
	if ns := os.Getenv("METRICS_NAMESPACE"); ns != "" {
		return ns
	}
	return "Unichow/Sweeps"
}

func durationEnv(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("ignoring %s=%q: %v", key, v, err)
		return 0
	}
	return d
}

func main() {
	if os.Getenv("RUN_LOCAL") == "true" {
		if err := godotenv.Load(); err != nil {
			log.Printf("no .env file loaded, using environment variables")
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := buildSweeper(ctx)
		if err != nil {
			log.Fatalf("failed to build sweeper: %v", err)
		}
		s.Run(ctx)
		return
	}

	// Scheduled invocation: one sweep tick per event.
	s, err := buildSweeper(context.Background())
	if err != nil {
		log.Fatalf("failed to build sweeper: %v", err)
	}
	lambda.Start(func(ctx context.Context, ev events.CloudWatchEvent) error {
		log.Printf("sweep tick (rule=%s)", ev.DetailType)
		s.Tick(ctx)
		s.ReapIdleRiders(ctx)
		return nil
	})
}
