package aws

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// SweepMetrics publishes sweep tick counters to CloudWatch. Emission is
// best-effort; a metrics failure never affects the sweep itself.
type SweepMetrics struct {
	CloudWatch CloudWatchAPI
	Namespace  string
}

// NewSweepMetrics returns a metrics emitter for the given namespace.
func NewSweepMetrics(client CloudWatchAPI, namespace string) *SweepMetrics {
	return &SweepMetrics{CloudWatch: client, Namespace: namespace}
}

// EmitCounts publishes one datapoint per named counter.
func (m *SweepMetrics) EmitCounts(ctx context.Context, counts map[string]int) {
	if m == nil || m.CloudWatch == nil || len(counts) == 0 {
		return
	}

	now := time.Now().UTC()
	data := make([]cwtypes.MetricDatum, 0, len(counts))
	for name, v := range counts {
		name := name
		value := float64(v)
		data = append(data, cwtypes.MetricDatum{
			MetricName: &name,
			Timestamp:  &now,
			Unit:       cwtypes.StandardUnitCount,
			Value:      &value,
		})
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  &m.Namespace,
		MetricData: data,
	}
	if _, err := m.CloudWatch.PutMetricData(ctx, input); err != nil {
		log.Printf("[metrics] put metric data failed: %v", err)
	}
}
