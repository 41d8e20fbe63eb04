package cloud

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/buildfleet/fleetd/internal/idlestop"
)

// CloudWatchAPI is the subset of the CloudWatch client the metrics gateway
// uses.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, in *cloudwatch.GetMetricStatisticsInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

var _ idlestop.Metrics = (*Metrics)(nil)

// Metrics fetches per-hour peak CPU utilization from CloudWatch.
type Metrics struct {
	client CloudWatchAPI
}

func NewMetrics(client CloudWatchAPI) *Metrics {
	return &Metrics{client: client}
}

func (m *Metrics) HourlyMaxCPU(ctx context.Context, instanceID string, start, end time.Time) ([]idlestop.Datapoint, error) {
	out, err := m.client.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/EC2"),
		MetricName: aws.String("CPUUtilization"),
		Dimensions: []types.Dimension{{
			Name:  aws.String("InstanceId"),
			Value: aws.String(instanceID),
		}},
		StartTime:  aws.Time(start),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(3600),
		Statistics: []types.Statistic{types.StatisticMaximum},
	})
	if err != nil {
		return nil, fmt.Errorf("fetching CPU metrics for %s: %w", instanceID, err)
	}

	points := make([]idlestop.Datapoint, 0, len(out.Datapoints))
	for _, dp := range out.Datapoints {
		if dp.Timestamp == nil || dp.Maximum == nil {
			continue
		}
		points = append(points, idlestop.Datapoint{
			Time:   *dp.Timestamp,
			MaxCPU: *dp.Maximum,
		})
	}
	// CloudWatch returns datapoints in no particular order.
	sort.Slice(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	return points, nil
}
