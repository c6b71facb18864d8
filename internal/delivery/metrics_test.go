package delivery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"birthdaygreeter/internal/logging"
	"birthdaygreeter/internal/types"
)

// mockCloudWatchClient records PutMetricData calls for verification.
type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchMetrics_RecordDelivery(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, types.MetricNamespace, logging.Discard())

	metrics.RecordDelivery(context.Background(), MetricExhausted)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	input := cw.calls[0]
	if *input.Namespace != types.MetricNamespace {
		t.Errorf("expected namespace %q, got %q", types.MetricNamespace, *input.Namespace)
	}
	datum := input.MetricData[0]
	if *datum.MetricName != types.MetricDeliveryAttempt {
		t.Errorf("expected metric name %q, got %q", types.MetricDeliveryAttempt, *datum.MetricName)
	}
	if datum.Unit != cwtypes.StandardUnitCount {
		t.Errorf("expected unit Count, got %s", datum.Unit)
	}
	assertDimension(t, datum.Dimensions, types.DimResult, string(MetricExhausted))
}

func TestCloudWatchMetrics_RecordQueueLag(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "Test", logging.Discard())

	metrics.RecordQueueLag(context.Background(), 3*time.Second)

	datum := cw.calls[0].MetricData[0]
	if *datum.MetricName != types.MetricQueueLag {
		t.Errorf("expected %s, got %s", types.MetricQueueLag, *datum.MetricName)
	}
	if *datum.Value != 3000.0 {
		t.Errorf("expected lag value 3000.0ms, got %f", *datum.Value)
	}
}

func TestCloudWatchMetrics_RecordCount(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, "Test", logging.Discard())

	metrics.RecordCount(context.Background(), types.MetricUsersDue, "poller", 7)

	datum := cw.calls[0].MetricData[0]
	if *datum.Value != 7 {
		t.Errorf("expected 7, got %f", *datum.Value)
	}
	assertDimension(t, datum.Dimensions, types.DimStage, "poller")
}

func TestCloudWatchMetrics_ErrorIsSwallowed(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: fmt.Errorf("cloudwatch unavailable")}
	metrics := NewCloudWatchMetrics(cw, "Test", logging.Discard())

	metrics.RecordLatency(context.Background(), 250*time.Millisecond)

	if len(cw.calls) != 1 {
		t.Errorf("expected 1 call attempt, got %d", len(cw.calls))
	}
}

// assertDimension verifies a specific dimension exists with the expected value.
func assertDimension(t *testing.T, dims []cwtypes.Dimension, name, expectedValue string) {
	t.Helper()
	for _, d := range dims {
		if *d.Name == name {
			if *d.Value != expectedValue {
				t.Errorf("dimension %q: expected value %q, got %q", name, expectedValue, *d.Value)
			}
			return
		}
	}
	t.Errorf("dimension %q not found in %v", name, dims)
}

func TestCloudWatchMetrics_RecordRequest(t *testing.T) {
	cw := &mockCloudWatchClient{}
	metrics := NewCloudWatchMetrics(cw, types.MetricNamespace, logging.Discard())

	metrics.RecordRequest("GET", "/v1/users/{id}", "200", 12*time.Millisecond)

	if len(cw.calls) != 1 {
		t.Fatalf("expected 1 PutMetricData call, got %d", len(cw.calls))
	}
	data := cw.calls[0].MetricData
	if len(data) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(data))
	}
	if *data[0].MetricName != types.MetricAPILatency || *data[0].Value != 12 {
		t.Errorf("latency datum = %s %v", *data[0].MetricName, *data[0].Value)
	}
	if *data[1].MetricName != types.MetricAPIRequestCount {
		t.Errorf("count datum = %s", *data[1].MetricName)
	}
	for _, d := range data[0].Dimensions {
		if *d.Name == types.DimEndpoint && *d.Value != "/v1/users/{id}" {
			t.Errorf("endpoint dimension = %s", *d.Value)
		}
	}
}
