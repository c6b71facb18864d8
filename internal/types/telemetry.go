package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricDeliveryAttempt   = "DeliveryAttempt"
	MetricDeliveryLatency   = "DeliveryAttemptLatency"
	MetricQueueLag          = "GreetingQueueLag"
	MetricUsersDue          = "UsersDue"
	MetricGreetingsEnqueued = "GreetingsEnqueued"
	MetricDeadLetterDepth   = "DeadLetterDepth"
	MetricRedriven          = "GreetingsRedriven"
	MetricAPILatency        = "APILatency"
	MetricAPIRequestCount   = "APIRequestCount"

	// Dimension Keys
	DimResult   = "Result"
	DimStage    = "Stage"
	DimEndpoint = "Endpoint"
	DimMethod   = "Method"
	DimStatus   = "Status"

	// Metric Namespace
	MetricNamespace = "BirthdayGreeter"
)
