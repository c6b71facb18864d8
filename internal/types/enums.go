package types

// DeliveryStatus enumerates the states of a DeliveryRecord.
// These values MUST match the CHECK constraint on delivery_records.status.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "PENDING"
	DeliveryStatusSent      DeliveryStatus = "SENT"
	DeliveryStatusFailed    DeliveryStatus = "FAILED"
	DeliveryStatusCancelled DeliveryStatus = "CANCELLED"
)

// Valid reports whether s is one of the known statuses.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusSent, DeliveryStatusFailed, DeliveryStatusCancelled:
		return true
	}
	return false
}

// Open reports whether a record in this status may still be dispatched.
func (s DeliveryStatus) Open() bool {
	return s == DeliveryStatusPending || s == DeliveryStatusFailed
}

// RetryMode selects how the retry loop handles a dead-lettered greeting.
type RetryMode string

const (
	// RetryModeRedeliver calls the dispatcher directly from the retry loop.
	RetryModeRedeliver RetryMode = "redeliver"
	// RetryModeResubmit sends the message back to the main queue.
	RetryModeResubmit RetryMode = "resubmit"
)

// TrackerBackend selects the delivery tracker implementation.
type TrackerBackend string

const (
	TrackerBackendPostgres TrackerBackend = "postgres"
	TrackerBackendDynamoDB TrackerBackend = "dynamodb"
	TrackerBackendMemory   TrackerBackend = "memory"
)
