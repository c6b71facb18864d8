// Package scheduler implements the scheduled stages of the greeting pipeline:
// the birthday poller, the dead-letter retry loop and the maintenance jobs
// that run under a distributed lock.
//
// Every stage takes the reference time as a parameter so that tests and the
// job-runner can execute it deterministically.
package scheduler

import "time"

// TaskType identifies which maintenance job a scheduled event runs.
type TaskType string

const (
	TaskPurgeExpiredDeliveries TaskType = "purge_expired_deliveries"
	TaskRedriveDeadLetters     TaskType = "redrive_dead_letters"
)

// Valid reports whether t names a known job.
func (t TaskType) Valid() bool {
	switch t {
	case TaskPurgeExpiredDeliveries, TaskRedriveDeadLetters:
		return true
	}
	return false
}

// MaintenancePayload is the JSON payload sent by EventBridge to the archiver
// function.
//
//	{
//	  "task": "purge_expired_deliveries",
//	  "reference_time": "2026-03-14T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual invocation and backfills.
	// If nil, the current UTC time is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// PollResult summarizes one poller invocation.
type PollResult struct {
	Due          int `json:"due"`
	Claimed      int `json:"claimed"`
	Reopened     int `json:"reopened"`
	Requeued     int `json:"requeued"`
	Skipped      int `json:"skipped"`
	Enqueued     int `json:"enqueued"`
	DeadLettered int `json:"dead_lettered"`
	Failed       int `json:"failed"`
}

// RetryResult summarizes one retry loop invocation.
type RetryResult struct {
	Available   int `json:"available"`
	Received    int `json:"received"`
	Delivered   int `json:"delivered"`
	Resubmitted int `json:"resubmitted"`
	Deleted     int `json:"deleted"`
	Left        int `json:"left"`
	Dropped     int `json:"dropped"`
}
