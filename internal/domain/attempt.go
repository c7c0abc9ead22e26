package domain

import "time"

// DeliveryAttempt records a single delivery attempt for a send task.
type DeliveryAttempt struct {
	ID            string
	TaskID        string
	AttemptNumber int
	StatusCode    *int
	ResponseBody  *string
	Error         *string
	CreatedAt     time.Time
}
