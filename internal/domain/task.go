package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a send task.
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusSending   TaskStatus = "sending"
	TaskStatusSent      TaskStatus = "sent"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) String() string { return string(s) }

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusScheduled, TaskStatusSending, TaskStatusSent, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition can leave the status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSent, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// ScheduledView and SentView are the status sets behind the two dashboard lists.
var (
	ScheduledView = []TaskStatus{TaskStatusScheduled, TaskStatusSending}
	SentView      = []TaskStatus{TaskStatusSent, TaskStatusFailed}
)

// SendTask is the per-recipient unit of dispatch work within a campaign.
type SendTask struct {
	ID                string
	CampaignID        string
	Position          int
	Recipient         string
	Status            TaskStatus
	DueAt             time.Time
	SentAt            *time.Time
	ClaimedAt         *time.Time
	ClaimToken        string
	// Set once a worker has passed throttling and is about to call the
	// provider. A claim without it never reached delivery.
	AttemptStartedAt  *time.Time
	Attempts          int
	LastError         *string
	ProviderMessageID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FinishedAt is when the task reached sent or failed. Failed tasks carry no
// sentAt, so their last update stands in.
func (t SendTask) FinishedAt() *time.Time {
	if t.SentAt != nil {
		return t.SentAt
	}
	if t.Status == TaskStatusFailed && !t.UpdatedAt.IsZero() {
		updatedAt := t.UpdatedAt
		return &updatedAt
	}
	return nil
}

// Email is a send task joined with the fields of its parent campaign.
type Email struct {
	Task     SendTask
	Campaign Campaign
}

// Message is what a mail provider needs to deliver one task.
type Message struct {
	TaskID     string
	CampaignID string
	From       string
	To         string
	Subject    string
	Body       string
	Attempt    int
}
