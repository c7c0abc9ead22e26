package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	DefaultDelaySeconds = 5
	DefaultHourlyLimit  = 200
	MaxSubjectLength    = 998
	MaxBodyLength       = 100000

	// One day keeps Delay() and the planned due times far from overflow.
	MaxDelaySeconds = 24 * 60 * 60
)

// Campaign is one compose-and-schedule submission. It is immutable once created.
type Campaign struct {
	ID           string
	OwnerID      string
	Sender       string
	Subject      string
	Body         string
	StartTime    time.Time
	DelaySeconds int
	HourlyLimit  int
	TotalCount   int
	CreatedAt    time.Time
}

// Delay returns the minimum spacing between two consecutive dispatches.
func (c *Campaign) Delay() time.Duration {
	return time.Duration(c.DelaySeconds) * time.Second
}

func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.Subject) == "" {
		return fmt.Errorf("%w: subject is required", ErrValidation)
	}
	if strings.TrimSpace(c.Body) == "" {
		return fmt.Errorf("%w: body is required", ErrValidation)
	}
	if n := len([]rune(c.Subject)); n > MaxSubjectLength {
		return fmt.Errorf("%w: subject exceeds %d characters (got %d)", ErrValidation, MaxSubjectLength, n)
	}
	if n := len([]rune(c.Body)); n > MaxBodyLength {
		return fmt.Errorf("%w: body exceeds %d characters (got %d)", ErrValidation, MaxBodyLength, n)
	}
	if c.StartTime.IsZero() {
		return fmt.Errorf("%w: startTime is required", ErrValidation)
	}
	if c.DelaySeconds < 0 || c.DelaySeconds > MaxDelaySeconds {
		return fmt.Errorf("%w: delayBetweenEmails must be between 0 and %d", ErrValidation, MaxDelaySeconds)
	}
	if c.HourlyLimit < 1 {
		return fmt.Errorf("%w: hourlyLimit must be >= 1", ErrValidation)
	}
	return nil
}

// CampaignSummary is a campaign together with its per-status task counts.
type CampaignSummary struct {
	Campaign Campaign
	Counts   map[TaskStatus]int
}
