package queue

import (
	"fmt"
	"strings"
)

// TaskMessage is the broker payload for one claimed send task.
type TaskMessage struct {
	TaskID        string `json:"taskId"`
	CampaignID    string `json:"campaignId"`
	ClaimToken    string `json:"claimToken"`
	CorrelationID string `json:"correlationId,omitempty"`
}

func (m TaskMessage) Validate() error {
	if strings.TrimSpace(m.TaskID) == "" {
		return fmt.Errorf("taskId is required")
	}
	if strings.TrimSpace(m.CampaignID) == "" {
		return fmt.Errorf("campaignId is required")
	}
	if strings.TrimSpace(m.ClaimToken) == "" {
		return fmt.Errorf("claimToken is required")
	}
	return nil
}
