package repository

import (
	"time"

	"github.com/kursadbilgin/campaign-dispatch/internal/domain"
)

// CampaignModel is the persistence model for the campaigns table.
type CampaignModel struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	OwnerID      string    `gorm:"type:varchar(255);not null;default:''"`
	Sender       string    `gorm:"type:varchar(255);not null"`
	Subject      string    `gorm:"type:text;not null"`
	Body         string    `gorm:"type:text;not null"`
	StartTime    time.Time `gorm:"type:timestamptz;not null"`
	DelaySeconds int       `gorm:"not null;default:0"`
	HourlyLimit  int       `gorm:"not null"`
	TotalCount   int       `gorm:"not null"`
	CreatedAt    time.Time
}

func (CampaignModel) TableName() string {
	return "campaigns"
}

// SendTaskModel is the persistence model for send_tasks.
type SendTaskModel struct {
	ID                string            `gorm:"type:uuid;primaryKey"`
	CampaignID        string            `gorm:"type:uuid;not null"`
	Position          int               `gorm:"not null"`
	Recipient         string            `gorm:"type:varchar(320);not null"`
	Status            domain.TaskStatus `gorm:"type:varchar(20);not null"`
	DueAt             time.Time         `gorm:"type:timestamptz;not null"`
	SentAt            *time.Time        `gorm:"type:timestamptz"`
	ClaimedAt         *time.Time        `gorm:"type:timestamptz"`
	ClaimToken        *string           `gorm:"type:uuid"`
	AttemptStartedAt  *time.Time        `gorm:"type:timestamptz"`
	Attempts          int               `gorm:"not null;default:0"`
	LastError         *string           `gorm:"type:text"`
	ProviderMessageID *string           `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (SendTaskModel) TableName() string {
	return "send_tasks"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	TaskID        string  `gorm:"type:uuid;not null;uniqueIndex:uq_delivery_attempts_task_attempt,priority:1"`
	AttemptNumber int     `gorm:"not null;uniqueIndex:uq_delivery_attempts_task_attempt,priority:2"`
	StatusCode    *int    `gorm:"type:int"`
	ResponseBody  *string `gorm:"type:text"`
	Error         *string `gorm:"type:text"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

func campaignModelFromDomain(c *domain.Campaign) *CampaignModel {
	if c == nil {
		return nil
	}

	return &CampaignModel{
		ID:           c.ID,
		OwnerID:      c.OwnerID,
		Sender:       c.Sender,
		Subject:      c.Subject,
		Body:         c.Body,
		StartTime:    c.StartTime,
		DelaySeconds: c.DelaySeconds,
		HourlyLimit:  c.HourlyLimit,
		TotalCount:   c.TotalCount,
		CreatedAt:    c.CreatedAt,
	}
}

func campaignModelToDomain(m *CampaignModel) *domain.Campaign {
	if m == nil {
		return nil
	}

	return &domain.Campaign{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Sender:       m.Sender,
		Subject:      m.Subject,
		Body:         m.Body,
		StartTime:    m.StartTime.UTC(),
		DelaySeconds: m.DelaySeconds,
		HourlyLimit:  m.HourlyLimit,
		TotalCount:   m.TotalCount,
		CreatedAt:    m.CreatedAt.UTC(),
	}
}

func taskModelFromDomain(t *domain.SendTask) *SendTaskModel {
	if t == nil {
		return nil
	}

	return &SendTaskModel{
		ID:                t.ID,
		CampaignID:        t.CampaignID,
		Position:          t.Position,
		Recipient:         t.Recipient,
		Status:            t.Status,
		DueAt:             t.DueAt,
		SentAt:            t.SentAt,
		ClaimedAt:         t.ClaimedAt,
		ClaimToken:        optionalString(t.ClaimToken),
		AttemptStartedAt:  t.AttemptStartedAt,
		Attempts:          t.Attempts,
		LastError:         t.LastError,
		ProviderMessageID: t.ProviderMessageID,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func taskModelToDomain(m *SendTaskModel) *domain.SendTask {
	if m == nil {
		return nil
	}

	return &domain.SendTask{
		ID:                m.ID,
		CampaignID:        m.CampaignID,
		Position:          m.Position,
		Recipient:         m.Recipient,
		Status:            m.Status,
		DueAt:             m.DueAt.UTC(),
		SentAt:            utcPtr(m.SentAt),
		ClaimedAt:         utcPtr(m.ClaimedAt),
		ClaimToken:        derefString(m.ClaimToken),
		AttemptStartedAt:  utcPtr(m.AttemptStartedAt),
		Attempts:          m.Attempts,
		LastError:         m.LastError,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt.UTC(),
		UpdatedAt:         m.UpdatedAt.UTC(),
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		TaskID:        a.TaskID,
		AttemptNumber: a.AttemptNumber,
		StatusCode:    a.StatusCode,
		ResponseBody:  a.ResponseBody,
		Error:         a.Error,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		TaskID:        m.TaskID,
		AttemptNumber: m.AttemptNumber,
		StatusCode:    m.StatusCode,
		ResponseBody:  m.ResponseBody,
		Error:         m.Error,
		CreatedAt:     m.CreatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
