package model

import "time"

type OutboxType string

const (
	OutboxTypeProvisionOrganization OutboxType = "provision_organization"
)

type OutboxMessage struct {
	ID              string     `gorm:"primaryKey;type:varchar(26)"`
	Type            OutboxType `gorm:"type:varchar(64);not null"`
	Payload         string     `gorm:"type:jsonb;not null"`
	RelatedEntityID string     `gorm:"index"`
	CreatedAt       time.Time  `gorm:"index;not null"`
	ProcessedAt     *time.Time
	RetryCount      int `gorm:"not null;default:0"`
	MaxRetries      int `gorm:"not null"`
	LastError       string
	NextRetryAt     *time.Time
	Failed          bool   `gorm:"not null;default:false"`
	CorrelationID   string `gorm:"type:varchar(26)"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// Ready reports whether the message is eligible for processing at now.
func (m *OutboxMessage) Ready(now time.Time) bool {
	if m.ProcessedAt != nil || m.Failed {
		return false
	}
	return m.NextRetryAt == nil || !m.NextRetryAt.After(now)
}

// ProvisionOrganizationPayload is the body of a provision_organization message.
type ProvisionOrganizationPayload struct {
	UserID           string `json:"user_id"`
	OrganizationName string `json:"organization_name"`
	Email            string `json:"email"`
	Phone            string `json:"phone,omitempty"`
}
