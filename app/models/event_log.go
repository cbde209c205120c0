package models

import "time"

const (
	EventTypeRefundProcessed          = "refund.processed"
	EventTypeRefundFailed             = "refund.failed"
	EventTypeWebhookProcessingFailed  = "webhook.processing_failed"
	EventTypeWebhookUnparsablePayload = "webhook.unparsable"
)

// EventLog is the append-only audit trail of inbound provider events and
// internal billing outcomes. (Provider, EventID) is unique so a redelivered
// webhook is stored once.
type EventLog struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Provider   string    `gorm:"type:varchar(20);not null;index:ux_billing_event_logs_provider_event,unique,priority:1" json:"provider"`
	EventID    string    `gorm:"type:varchar(191);not null;index:ux_billing_event_logs_provider_event,unique,priority:2" json:"event_id"`
	EventType  string    `gorm:"type:varchar(100);not null;index" json:"event_type"`
	Payload    string    `gorm:"type:longtext;not null" json:"payload"`
	ReceivedAt time.Time `gorm:"type:datetime;not null;index" json:"received_at"`
}

func (EventLog) TableName() string {
	return "billing_event_logs"
}
