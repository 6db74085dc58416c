package notification

import (
	"time"

	"github.com/careloop/careloop/internal/shared/types"
)

// Channel represents a delivery channel
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelVoice Channel = "VOICE"
	ChannelEmail Channel = "EMAIL"
)

// Valid reports whether the channel is a known value
func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelVoice, ChannelEmail:
		return true
	}
	return false
}

// Status represents delivery status
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Message is an outbound notification
type Message struct {
	ID        types.ID `json:"id"`
	Recipient string   `json:"recipient"`
	Channel   Channel  `json:"channel"`
	Subject   string   `json:"subject,omitempty"`
	Body      string   `json:"body"`

	// Critical messages are never dropped when the buffer is full and
	// their failures are pushed to the operator queue.
	Critical bool `json:"critical"`

	// Correlation back to the row that caused the send
	AttemptID *types.ID `json:"attempt_id,omitempty"`
	TaskID    *types.ID `json:"task_id,omitempty"`

	RetryCount int `json:"retry_count"`
}

// Log is the persisted record of a dispatch and its delivery outcome
type Log struct {
	ID                types.ID  `json:"id"`
	Recipient         string    `json:"recipient"`
	Channel           Channel   `json:"channel"`
	Subject           string    `json:"subject,omitempty"`
	Body              string    `json:"body"`
	Status            Status    `json:"status"`
	RetryCount        int       `json:"retry_count"`
	ProviderMessageID *string   `json:"provider_message_id,omitempty"`
	FailureReason     *string   `json:"failure_reason,omitempty"`
	AttemptID         *types.ID `json:"attempt_id,omitempty"`
	TaskID            *types.ID `json:"task_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// DeliveryReceipt is a provider delivery callback payload
type DeliveryReceipt struct {
	ProviderMessageID string    `json:"provider_message_id"`
	Status            Status    `json:"status"`
	Timestamp         time.Time `json:"timestamp"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ErrorMessage      string    `json:"error_message,omitempty"`
}
