package models

import "time"

// MessageDirection tells whether a logged SMS was received or sent.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusReceived marks an inbound message accepted from the carrier.
	MessageStatusReceived MessageStatus = "received"
	// MessageStatusSent indicates the carrier accepted the message.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// MessageLog is one immutable row per SMS sent or received.
type MessageLog struct {
	ID           string           `json:"id"`
	Direction    MessageDirection `json:"direction"`
	Phone        string           `json:"phone"`
	Body         string           `json:"body"`
	UserID       string           `json:"user_id,omitempty"`
	UserName     string           `json:"user_name,omitempty"`
	ProviderID   string           `json:"provider_id,omitempty"`
	Status       MessageStatus    `json:"status"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// InboundMessage is the parsed form of a carrier webhook.
type InboundMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	MessageID string `json:"message_id"`
}
