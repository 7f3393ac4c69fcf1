package email

import "time"

// MailboxStatus is the provisioning state of a disposable address.
type MailboxStatus string

const (
	StatusActive   MailboxStatus = "active"
	StatusInactive MailboxStatus = "inactive"
)

// Mailbox is a disposable address. The pipeline only reads it; its counters
// are changed through the store.
type Mailbox struct {
	ID             int64         `db:"id"`
	Email          string        `db:"email"`
	TargetEmail    string        `db:"target_email"`
	Status         MailboxStatus `db:"status"`
	MessageCount   int           `db:"message_count"`
	LastReceivedAt *time.Time    `db:"last_received_at"`
	CreatedAt      time.Time     `db:"created_at"`
}

// StoredMessage is the persisted record of one matched inbound message.
type StoredMessage struct {
	ID               int64     `db:"id"`
	MailboxID        int64     `db:"mailbox_id"`
	MessageID        string    `db:"message_id"`
	Sender           string    `db:"sender"`
	Subject          string    `db:"subject"`
	BodyText         string    `db:"body_text"`
	BodyHTML         string    `db:"body_html"`
	VerificationCode *string   `db:"verification_code"`
	ReceivedAt       time.Time `db:"received_at"`
	IsRead           bool      `db:"is_read"`
}

// NotificationNewEmail is the event type published for every stored message.
const NotificationNewEmail = "new_email"

// Notification is the event pushed to real-time subscribers.
type Notification struct {
	Type           string    `json:"type"`
	MailboxAddress string    `json:"mailbox_address"`
	Sender         string    `json:"sender"`
	Subject        string    `json:"subject"`
	Code           string    `json:"code,omitempty"`
	CodeType       string    `json:"code_type,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}
