package types

import (
	"strings"
	"time"
)

// ConnectionStatus is the runtime state of one instance connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusQRReady      ConnectionStatus = "qr_ready"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusLoggedOut    ConnectionStatus = "logged_out"
	StatusError        ConnectionStatus = "error"
)

// Persisted instance status values. Bootstrap picks up active and connecting rows.
const (
	InstanceActive     = "active"
	InstanceConnecting = "connecting"
	InstanceInactive   = "inactive"
	InstanceError      = "error"
)

// Persisted maps a runtime status onto the coarse status stored with the instance.
func (s ConnectionStatus) Persisted() string {
	switch s {
	case StatusConnected:
		return InstanceActive
	case StatusConnecting, StatusQRReady, StatusReconnecting:
		return InstanceConnecting
	case StatusError:
		return InstanceError
	default:
		return InstanceInactive
	}
}

// Webhook event names.
const (
	EventConnectionUpdate   = "connection.update"
	EventMessageReceived    = "message.received"
	EventMessageSent        = "message.sent"
	EventParticipantsUpdate = "group.participants.update"
)

// Message directions.
const (
	DirectionIncoming = "incoming"
	DirectionOutgoing = "outgoing"
)

// MessageType defines the type of a message
type MessageType string

const (
	TextMessage     MessageType = "text"
	ImageMessage    MessageType = "image"
	VideoMessage    MessageType = "video"
	AudioMessage    MessageType = "audio"
	DocumentMessage MessageType = "document"
	StickerMessage  MessageType = "sticker"
	OtherMessage    MessageType = "other"
)

// Instance is one managed WhatsApp connection, identified by its phone number.
type Instance struct {
	ID               int64            `json:"id,string" gorm:"primaryKey"`
	Phone            string           `json:"phone" gorm:"uniqueIndex;size:32"`
	Name             string           `json:"name"`
	Alias            string           `json:"alias"`
	DeviceJID        string           `json:"device_jid"`
	Status           string           `json:"status" gorm:"index;size:32"`
	ConnectionStatus ConnectionStatus `json:"connection_status" gorm:"size:32"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func (Instance) TableName() string {
	return "wa_instance"
}

// Message is a persisted inbound or outbound message.
type Message struct {
	ID         int64       `json:"id,string" gorm:"primaryKey"`
	InstanceID int64       `json:"instance_id,string" gorm:"index"`
	MessageID  string      `json:"message_id" gorm:"index;size:128"`
	ChatJID    string      `json:"chat_jid" gorm:"index;size:128"`
	Sender     string      `json:"sender"`
	Direction  string      `json:"direction" gorm:"size:16"`
	Type       MessageType `json:"type" gorm:"size:16"`
	Content    string      `json:"content"`
	IsGroup    bool        `json:"is_group"`
	Timestamp  time.Time   `json:"timestamp"`
	CreatedAt  time.Time   `json:"created_at"`
}

func (Message) TableName() string {
	return "wa_message"
}

// Webhook is an external endpoint subscribed to events of one instance.
// Events is a comma separated list; "*" subscribes to everything.
type Webhook struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	InstanceID int64     `json:"instance_id,string" gorm:"index"`
	URL        string    `json:"url"`
	Events     string    `json:"events"`
	Headers    string    `json:"headers"`
	Secret     string    `json:"-"`
	Enabled    bool      `json:"enabled" gorm:"index"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (Webhook) TableName() string {
	return "wa_webhook"
}

// Subscribes reports whether the webhook listens for event.
func (w *Webhook) Subscribes(event string) bool {
	for _, e := range strings.Split(w.Events, ",") {
		e = strings.TrimSpace(e)
		if e == "*" || e == event {
			return true
		}
	}
	return false
}

// Delivery outcomes.
const (
	DeliveryPending = "pending"
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
	DeliveryTimeout = "timeout"
)

// WebhookHistory records one delivery attempt. Rows are never updated.
type WebhookHistory struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	InstanceID   int64     `json:"instance_id,string" gorm:"index"`
	WebhookID    int64     `json:"webhook_id,string" gorm:"index"`
	DeliveryID   string    `json:"delivery_id" gorm:"size:64"`
	Event        string    `json:"event" gorm:"size:64"`
	Payload      string    `json:"payload"`
	Status       string    `json:"status" gorm:"size:16"`
	StatusCode   int       `json:"status_code"`
	ResponseTime int64     `json:"response_time_ms"`
	Response     string    `json:"response"`
	Error        string    `json:"error"`
	CreatedAt    time.Time `json:"created_at" gorm:"index"`
}

func (WebhookHistory) TableName() string {
	return "wa_webhook_history"
}

// InstanceLog is an audit line for lifecycle transitions.
type InstanceLog struct {
	ID         int64     `json:"id,string" gorm:"primaryKey"`
	InstanceID int64     `json:"instance_id,string" gorm:"index"`
	Type       string    `json:"type" gorm:"size:32"`
	Status     string    `json:"status" gorm:"size:32"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

func (InstanceLog) TableName() string {
	return "wa_instance_log"
}

var Tables = []interface{}{
	&Instance{},
	&Message{},
	&Webhook{},
	&WebhookHistory{},
	&InstanceLog{},
}
