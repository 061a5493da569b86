package whatsapp

import (
	"time"

	"whatsapp-hub/plugins"
	"whatsapp-hub/types"
)

// ConnState is the socket level connection signal.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOpen       ConnState = "open"
	ConnClose      ConnState = "close"
)

// SocketEvent is anything a socket reports to its controller.
type SocketEvent interface {
	socketEvent()
}

// ConnectionUpdate carries a connection change or a fresh pairing code.
type ConnectionUpdate struct {
	Connection ConnState
	QR         string
	LoggedOut  bool
	Err        error
}

// CredsUpdate reports that the device was paired under JID.
type CredsUpdate struct {
	JID string
}

// MessagesUpsert delivers received messages in arrival order.
type MessagesUpsert struct {
	Messages []plugins.InboundMessage
}

// GroupParticipantsUpdate is a membership change in a group.
type GroupParticipantsUpdate struct {
	plugins.ParticipantsUpdate
}

func (*ConnectionUpdate) socketEvent()        {}
func (*CredsUpdate) socketEvent()             {}
func (*MessagesUpsert) socketEvent()          {}
func (*GroupParticipantsUpdate) socketEvent() {}

// SendResult identifies a message accepted by the server.
type SendResult struct {
	ID        string
	Timestamp time.Time
}

// Media is an outbound attachment.
type Media struct {
	Kind     types.MessageType `json:"type"`
	Data     []byte            `json:"-"`
	MimeType string            `json:"mimetype"`
	Caption  string            `json:"caption,omitempty"`
	FileName string            `json:"fileName,omitempty"`
	PTT      bool              `json:"ptt,omitempty"`
}

func (m Media) supported() bool {
	switch m.Kind {
	case types.ImageMessage, types.VideoMessage, types.AudioMessage, types.DocumentMessage:
		return true
	}
	return false
}

// State is a point in time view of an instance.
type State struct {
	types.Instance
	IsConnected       bool   `json:"is_connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	QRCode            string `json:"qr_code,omitempty"`
	Live              bool   `json:"live"`
}
