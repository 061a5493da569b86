package whatsapp

import (
	"context"

	"whatsapp-hub/plugins"
	"whatsapp-hub/types"
)

// Socket is one protocol connection. Implementations report what happens
// on the wire through the emit function handed to SocketFactory.Open.
type Socket interface {
	Connect(ctx context.Context) error
	// Close drops the connection and keeps the stored credentials.
	Close()
	// Logout unpairs the device; stored credentials are gone afterwards.
	Logout(ctx context.Context) error
	SelfJID() string
	SendText(ctx context.Context, to, text string, mentions []string) (SendResult, error)
	SendMedia(ctx context.Context, to string, media Media) (SendResult, error)
	GroupMetadata(ctx context.Context, group string) (*plugins.GroupInfo, error)
}

// SocketFactory opens sockets and owns the authentication material behind
// them.
type SocketFactory interface {
	Open(ctx context.Context, inst *types.Instance, emit func(SocketEvent)) (Socket, error)
	RemoveAuth(ctx context.Context, inst *types.Instance) error
}

// Dispatcher runs plugin handlers for an event.
type Dispatcher interface {
	Dispatch(ctx context.Context, client plugins.Client, ev plugins.Event)
}

// WebhookTrigger delivers an event to the instance's webhooks.
type WebhookTrigger interface {
	Trigger(ctx context.Context, instance *types.Instance, event string, data interface{}) []*types.WebhookHistory
}
