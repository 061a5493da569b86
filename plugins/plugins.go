// Package plugins runs independently authored handler units against
// inbound instance events.
package plugins

import (
	"context"
	"fmt"
	"time"

	"whatsapp-hub/types"
)

// EventKind tags an inbound event.
type EventKind string

const (
	KindMessage      EventKind = "message_received"
	KindParticipants EventKind = "group_participants_update"
	KindConnection   EventKind = "connection_update"
)

// Participant actions.
const (
	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionPromote = "promote"
	ActionDemote  = "demote"
)

// InboundMessage is a received message in transport neutral form.
type InboundMessage struct {
	ID        string            `json:"id"`
	Chat      string            `json:"chat"`
	Sender    string            `json:"sender"`
	PushName  string            `json:"pushName,omitempty"`
	FromMe    bool              `json:"fromMe"`
	IsGroup   bool              `json:"isGroup"`
	Type      types.MessageType `json:"type"`
	Text      string            `json:"text,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ParticipantsUpdate is a group membership change.
type ParticipantsUpdate struct {
	Group        string   `json:"id"`
	Participants []string `json:"participants"`
	Action       string   `json:"action"`
}

// ConnectionUpdate is a state change of the instance.
type ConnectionUpdate struct {
	Status types.ConnectionStatus `json:"status"`
}

// Event is what handlers receive. Exactly one payload field is set,
// matching Kind.
type Event struct {
	Kind         EventKind
	Instance     string
	Message      *InboundMessage
	Participants *ParticipantsUpdate
	Connection   *ConnectionUpdate
}

// GroupInfo is the subset of group metadata handlers care about.
type GroupInfo struct {
	JID     string
	Name    string
	Members []GroupMember
}

type GroupMember struct {
	JID     string
	IsAdmin bool
}

// Client is the instance handle a handler may act through.
type Client interface {
	Phone() string
	SelfJID() string
	SendMessage(ctx context.Context, to, text string) (*types.Message, error)
	SendGroupMessage(ctx context.Context, group, text string, mentions ...string) (*types.Message, error)
	GroupMetadata(ctx context.Context, group string) (*GroupInfo, error)
}

// Context is the read-only view passed to a handler invocation.
type Context struct {
	Enabled bool
	Client  Client
	Event   Event
	Config  map[string]any
}

// Plugin is one handler unit.
type Plugin interface {
	Name() string
	DefaultEnabled() bool
	Handle(ctx context.Context, c *Context) error
}

// Resetter is implemented by units that keep state between events. The
// engine calls Reset when the unit is disabled or replaced by a reload.
type Resetter interface {
	Reset()
}

// Factory builds a plugin from its configuration section. A factory error
// excludes the unit from the active set.
type Factory func(cfg map[string]any) (Plugin, error)

// HandlerError wraps a failure raised by a handler.
type HandlerError struct {
	Plugin string
	Err    error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("plugin %s: %v", e.Plugin, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Func adapts a function into a Plugin.
type Func struct {
	PluginName string
	Enabled    bool
	Fn         func(ctx context.Context, c *Context) error
}

func (f *Func) Name() string         { return f.PluginName }
func (f *Func) DefaultEnabled() bool { return f.Enabled }

func (f *Func) Handle(ctx context.Context, c *Context) error {
	return f.Fn(ctx, c)
}
