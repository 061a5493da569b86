package plugins

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	"whatsapp-hub/broker"
	"whatsapp-hub/notifier"
)

// Builtins carries what the bundled handler units need from the host.
type Builtins struct {
	Watermark    string
	WelcomeDelay time.Duration
	Publisher    broker.Publisher
	Log          zerolog.Logger
}

// RegisterBuiltins adds the bundled units to catalog. The returned stop
// function cancels pending welcome batches.
func RegisterBuiltins(catalog *Catalog, b Builtins) (stop func()) {
	hub := newWelcomeHub(b.WelcomeDelay, b.Watermark, b.Log)
	catalog.Register("welcome", hub.factory)
	catalog.Register("ping", PingFactory(b.Watermark))
	catalog.Register("mirror", MirrorFactory(b.Publisher))
	return hub.batcher.Stop
}

// WithWatermark appends the configured suffix to text.
func WithWatermark(text, watermark string) string {
	if watermark == "" {
		return text
	}
	return text + "\n\n" + watermark
}

// JIDUser returns the user part of a JID string, without agent or device.
func JIDUser(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	user, _, _ = strings.Cut(user, ":")
	user, _, _ = strings.Cut(user, ".")
	return user
}

// welcome

const defaultWelcomeText = "Welcome {mentions}!"

// welcomeHub owns the batcher shared by every generation of the welcome
// unit. Batch keys carry the generation, so a reload orphans the batches
// of the unit it replaced.
type welcomeHub struct {
	watermark string
	batcher   *notifier.Batcher[string]

	mu      sync.Mutex
	gen     uint64
	current *welcomePlugin
}

func newWelcomeHub(delay time.Duration, watermark string, log zerolog.Logger) *welcomeHub {
	h := &welcomeHub{watermark: watermark}
	h.batcher = notifier.New[string]("welcome", delay, h.guard, h.flush, log)
	return h
}

func (h *welcomeHub) factory(cfg map[string]any) (Plugin, error) {
	text := defaultWelcomeText
	if v, ok := cfg["text"]; ok {
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("welcome: text: %w", err)
		}
		text = s
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	p := &welcomePlugin{hub: h, gen: h.gen, text: text, clients: make(map[string]Client)}
	h.current = p
	return p, nil
}

func welcomeKey(gen uint64, phone, group string) string {
	return fmt.Sprintf("%d|%s|%s", gen, phone, group)
}

func splitWelcomeKey(key string) (gen uint64, phone, group string) {
	g, rest, _ := strings.Cut(key, "|")
	phone, group, _ = strings.Cut(rest, "|")
	return cast.ToUint64(g), phone, group
}

// unit returns the welcome unit that queued a batch, or nil once that unit
// was replaced or reset.
func (h *welcomeHub) unit(gen uint64) *welcomePlugin {
	h.mu.Lock()
	p := h.current
	h.mu.Unlock()
	if p == nil || p.gen != gen || p.isPaused() {
		return nil
	}
	return p
}

// guard checks the unit is still live and the instance is still an admin
// of the group.
func (h *welcomeHub) guard(ctx context.Context, key string) (bool, error) {
	gen, phone, group := splitWelcomeKey(key)
	p := h.unit(gen)
	if p == nil {
		return false, nil
	}
	c := p.client(phone)
	if c == nil {
		return false, nil
	}
	info, err := c.GroupMetadata(ctx, group)
	if err != nil {
		return false, err
	}
	self := JIDUser(c.SelfJID())
	for _, m := range info.Members {
		if JIDUser(m.JID) == self {
			return m.IsAdmin, nil
		}
	}
	return false, nil
}

func (h *welcomeHub) flush(ctx context.Context, key string, members []string) error {
	gen, phone, group := splitWelcomeKey(key)
	p := h.unit(gen)
	if p == nil {
		return errors.New("welcome unit no longer active")
	}
	c := p.client(phone)
	if c == nil {
		return errors.New("instance no longer available")
	}

	seen := make(map[string]bool, len(members))
	mentions := make([]string, 0, len(members))
	tags := make([]string, 0, len(members))
	for _, m := range members {
		if seen[m] {
			continue
		}
		seen[m] = true
		mentions = append(mentions, m)
		tags = append(tags, "@"+JIDUser(m))
	}

	text := strings.ReplaceAll(p.text, "{mentions}", strings.Join(tags, ", "))
	_, err := c.SendGroupMessage(ctx, group, WithWatermark(text, h.watermark), mentions...)
	return err
}

type welcomePlugin struct {
	hub  *welcomeHub
	gen  uint64
	text string

	mu      sync.RWMutex
	clients map[string]Client
	paused  bool
}

func (p *welcomePlugin) Name() string         { return "welcome" }
func (p *welcomePlugin) DefaultEnabled() bool { return true }

func (p *welcomePlugin) client(phone string) Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[phone]
}

func (p *welcomePlugin) isPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// Reset drops the queued greetings and known clients of this unit. The
// unit resumes with the next event it handles.
func (p *welcomePlugin) Reset() {
	p.mu.Lock()
	p.paused = true
	p.clients = make(map[string]Client)
	p.mu.Unlock()

	prefix := fmt.Sprintf("%d|", p.gen)
	p.hub.batcher.Discard(func(key string) bool { return strings.HasPrefix(key, prefix) })
}

func (p *welcomePlugin) Handle(ctx context.Context, c *Context) error {
	ev := c.Event
	if ev.Kind != KindParticipants || ev.Participants == nil || ev.Participants.Action != ActionAdd {
		return nil
	}
	self := JIDUser(c.Client.SelfJID())
	var joined []string
	for _, p := range ev.Participants.Participants {
		if JIDUser(p) != self {
			joined = append(joined, p)
		}
	}
	if len(joined) == 0 {
		return nil
	}

	p.mu.Lock()
	p.paused = false
	p.clients[ev.Instance] = c.Client
	p.mu.Unlock()

	p.hub.batcher.Accumulate(welcomeKey(p.gen, ev.Instance, ev.Participants.Group), joined...)
	return nil
}

// ping

// PingFactory builds the unit that answers "!ping" with "pong".
func PingFactory(watermark string) Factory {
	return func(cfg map[string]any) (Plugin, error) {
		trigger := "!ping"
		if v, ok := cfg["trigger"]; ok {
			trigger = cast.ToString(v)
		}
		return &Func{
			PluginName: "ping",
			Enabled:    true,
			Fn: func(ctx context.Context, c *Context) error {
				msg := c.Event.Message
				if c.Event.Kind != KindMessage || msg == nil || msg.FromMe {
					return nil
				}
				if !strings.EqualFold(strings.TrimSpace(msg.Text), trigger) {
					return nil
				}
				reply := WithWatermark("pong", watermark)
				var err error
				if msg.IsGroup {
					_, err = c.Client.SendGroupMessage(ctx, msg.Chat, reply)
				} else {
					_, err = c.Client.SendMessage(ctx, msg.Chat, reply)
				}
				return err
			},
		}, nil
	}
}

// mirror

// MirrorFactory builds the unit that republishes every event to the
// broker. It refuses to load without a publisher.
func MirrorFactory(pub broker.Publisher) Factory {
	return func(cfg map[string]any) (Plugin, error) {
		if pub == nil {
			return nil, errors.New("mirror: broker is not configured")
		}
		return &Func{
			PluginName: "mirror",
			Enabled:    false,
			Fn: func(ctx context.Context, c *Context) error {
				ev := c.Event
				var data interface{}
				switch ev.Kind {
				case KindMessage:
					data = ev.Message
				case KindParticipants:
					data = ev.Participants
				case KindConnection:
					data = ev.Connection
				}
				key := ev.Instance + "." + string(ev.Kind)
				return pub.Publish(ctx, key, broker.Envelope{
					Meta: broker.Meta{Type: string(ev.Kind), Source: ev.Instance},
					Data: data,
				})
			},
		}, nil
	}
}
