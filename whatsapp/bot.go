package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"whatsapp-hub/cache"
	"whatsapp-hub/plugins"
	"whatsapp-hub/store"
	"whatsapp-hub/types"
)

var (
	transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_instance_transitions_total",
		Help: "Connection state transitions by target status",
	}, []string{"status"})
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_messages_total",
		Help: "Persisted messages by direction",
	}, []string{"direction"})
	sendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsapp_hub_send_failures_total",
		Help: "Outbound sends rejected by the socket",
	})
	duplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "whatsapp_hub_inbound_duplicates_total",
		Help: "Inbound messages skipped as already seen",
	})
)

// Deps are the collaborators shared by every controller.
type Deps struct {
	Sockets   SocketFactory
	Instances store.InstanceService
	Messages  store.MessageService
	Logs      store.InstanceLogService
	Plugins   Dispatcher
	Webhooks  WebhookTrigger
	Config    Config
	Log       zerolog.Logger
}

type signal struct {
	gen uint64
	ev  SocketEvent
}

// Bot is the lifecycle controller of one instance. Socket signals are
// handled one at a time on its own goroutine; operator calls (Init,
// Restart, Logout, Close) are serialized with that handling.
type Bot struct {
	deps    Deps
	cfg     Config
	log     zerolog.Logger
	dedup   *cache.Cache[struct{}]
	limiter *RateLimiter
	// limiterDone is nil when sends are unlimited
	limiterDone   <-chan struct{}
	cancelLimiter context.CancelFunc

	// op serializes state changes between the event loop, the reconnect
	// timer and operator calls
	op sync.Mutex

	mu            sync.RWMutex
	inst          types.Instance
	status        types.ConnectionStatus
	connected     bool
	attempts      int
	qrCode        string
	manualRestart bool
	socket        Socket
	generation    uint64
	reconnect     *time.Timer
	reconnectSeq  uint64
	closed        bool

	signals  chan signal
	stop     chan struct{}
	loopDone chan struct{}
	bg       sync.WaitGroup
	once     sync.Once
}

// NewBot creates a controller for inst and starts its event loop. The
// controller does nothing until Init is called.
func NewBot(inst types.Instance, deps Deps) *Bot {
	cfg := deps.Config.withDefaults()
	b := &Bot{
		deps:     deps,
		cfg:      cfg,
		log:      deps.Log.With().Str("component", "instance").Str("instance", inst.Phone).Logger(),
		dedup:    cache.New[struct{}]("dedup", cfg.DedupSize, cfg.DedupTTL),
		limiter:  NewRateLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		inst:     inst,
		status:   types.StatusDisconnected,
		signals:  make(chan signal, cfg.EventBuffer),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancelLimiter = cancel
	if cfg.SendRate > 0 {
		b.limiterDone = b.limiter.StartCleanup(ctx, limiterCleanupEvery, limiterIdle)
	}
	go b.run()
	return b
}

func (b *Bot) Phone() string {
	return b.inst.Phone
}

func (b *Bot) Status() types.ConnectionStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// IsConnected returns whether the client is connected
func (b *Bot) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *Bot) ReconnectAttempts() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.attempts
}

func (b *Bot) Instance() types.Instance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inst
}

func (b *Bot) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return State{
		Instance:          b.inst,
		IsConnected:       b.connected,
		ReconnectAttempts: b.attempts,
		QRCode:            b.qrCode,
		Live:              true,
	}
}

func (b *Bot) SelfJID() string {
	b.mu.RLock()
	sock := b.socket
	jid := b.inst.DeviceJID
	b.mu.RUnlock()
	if sock != nil {
		if self := sock.SelfJID(); self != "" {
			return self
		}
	}
	return jid
}

// Init opens a fresh socket and starts connecting. Failures move the
// instance to the error state and are returned as *InitializationError.
func (b *Bot) Init(ctx context.Context) error {
	b.op.Lock()
	defer b.op.Unlock()
	return b.init(ctx)
}

func (b *Bot) init(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.stopReconnectLocked()
	b.generation++
	gen := b.generation
	old := b.socket
	b.socket = nil
	b.connected = false
	inst := b.inst
	b.mu.Unlock()

	if old != nil {
		old.Close()
	}
	b.transition(ctx, types.StatusConnecting, "initializing connection", nil)

	sock, err := b.deps.Sockets.Open(ctx, &inst, func(ev SocketEvent) { b.submit(gen, ev) })
	if err == nil {
		b.mu.Lock()
		b.socket = sock
		b.mu.Unlock()
		err = sock.Connect(ctx)
	}
	if err != nil {
		b.mu.Lock()
		b.generation++
		b.socket = nil
		b.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		ierr := &InitializationError{Phone: inst.Phone, Err: err}
		b.log.Error().Err(err).Msg("initialization failed")
		b.transition(ctx, types.StatusError, ierr.Error(), nil)
		return ierr
	}
	return nil
}

// Restart closes the socket without logging out, waits for the settle
// delay and initializes again. The close never schedules a reconnect.
func (b *Bot) Restart(ctx context.Context) error {
	b.op.Lock()
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.op.Unlock()
		return ErrClosed
	}
	b.manualRestart = true
	b.mu.Unlock()

	b.log.Info().Msg("manual restart requested")
	// a close we issue produces no socket signal
	b.handleClose(ctx, &ConnectionUpdate{Connection: ConnClose, Err: errors.New("closed for restart")})
	b.op.Unlock()

	if b.cfg.RestartSettle > 0 {
		t := time.NewTimer(b.cfg.RestartSettle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return b.Init(ctx)
}

// Logout unpairs the device. Used when the instance is deleted.
func (b *Bot) Logout(ctx context.Context) error {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	b.stopReconnectLocked()
	b.generation++
	sock := b.socket
	b.socket = nil
	b.connected = false
	b.attempts = 0
	b.mu.Unlock()

	var err error
	if sock != nil {
		if err = sock.Logout(ctx); err != nil {
			b.log.Warn().Err(err).Msg("logout failed")
		}
		sock.Close()
	}
	b.transition(ctx, types.StatusLoggedOut, "logged out by operator", nil)
	return err
}

// Close stops the controller for shutdown. The persisted status is left
// untouched so the instance is picked up again on the next start.
func (b *Bot) Close() {
	b.once.Do(func() {
		b.op.Lock()
		b.mu.Lock()
		b.closed = true
		b.stopReconnectLocked()
		b.generation++
		sock := b.socket
		b.socket = nil
		b.connected = false
		b.status = types.StatusDisconnected
		b.inst.ConnectionStatus = types.StatusDisconnected
		b.mu.Unlock()
		b.op.Unlock()

		if sock != nil {
			sock.Close()
		}
		close(b.stop)
		<-b.loopDone
		b.cancelLimiter()
		if b.limiterDone != nil {
			<-b.limiterDone
		}
		b.bg.Wait()
	})
}

func (b *Bot) submit(gen uint64, ev SocketEvent) {
	select {
	case b.signals <- signal{gen: gen, ev: ev}:
	case <-b.stop:
	}
}

func (b *Bot) current(gen uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return gen == b.generation && !b.closed
}

func (b *Bot) run() {
	defer close(b.loopDone)
	for {
		select {
		case <-b.stop:
			return
		case sig := <-b.signals:
			b.handle(sig)
		}
	}
}

func (b *Bot) handle(sig signal) {
	ctx := context.Background()
	switch ev := sig.ev.(type) {
	case *ConnectionUpdate:
		b.op.Lock()
		defer b.op.Unlock()
		if !b.current(sig.gen) {
			b.log.Debug().Str("connection", string(ev.Connection)).Msg("signal from a replaced socket dropped")
			return
		}
		switch {
		case ev.QR != "":
			b.handleQR(ctx, ev.QR)
		case ev.Connection == ConnOpen:
			b.handleOpen(ctx)
		case ev.Connection == ConnClose:
			b.handleClose(ctx, ev)
		}
	case *CredsUpdate:
		if b.current(sig.gen) {
			b.saveDevice(ctx, ev.JID)
		}
	case *MessagesUpsert:
		if b.current(sig.gen) {
			b.handleMessages(ctx, ev.Messages)
		}
	case *GroupParticipantsUpdate:
		if b.current(sig.gen) {
			b.handleParticipants(ctx, ev.ParticipantsUpdate)
		}
	}
}

func (b *Bot) handleQR(ctx context.Context, code string) {
	image, err := QRDataURL(code)
	if err != nil {
		b.log.Warn().Err(err).Msg("failed to render pairing code")
		image = code
	}
	if b.cfg.PrintQR {
		_ = PrintQR(os.Stdout, b.inst.Phone, code)
	}
	b.mu.Lock()
	b.qrCode = image
	b.mu.Unlock()
	b.transition(ctx, types.StatusQRReady, "pairing code ready", nil)
}

func (b *Bot) handleOpen(ctx context.Context) {
	b.mu.Lock()
	b.stopReconnectLocked()
	b.connected = true
	b.attempts = 0
	b.qrCode = ""
	sock := b.socket
	b.mu.Unlock()

	if sock != nil {
		b.saveDevice(ctx, sock.SelfJID())
	}
	b.transition(ctx, types.StatusConnected, "connected", nil)
}

func (b *Bot) handleClose(ctx context.Context, ev *ConnectionUpdate) {
	b.mu.Lock()
	b.connected = false
	b.qrCode = ""
	b.generation++
	sock := b.socket
	b.socket = nil
	manual := b.manualRestart
	b.manualRestart = false
	b.stopReconnectLocked()
	attempts := b.attempts
	b.mu.Unlock()

	if sock != nil {
		sock.Close()
	}

	reason := "connection closed"
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	ceiling := b.cfg.MaxReconnectAttempts

	switch {
	case manual:
		b.resetAttempts()
		b.transition(ctx, types.StatusLoggedOut, "closed for manual restart", nil)
	case ev.LoggedOut:
		b.resetAttempts()
		b.transition(ctx, types.StatusLoggedOut, "logged out: "+reason, nil)
	case attempts >= ceiling:
		b.resetAttempts()
		b.transition(ctx, types.StatusLoggedOut, fmt.Sprintf("giving up after %d reconnect attempts: %s", attempts, reason), nil)
	default:
		attempts++
		b.mu.Lock()
		b.attempts = attempts
		b.mu.Unlock()
		b.transition(ctx, types.StatusReconnecting, reason, map[string]interface{}{
			"reconnectAttempt":     attempts,
			"maxReconnectAttempts": ceiling,
		})
		b.scheduleReconnect()
	}
}

func (b *Bot) resetAttempts() {
	b.mu.Lock()
	b.attempts = 0
	b.mu.Unlock()
}

func (b *Bot) scheduleReconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.reconnectSeq++
	seq := b.reconnectSeq
	b.reconnect = time.AfterFunc(b.cfg.ReconnectDelay, func() { b.fireReconnect(seq) })
	b.log.Info().Dur("delay", b.cfg.ReconnectDelay).Int("attempt", b.attempts).Msg("reconnect scheduled")
}

// fireReconnect re-enters init unless the timer was cancelled or replaced
// after it fired.
func (b *Bot) fireReconnect(seq uint64) {
	b.op.Lock()
	defer b.op.Unlock()

	b.mu.Lock()
	if b.closed || b.reconnect == nil || seq != b.reconnectSeq {
		b.mu.Unlock()
		return
	}
	b.reconnect = nil
	b.mu.Unlock()

	if err := b.init(context.Background()); err != nil {
		b.log.Error().Err(err).Msg("reconnect failed")
	}
}

func (b *Bot) stopReconnectLocked() {
	if b.reconnect != nil {
		b.reconnect.Stop()
		b.reconnect = nil
	}
	b.reconnectSeq++
}

// transition applies status, then persists it, records an instance log,
// notifies plugins and fires the connection.update webhook.
func (b *Bot) transition(ctx context.Context, status types.ConnectionStatus, message string, extra map[string]interface{}) {
	b.mu.Lock()
	prev := b.status
	b.status = status
	b.inst.ConnectionStatus = status
	b.inst.Status = status.Persisted()
	inst := b.inst
	qr := b.qrCode
	b.mu.Unlock()

	transitions.WithLabelValues(string(status)).Inc()
	b.log.Info().Str("from", string(prev)).Str("to", string(status)).Msg(message)

	if err := b.deps.Instances.UpdateStatus(ctx, inst.Phone, status); err != nil {
		b.log.Error().Err(err).Str("status", string(status)).Msg("failed to persist status")
	}
	if err := b.deps.Logs.Create(ctx, &types.InstanceLog{
		InstanceID: inst.ID,
		Type:       "connection",
		Status:     string(status),
		Message:    message,
	}); err != nil {
		b.log.Error().Err(err).Msg("failed to write instance log")
	}

	b.deps.Plugins.Dispatch(ctx, b, plugins.Event{
		Kind:       plugins.KindConnection,
		Instance:   inst.Phone,
		Connection: &plugins.ConnectionUpdate{Status: status},
	})

	data := map[string]interface{}{
		"status":   status,
		"instance": inst.Phone,
		"message":  message,
	}
	if status == types.StatusQRReady && qr != "" {
		data["qrCode"] = qr
	}
	for k, v := range extra {
		data[k] = v
	}
	b.fireWebhook(inst, types.EventConnectionUpdate, data)
}

// fireWebhook delivers in the background so slow endpoints never hold up
// the event loop. Close waits for outstanding deliveries.
func (b *Bot) fireWebhook(inst types.Instance, event string, data interface{}) {
	b.bg.Add(1)
	go func() {
		defer b.bg.Done()
		b.deps.Webhooks.Trigger(context.Background(), &inst, event, data)
	}()
}

func (b *Bot) saveDevice(ctx context.Context, jid string) {
	if jid == "" {
		return
	}
	b.mu.Lock()
	if b.inst.DeviceJID == jid {
		b.mu.Unlock()
		return
	}
	b.inst.DeviceJID = jid
	phone := b.inst.Phone
	b.mu.Unlock()

	if err := b.deps.Instances.SetDeviceJID(ctx, phone, jid); err != nil {
		b.log.Error().Err(err).Str("jid", jid).Msg("failed to persist device")
	}
}

// handleMessages persists each message, then runs plugins, then fires the
// message.received webhook. Own messages are only persisted.
func (b *Bot) handleMessages(ctx context.Context, msgs []plugins.InboundMessage) {
	for i := range msgs {
		msg := msgs[i]
		if msg.ID != "" && b.dedup.Seen(msg.ID) {
			duplicates.Inc()
			b.log.Debug().Str("id", msg.ID).Msg("duplicate message skipped")
			continue
		}

		inst := b.Instance()
		direction := types.DirectionIncoming
		if msg.FromMe {
			direction = types.DirectionOutgoing
		}
		b.persistMessage(ctx, &types.Message{
			InstanceID: inst.ID,
			MessageID:  msg.ID,
			ChatJID:    msg.Chat,
			Sender:     msg.Sender,
			Direction:  direction,
			Type:       msg.Type,
			Content:    msg.Text,
			IsGroup:    msg.IsGroup,
			Timestamp:  msg.Timestamp,
		})
		if msg.FromMe {
			continue
		}

		b.deps.Plugins.Dispatch(ctx, b, plugins.Event{Kind: plugins.KindMessage, Instance: inst.Phone, Message: &msg})
		b.fireWebhook(inst, types.EventMessageReceived, msg)
	}
}

func (b *Bot) handleParticipants(ctx context.Context, up plugins.ParticipantsUpdate) {
	inst := b.Instance()
	b.deps.Plugins.Dispatch(ctx, b, plugins.Event{Kind: plugins.KindParticipants, Instance: inst.Phone, Participants: &up})
	b.fireWebhook(inst, types.EventParticipantsUpdate, up)
}

func (b *Bot) persistMessage(ctx context.Context, msg *types.Message) {
	if err := b.deps.Messages.Create(ctx, msg); err != nil {
		b.log.Error().Err(err).Str("id", msg.MessageID).Str("direction", msg.Direction).Msg("failed to persist message")
		return
	}
	messagesTotal.WithLabelValues(msg.Direction).Inc()
}

// SendMessage sends a text to a phone number or JID.
func (b *Bot) SendMessage(ctx context.Context, to, text string) (*types.Message, error) {
	jid, err := ToJID(to)
	if err != nil {
		return nil, err
	}
	return b.send(ctx, jid, types.TextMessage, text, func(s Socket) (SendResult, error) {
		return s.SendText(ctx, jid, text, nil)
	})
}

// SendGroupMessage sends a text to a group, notifying mentions.
func (b *Bot) SendGroupMessage(ctx context.Context, group, text string, mentions ...string) (*types.Message, error) {
	jid, err := ToGroupJID(group)
	if err != nil {
		return nil, err
	}
	return b.send(ctx, jid, types.TextMessage, text, func(s Socket) (SendResult, error) {
		return s.SendText(ctx, jid, text, mentions)
	})
}

// SendMediaMessage uploads and sends an attachment.
func (b *Bot) SendMediaMessage(ctx context.Context, to string, media Media) (*types.Message, error) {
	if !media.supported() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, media.Kind)
	}
	jid, err := ToJID(to)
	if err != nil {
		return nil, err
	}
	content := media.Caption
	if content == "" {
		content = media.FileName
	}
	return b.send(ctx, jid, media.Kind, content, func(s Socket) (SendResult, error) {
		return s.SendMedia(ctx, jid, media)
	})
}

func (b *Bot) send(ctx context.Context, jid string, kind types.MessageType, content string, do func(Socket) (SendResult, error)) (*types.Message, error) {
	b.mu.RLock()
	sock := b.socket
	connected := b.connected
	inst := b.inst
	b.mu.RUnlock()
	if !connected || sock == nil {
		return nil, ErrNotConnected
	}

	if err := b.limiter.Wait(ctx, jid); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	res, err := do(sock)
	if err != nil {
		sendFailures.Inc()
		return nil, fmt.Errorf("send to %s: %w", jid, err)
	}
	if res.Timestamp.IsZero() {
		res.Timestamp = time.Now()
	}
	if res.ID != "" {
		// the echo of our own message must not be stored twice
		b.dedup.Seen(res.ID)
	}

	msg := &types.Message{
		InstanceID: inst.ID,
		MessageID:  res.ID,
		ChatJID:    jid,
		Sender:     sock.SelfJID(),
		Direction:  types.DirectionOutgoing,
		Type:       kind,
		Content:    content,
		IsGroup:    IsGroupJID(jid),
		Timestamp:  res.Timestamp,
	}
	b.persistMessage(ctx, msg)
	b.fireWebhook(inst, types.EventMessageSent, msg)
	return msg, nil
}

// GroupMetadata fetches the group's members through the live socket.
func (b *Bot) GroupMetadata(ctx context.Context, group string) (*plugins.GroupInfo, error) {
	jid, err := ToGroupJID(group)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	sock := b.socket
	connected := b.connected
	b.mu.RUnlock()
	if !connected || sock == nil {
		return nil, ErrNotConnected
	}
	return sock.GroupMetadata(ctx, jid)
}
