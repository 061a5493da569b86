package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-hub/plugins"
	"whatsapp-hub/store"
	"whatsapp-hub/types"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// trace records the order in which collaborators were called.
type trace struct {
	mu    sync.Mutex
	steps []string
}

func (tr *trace) add(step string) {
	if tr == nil {
		return
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.steps = append(tr.steps, step)
}

func (tr *trace) index(step string) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i, s := range tr.steps {
		if s == step {
			return i
		}
	}
	return -1
}

// sockets

type sentMessage struct {
	to       string
	text     string
	mentions []string
	media    *Media
}

type fakeSocket struct {
	factory *fakeFactory
	emit    func(SocketEvent)
	self    string

	mu        sync.Mutex
	closed    int
	loggedOut bool
	sent      []sentMessage
	seq       int
	sendErr   error
}

func (s *fakeSocket) Connect(ctx context.Context) error {
	return s.factory.connectErr
}

func (s *fakeSocket) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
}

func (s *fakeSocket) Logout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

func (s *fakeSocket) SelfJID() string { return s.self }

func (s *fakeSocket) SendText(ctx context.Context, to, text string, mentions []string) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return SendResult{}, s.sendErr
	}
	s.seq++
	s.sent = append(s.sent, sentMessage{to: to, text: text, mentions: mentions})
	return SendResult{ID: fmt.Sprintf("OUT%d", s.seq), Timestamp: time.Now()}, nil
}

func (s *fakeSocket) SendMedia(ctx context.Context, to string, media Media) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.sent = append(s.sent, sentMessage{to: to, media: &media})
	return SendResult{ID: fmt.Sprintf("OUT%d", s.seq), Timestamp: time.Now()}, nil
}

func (s *fakeSocket) GroupMetadata(ctx context.Context, group string) (*plugins.GroupInfo, error) {
	return &plugins.GroupInfo{JID: group, Members: []plugins.GroupMember{{JID: s.self, IsAdmin: true}}}, nil
}

func (s *fakeSocket) messages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.sent...)
}

func (s *fakeSocket) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) wasLoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

type fakeFactory struct {
	connectErr error

	mu      sync.Mutex
	sockets []*fakeSocket
	removed []string
}

func (f *fakeFactory) Open(ctx context.Context, inst *types.Instance, emit func(SocketEvent)) (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSocket{factory: f, emit: emit, self: inst.Phone + "@s.whatsapp.net"}
	f.sockets = append(f.sockets, s)
	return s, nil
}

func (f *fakeFactory) RemoveAuth(ctx context.Context, inst *types.Instance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, inst.Phone)
	return nil
}

func (f *fakeFactory) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sockets)
}

func (f *fakeFactory) last() *fakeSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}

// persistence

type memInstances struct {
	mu     sync.Mutex
	nextID int64
	rows   map[string]types.Instance
}

func newMemInstances() *memInstances {
	return &memInstances{rows: make(map[string]types.Instance)}
}

func (m *memInstances) Create(ctx context.Context, inst *types.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[inst.Phone]; ok {
		return errors.New("duplicate phone")
	}
	m.nextID++
	inst.ID = m.nextID
	m.rows[inst.Phone] = *inst
	return nil
}

func (m *memInstances) GetByPhone(ctx context.Context, phone string) (*types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[phone]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &row, nil
}

func (m *memInstances) List(ctx context.Context) ([]*types.Instance, error) {
	return m.ListByStatus(ctx)
}

func (m *memInstances) ListByStatus(ctx context.Context, statuses ...string) ([]*types.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Instance
	for _, row := range m.rows {
		row := row
		if len(statuses) == 0 {
			out = append(out, &row)
			continue
		}
		for _, s := range statuses {
			if row.Status == s {
				out = append(out, &row)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memInstances) Update(ctx context.Context, inst *types.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[inst.Phone]
	if !ok {
		return store.ErrNotFound
	}
	row.Name, row.Alias = inst.Name, inst.Alias
	m.rows[inst.Phone] = row
	return nil
}

func (m *memInstances) UpdateStatus(ctx context.Context, phone string, status types.ConnectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[phone]
	if !ok {
		return store.ErrNotFound
	}
	row.ConnectionStatus = status
	row.Status = status.Persisted()
	m.rows[phone] = row
	return nil
}

func (m *memInstances) SetDeviceJID(ctx context.Context, phone, jid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[phone]
	if !ok {
		return store.ErrNotFound
	}
	row.DeviceJID = jid
	m.rows[phone] = row
	return nil
}

func (m *memInstances) Delete(ctx context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[phone]; !ok {
		return store.ErrNotFound
	}
	delete(m.rows, phone)
	return nil
}

func (m *memInstances) get(phone string) (types.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[phone]
	return row, ok
}

type memMessages struct {
	trace *trace
	err   error

	mu   sync.Mutex
	rows []types.Message
}

func (m *memMessages) Create(ctx context.Context, msg *types.Message) error {
	m.trace.add("persist:" + msg.MessageID)
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *msg)
	return nil
}

func (m *memMessages) ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Message
	for i := range m.rows {
		if m.rows[i].InstanceID == instanceID {
			row := m.rows[i]
			out = append(out, &row)
		}
	}
	return out, nil
}

func (m *memMessages) all() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.Message(nil), m.rows...)
}

type memLogs struct {
	mu   sync.Mutex
	rows []types.InstanceLog
}

func (m *memLogs) Create(ctx context.Context, log *types.InstanceLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *log)
	return nil
}

func (m *memLogs) ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*types.InstanceLog, error) {
	return nil, nil
}

func (m *memLogs) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// statuses returns the logged transition targets in order.
func (m *memLogs) statuses() []types.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.ConnectionStatus, len(m.rows))
	for i, r := range m.rows {
		out[i] = types.ConnectionStatus(r.Status)
	}
	return out
}

func (m *memLogs) count(status types.ConnectionStatus) int {
	n := 0
	for _, s := range m.statuses() {
		if s == status {
			n++
		}
	}
	return n
}

// fan-out

type fakeDispatcher struct {
	trace *trace
	hook  func(ev plugins.Event)

	mu     sync.Mutex
	events []plugins.Event
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, client plugins.Client, ev plugins.Event) {
	if ev.Message != nil {
		d.trace.add("plugins:" + ev.Message.ID)
	}
	if d.hook != nil {
		d.hook(ev)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *fakeDispatcher) kinds(kind plugins.EventKind) []plugins.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []plugins.Event
	for _, ev := range d.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type firedHook struct {
	event string
	data  interface{}
}

type fakeWebhooks struct {
	trace *trace

	mu    sync.Mutex
	fired []firedHook
}

func (w *fakeWebhooks) Trigger(ctx context.Context, inst *types.Instance, event string, data interface{}) []*types.WebhookHistory {
	if msg, ok := data.(plugins.InboundMessage); ok {
		w.trace.add("webhook:" + msg.ID)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.fired = append(w.fired, firedHook{event: event, data: data})
	return nil
}

func (w *fakeWebhooks) events(name string) []firedHook {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []firedHook
	for _, f := range w.fired {
		if f.event == name {
			out = append(out, f)
		}
	}
	return out
}

// harness

type harness struct {
	factory   *fakeFactory
	instances *memInstances
	messages  *memMessages
	logs      *memLogs
	plugins   *fakeDispatcher
	webhooks  *fakeWebhooks
	trace     *trace
	deps      Deps
}

func newHarness(cfg Config) *harness {
	tr := &trace{}
	h := &harness{
		factory:   &fakeFactory{},
		instances: newMemInstances(),
		messages:  &memMessages{trace: tr},
		logs:      &memLogs{},
		plugins:   &fakeDispatcher{trace: tr},
		webhooks:  &fakeWebhooks{trace: tr},
		trace:     tr,
	}
	h.deps = Deps{
		Sockets:   h.factory,
		Instances: h.instances,
		Messages:  h.messages,
		Logs:      h.logs,
		Plugins:   h.plugins,
		Webhooks:  h.webhooks,
		Config:    cfg,
		Log:       zerolog.Nop(),
	}
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.RestartSettle = time.Millisecond
	return cfg
}

// newBot persists an instance and returns its controller, closed on cleanup.
func (h *harness) newBot(t *testing.T, phone string) *Bot {
	t.Helper()
	inst := &types.Instance{Phone: phone, Status: types.InstanceInactive, ConnectionStatus: types.StatusDisconnected}
	if err := h.instances.Create(context.Background(), inst); err != nil {
		t.Fatal(err)
	}
	b := NewBot(*inst, h.deps)
	t.Cleanup(b.Close)
	return b
}

// connect initializes b and opens its socket.
func (h *harness) connect(t *testing.T, b *Bot) *fakeSocket {
	t.Helper()
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	sock := h.factory.last()
	sock.emit(&ConnectionUpdate{Connection: ConnOpen})
	eventually(t, "connected", func() bool { return b.Status() == types.StatusConnected })
	return sock
}
