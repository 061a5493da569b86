package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-hub/config"
	"whatsapp-hub/plugins"
	"whatsapp-hub/store"
	"whatsapp-hub/types"
	"whatsapp-hub/whatsapp"
)

type stubSocket struct {
	self string
	seq  int
	mu   sync.Mutex
}

func (s *stubSocket) Connect(ctx context.Context) error { return nil }
func (s *stubSocket) Close()                            {}
func (s *stubSocket) Logout(ctx context.Context) error  { return nil }
func (s *stubSocket) SelfJID() string                   { return s.self }

func (s *stubSocket) SendText(ctx context.Context, to, text string, mentions []string) (whatsapp.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return whatsapp.SendResult{ID: fmt.Sprintf("OUT%d", s.seq), Timestamp: time.Now()}, nil
}

func (s *stubSocket) SendMedia(ctx context.Context, to string, media whatsapp.Media) (whatsapp.SendResult, error) {
	return s.SendText(ctx, to, "", nil)
}

func (s *stubSocket) GroupMetadata(ctx context.Context, group string) (*plugins.GroupInfo, error) {
	return &plugins.GroupInfo{JID: group}, nil
}

type stubFactory struct {
	mu    sync.Mutex
	emits map[string]func(whatsapp.SocketEvent)
}

func (f *stubFactory) Open(ctx context.Context, inst *types.Instance, emit func(whatsapp.SocketEvent)) (whatsapp.Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits[inst.Phone] = emit
	return &stubSocket{self: inst.Phone + "@s.whatsapp.net"}, nil
}

func (f *stubFactory) RemoveAuth(ctx context.Context, inst *types.Instance) error { return nil }

func (f *stubFactory) emit(phone string, ev whatsapp.SocketEvent) {
	f.mu.Lock()
	emit := f.emits[phone]
	f.mu.Unlock()
	emit(ev)
}

type nopWebhooks struct{}

func (nopWebhooks) Trigger(ctx context.Context, inst *types.Instance, event string, data interface{}) []*types.WebhookHistory {
	return nil
}

type testEnv struct {
	handler  http.Handler
	factory  *stubFactory
	registry *whatsapp.AccountManager
	engine   *plugins.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "hub.db")}, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(db) })
	svc := store.NewServices(db)

	catalog := plugins.NewCatalog()
	catalog.Register("ping", plugins.PingFactory(""))
	engine := plugins.NewEngine(catalog, nil, zerolog.Nop())
	engine.Load()

	factory := &stubFactory{emits: make(map[string]func(whatsapp.SocketEvent))}
	cfg := whatsapp.DefaultConfig()
	cfg.RestartSettle = time.Millisecond
	registry := whatsapp.NewAccountManager(whatsapp.Deps{
		Sockets:   factory,
		Instances: svc.Instances,
		Messages:  svc.Messages,
		Logs:      svc.Logs,
		Plugins:   engine,
		Webhooks:  nopWebhooks{},
		Config:    cfg,
		Log:       zerolog.Nop(),
	})
	t.Cleanup(registry.Close)

	srv := New(Deps{
		Registry: registry,
		Webhooks: svc.Webhooks,
		History:  svc.History,
		Messages: svc.Messages,
		Plugins:  engine,
		Log:      zerolog.Nop(),
	})
	return &testEnv{handler: srv.Handler(), factory: factory, registry: registry, engine: engine}
}

type response struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func (env *testEnv) do(t *testing.T, method, path string, body interface{}) (int, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	var res response
	if rec.Header().Get("Content-Type") == "application/json" || bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code, res
}

func (env *testEnv) connect(t *testing.T, phone string) {
	t.Helper()
	env.factory.emit(phone, &whatsapp.ConnectionUpdate{Connection: whatsapp.ConnOpen})
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bot, ok := env.registry.GetBot(phone); ok && bot.IsConnected() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("%s never connected", phone)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	if code, res := env.do(t, http.MethodGet, "/healthz", nil); code != http.StatusOK || res.Code != "ok" {
		t.Errorf("healthz = %d %+v", code, res)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics = %d", rec.Code)
	}

	if code, res := env.do(t, http.MethodGet, "/api/stats", nil); code != http.StatusOK || res.Code != "ok" {
		t.Errorf("stats = %d %+v", code, res)
	}
}

func TestInstanceLifecycleAPI(t *testing.T) {
	env := newTestEnv(t)

	code, res := env.do(t, http.MethodPost, "/api/instances", map[string]string{"phone": "0812345", "name": "Sales"})
	if code != http.StatusCreated {
		t.Fatalf("create = %d %+v", code, res)
	}
	var state whatsapp.State
	if err := json.Unmarshal(res.Data, &state); err != nil {
		t.Fatal(err)
	}
	if state.Phone != "62812345" || state.ConnectionStatus != types.StatusConnecting || !state.Live {
		t.Errorf("created state = %+v", state)
	}

	if code, res := env.do(t, http.MethodPost, "/api/instances", map[string]string{"phone": "62812345"}); code != http.StatusConflict || res.Code != "ALREADY_EXISTS" {
		t.Errorf("duplicate = %d %+v", code, res)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/instances", map[string]string{"name": "x"}); code != http.StatusBadRequest {
		t.Errorf("missing phone = %d", code)
	}

	code, res = env.do(t, http.MethodGet, "/api/instances", nil)
	var states []whatsapp.State
	if err := json.Unmarshal(res.Data, &states); err != nil || code != http.StatusOK || len(states) != 1 {
		t.Errorf("list = %d %s", code, res.Data)
	}

	if code, res := env.do(t, http.MethodGet, "/api/instances/62899", nil); code != http.StatusNotFound || res.Code != "NOT_FOUND" {
		t.Errorf("unknown = %d %+v", code, res)
	}

	if code, res := env.do(t, http.MethodPost, "/api/instances/62812345/restart", nil); code != http.StatusOK {
		t.Errorf("restart = %d %+v", code, res)
	}

	if code, res := env.do(t, http.MethodDelete, "/api/instances/62812345", nil); code != http.StatusOK {
		t.Errorf("delete = %d %+v", code, res)
	}
	if code, _ := env.do(t, http.MethodGet, "/api/instances/62812345", nil); code != http.StatusNotFound {
		t.Errorf("get after delete = %d", code)
	}
}

func TestSendMessageAPI(t *testing.T) {
	env := newTestEnv(t)
	if code, res := env.do(t, http.MethodPost, "/api/instances", map[string]string{"phone": "62812345"}); code != http.StatusCreated {
		t.Fatalf("create = %d %+v", code, res)
	}

	body := map[string]string{"to": "0899", "text": "hello"}
	if code, res := env.do(t, http.MethodPost, "/api/instances/62812345/messages", body); code != http.StatusConflict || res.Code != "NOT_CONNECTED" {
		t.Errorf("send before open = %d %+v", code, res)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/instances/62800/messages", body); code != http.StatusNotFound {
		t.Errorf("send on unknown instance = %d", code)
	}

	env.connect(t, "62812345")
	code, res := env.do(t, http.MethodPost, "/api/instances/62812345/messages", body)
	if code != http.StatusOK {
		t.Fatalf("send = %d %+v", code, res)
	}
	var msg types.Message
	if err := json.Unmarshal(res.Data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.ChatJID != "62899@s.whatsapp.net" || msg.Direction != types.DirectionOutgoing {
		t.Errorf("message = %+v", msg)
	}

	code, res = env.do(t, http.MethodGet, "/api/instances/62812345/messages", nil)
	var msgs []types.Message
	if err := json.Unmarshal(res.Data, &msgs); err != nil || code != http.StatusOK || len(msgs) != 1 {
		t.Errorf("messages = %d %s", code, res.Data)
	}

	media := map[string]interface{}{"to": "0899", "type": "sticker", "data": []byte{1, 2}}
	if code, res := env.do(t, http.MethodPost, "/api/instances/62812345/media", media); code != http.StatusBadRequest || res.Code != "UNSUPPORTED_MEDIA_TYPE" {
		t.Errorf("sticker = %d %+v", code, res)
	}
	media["type"] = "image"
	if code, res := env.do(t, http.MethodPost, "/api/instances/62812345/media", media); code != http.StatusOK {
		t.Errorf("image = %d %+v", code, res)
	}

	group := map[string]interface{}{"text": "hi all", "mentions": []string{"62899@s.whatsapp.net"}}
	if code, res := env.do(t, http.MethodPost, "/api/instances/62812345/groups/120363/messages", group); code != http.StatusOK {
		t.Errorf("group send = %d %+v", code, res)
	}
}

func TestWebhookAPI(t *testing.T) {
	env := newTestEnv(t)
	if code, res := env.do(t, http.MethodPost, "/api/instances", map[string]string{"phone": "62812345"}); code != http.StatusCreated {
		t.Fatalf("create = %d %+v", code, res)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/instances/62812345/webhooks", map[string]string{"url": "ftp://x"}); code != http.StatusBadRequest {
		t.Errorf("bad url = %d", code)
	}

	code, res := env.do(t, http.MethodPost, "/api/instances/62812345/webhooks", map[string]interface{}{
		"url":     "https://example.com/hook",
		"events":  []string{types.EventMessageReceived},
		"headers": map[string]string{"Authorization": "Bearer t"},
		"secret":  "s3cret",
	})
	if code != http.StatusCreated {
		t.Fatalf("create webhook = %d %+v", code, res)
	}
	var hook types.Webhook
	if err := json.Unmarshal(res.Data, &hook); err != nil {
		t.Fatal(err)
	}
	if !hook.Enabled || hook.Events != types.EventMessageReceived || hook.Headers != "Authorization: Bearer t" {
		t.Errorf("webhook = %+v", hook)
	}
	if bytes.Contains(res.Data, []byte("s3cret")) {
		t.Error("secret leaked in response")
	}

	code, res = env.do(t, http.MethodGet, "/api/instances/62812345/webhooks", nil)
	var hooks []types.Webhook
	if err := json.Unmarshal(res.Data, &hooks); err != nil || code != http.StatusOK || len(hooks) != 1 {
		t.Errorf("list webhooks = %d %s", code, res.Data)
	}

	path := "/api/webhooks/" + jsonID(hook.ID)
	if code, _ := env.do(t, http.MethodGet, path+"/history", nil); code != http.StatusOK {
		t.Errorf("history = %d", code)
	}
	if code, _ := env.do(t, http.MethodDelete, path, nil); code != http.StatusOK {
		t.Errorf("delete = %d", code)
	}
	if code, res := env.do(t, http.MethodDelete, path, nil); code != http.StatusNotFound {
		t.Errorf("second delete = %d %+v", code, res)
	}
	if code, _ := env.do(t, http.MethodDelete, "/api/webhooks/abc", nil); code != http.StatusBadRequest {
		t.Errorf("bad id = %d", code)
	}
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}

func TestPluginAPI(t *testing.T) {
	env := newTestEnv(t)

	code, res := env.do(t, http.MethodGet, "/api/plugins", nil)
	var list []plugins.Status
	if err := json.Unmarshal(res.Data, &list); err != nil || code != http.StatusOK || len(list) != 1 || !list[0].Enabled {
		t.Fatalf("plugins = %d %s", code, res.Data)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/plugins/ping/disable", nil); code != http.StatusOK {
		t.Errorf("disable = %d", code)
	}
	if env.engine.IsEnabled("ping") {
		t.Error("ping still enabled")
	}
	if code, _ := env.do(t, http.MethodPost, "/api/plugins/ping/enable", nil); code != http.StatusOK || !env.engine.IsEnabled("ping") {
		t.Errorf("enable = %d", code)
	}
	if code, res := env.do(t, http.MethodPost, "/api/plugins/nope/enable", nil); code != http.StatusNotFound {
		t.Errorf("unknown plugin = %d %+v", code, res)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/plugins/reload", nil); code != http.StatusOK {
		t.Errorf("reload = %d", code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	if code, res := env.do(t, http.MethodGet, "/api/nothing", nil); code != http.StatusNotFound || res.Code != "NOT_FOUND" {
		t.Errorf("unknown route = %d %+v", code, res)
	}
}
