package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"whatsapp-hub/types"
)

type fakeHooks struct {
	hooks []*types.Webhook
	err   error
}

func (f *fakeHooks) GetEnabledWebhooks(ctx context.Context, instanceID int64, event string) ([]*types.Webhook, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*types.Webhook
	for _, h := range f.hooks {
		if h.InstanceID == instanceID && h.Enabled && h.Subscribes(event) {
			out = append(out, h)
		}
	}
	return out, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []*types.WebhookHistory
	err     error
}

func (f *fakeHistory) Create(ctx context.Context, rec *types.WebhookHistory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func byWebhook(recs []*types.WebhookHistory) map[int64]*types.WebhookHistory {
	out := make(map[int64]*types.WebhookHistory)
	for _, r := range recs {
		out[r.WebhookID] = r
	}
	return out
}

var testInstance = &types.Instance{ID: 1, Phone: "6281234567"}

func TestTriggerSuccessAndTimeoutAreIndependent(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got Envelope
	var gotHeaders http.Header
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotHeaders = r.Header.Clone()
		_ = json.Unmarshal(body, &got)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer ok.Close()

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer slow.Close()
	defer close(release)

	hooks := &fakeHooks{hooks: []*types.Webhook{
		{ID: 10, InstanceID: 1, URL: ok.URL, Events: "message.received", Enabled: true},
		{ID: 11, InstanceID: 1, URL: slow.URL, Events: "*", Enabled: true},
	}}
	history := &fakeHistory{}
	d := NewDispatcher(hooks, history, Options{Timeout: 200 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	recs := d.Trigger(context.Background(), testInstance, types.EventMessageReceived, map[string]string{"text": "hi"})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("trigger took %s, deliveries should run concurrently", elapsed)
	}

	if len(recs) != 2 || len(history.records) != 2 {
		t.Fatalf("records = %d, persisted = %d, want 2 and 2", len(recs), len(history.records))
	}
	m := byWebhook(recs)
	if m[10].Status != types.DeliverySuccess || m[10].StatusCode != 200 {
		t.Errorf("ok endpoint = %s/%d, want success/200", m[10].Status, m[10].StatusCode)
	}
	if m[10].Response != `{"received":true}` {
		t.Errorf("response = %q", m[10].Response)
	}
	if m[11].Status != types.DeliveryTimeout {
		t.Errorf("slow endpoint = %s, want timeout", m[11].Status)
	}
	if m[11].Error == "" {
		t.Error("timeout record should carry an error message")
	}
	if m[10].InstanceID != 1 || m[11].InstanceID != 1 {
		t.Error("records should carry the instance id")
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Event != types.EventMessageReceived || got.InstanceID != "6281234567" || got.Timestamp == "" {
		t.Errorf("envelope = %+v", got)
	}
	if _, err := time.Parse(time.RFC3339Nano, got.Timestamp); err != nil {
		t.Errorf("timestamp %q is not ISO-8601: %v", got.Timestamp, err)
	}
	if gotHeaders.Get("X-Webhook-Event") != types.EventMessageReceived || gotHeaders.Get("X-Webhook-Delivery") == "" {
		t.Errorf("missing delivery headers: %v", gotHeaders)
	}
}

func TestTriggerNon2xxIsFailed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	hooks := &fakeHooks{hooks: []*types.Webhook{
		{ID: 1, InstanceID: 1, URL: srv.URL, Events: "*", Enabled: true},
	}}
	d := NewDispatcher(hooks, &fakeHistory{}, Options{Timeout: time.Second}, zerolog.Nop())

	recs := d.Trigger(context.Background(), testInstance, types.EventMessageSent, nil)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].Status != types.DeliveryFailed || recs[0].StatusCode != 500 {
		t.Errorf("record = %s/%d, want failed/500", recs[0].Status, recs[0].StatusCode)
	}
	if recs[0].Response != "nope\n" {
		t.Errorf("response = %q", recs[0].Response)
	}
}

func TestTriggerConnectionRefusedIsFailed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	hooks := &fakeHooks{hooks: []*types.Webhook{
		{ID: 1, InstanceID: 1, URL: url, Events: "*", Enabled: true},
	}}
	d := NewDispatcher(hooks, &fakeHistory{}, Options{Timeout: time.Second}, zerolog.Nop())

	recs := d.Trigger(context.Background(), testInstance, types.EventConnectionUpdate, nil)
	if len(recs) != 1 || recs[0].Status != types.DeliveryFailed {
		t.Fatalf("records = %+v, want one failed", recs)
	}
}

func TestTriggerRecordFailureDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	hooks := &fakeHooks{hooks: []*types.Webhook{
		{ID: 1, InstanceID: 1, URL: srv.URL, Events: "*", Enabled: true},
		{ID: 2, InstanceID: 1, URL: srv.URL, Events: "*", Enabled: true},
	}}
	d := NewDispatcher(hooks, &fakeHistory{err: errors.New("db down")}, Options{Timeout: time.Second}, zerolog.Nop())

	recs := d.Trigger(context.Background(), testInstance, types.EventMessageSent, nil)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 2 {
		t.Errorf("endpoint hits = %d, want 2", hits)
	}
}

func TestTriggerNoWebhooks(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(&fakeHooks{}, &fakeHistory{}, Options{}, zerolog.Nop())
	if recs := d.Trigger(context.Background(), testInstance, types.EventMessageSent, nil); len(recs) != 0 {
		t.Errorf("records = %d, want 0", len(recs))
	}

	d = NewDispatcher(&fakeHooks{err: errors.New("db down")}, &fakeHistory{}, Options{}, zerolog.Nop())
	if recs := d.Trigger(context.Background(), testInstance, types.EventMessageSent, nil); recs != nil {
		t.Errorf("lookup failure should yield no records, got %d", len(recs))
	}
}

func TestSignatureAndHeaders(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var sig, custom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		sig = r.Header.Get("X-Hub-Signature-256")
		custom = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	hooks := &fakeHooks{hooks: []*types.Webhook{{
		ID: 1, InstanceID: 1, URL: srv.URL, Events: "*", Enabled: true,
		Secret: "s3cret", Headers: "Authorization: Bearer abc\nbroken-line",
	}}}
	d := NewDispatcher(hooks, &fakeHistory{}, Options{Timeout: time.Second}, zerolog.Nop())
	recs := d.Trigger(context.Background(), testInstance, types.EventMessageSent, nil)

	mu.Lock()
	defer mu.Unlock()
	if want := "sha256=" + Sign("s3cret", []byte(recs[0].Payload)); sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}
	if custom != "Bearer abc" {
		t.Errorf("Authorization = %q", custom)
	}
}
