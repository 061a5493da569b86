// Package webhook delivers instance events to registered HTTP endpoints and
// records one history row per attempt.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"whatsapp-hub/types"
)

var (
	// ErrDeliveryTimeout is recorded when the endpoint does not answer in time.
	ErrDeliveryTimeout = errors.New("webhook delivery timed out")
	// ErrDeliveryFailed is recorded for transport errors and non-2xx answers.
	ErrDeliveryFailed = errors.New("webhook delivery failed")
)

const maxResponseBody = 1024

var (
	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "whatsapp_hub_webhook_deliveries_total",
		Help: "Webhook delivery attempts by event and outcome",
	}, []string{"event", "status"})
	deliveryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "whatsapp_hub_webhook_delivery_seconds",
		Help:    "Webhook delivery latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
)

// Envelope is the JSON body posted to every endpoint.
type Envelope struct {
	Event      string      `json:"event"`
	Data       interface{} `json:"data"`
	Timestamp  string      `json:"timestamp"`
	InstanceID string      `json:"instanceId"`
}

// Lister resolves the webhooks interested in an event.
type Lister interface {
	GetEnabledWebhooks(ctx context.Context, instanceID int64, event string) ([]*types.Webhook, error)
}

// Recorder persists delivery attempts.
type Recorder interface {
	Create(ctx context.Context, rec *types.WebhookHistory) error
}

type Options struct {
	Timeout        time.Duration
	MaxConcurrency int
	UserAgent      string
}

// Dispatcher performs webhook deliveries. Each endpoint gets exactly one
// attempt per trigger; there are no retries.
type Dispatcher struct {
	hooks   Lister
	history Recorder
	client  *http.Client
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
}

func NewDispatcher(hooks Lister, history Recorder, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 16
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "whatsapp-hub-webhook/1.0"
	}
	return &Dispatcher{
		hooks:   hooks,
		history: history,
		client:  &http.Client{},
		opts:    opts,
		log:     log.With().Str("component", "webhook").Logger(),
		now:     time.Now,
	}
}

// Trigger delivers event to every enabled webhook of the instance and
// returns the recorded attempts. Failures are logged and recorded, never
// returned.
func (d *Dispatcher) Trigger(ctx context.Context, instance *types.Instance, event string, data interface{}) []*types.WebhookHistory {
	hooks, err := d.hooks.GetEnabledWebhooks(ctx, instance.ID, event)
	if err != nil {
		d.log.Error().Err(err).Str("instance", instance.Phone).Str("event", event).Msg("failed to load webhooks")
		return nil
	}
	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(Envelope{
		Event:      event,
		Data:       data,
		Timestamp:  d.now().UTC().Format(time.RFC3339Nano),
		InstanceID: instance.Phone,
	})
	if err != nil {
		d.log.Error().Err(err).Str("instance", instance.Phone).Str("event", event).Msg("failed to encode webhook payload")
		return nil
	}

	p := pool.NewWithResults[*types.WebhookHistory]().WithMaxGoroutines(d.opts.MaxConcurrency)
	for _, hook := range hooks {
		hook := hook
		p.Go(func() *types.WebhookHistory {
			rec := d.deliver(ctx, hook, event, body)
			rec.InstanceID = instance.ID
			// a cancelled trigger context must not lose the record
			if err := d.history.Create(context.WithoutCancel(ctx), rec); err != nil {
				d.log.Error().Err(err).Int64("webhook_id", hook.ID).Str("event", event).Msg("failed to record webhook delivery")
			}
			return rec
		})
	}
	return p.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, hook *types.Webhook, event string, body []byte) *types.WebhookHistory {
	rec := &types.WebhookHistory{
		WebhookID:  hook.ID,
		DeliveryID: uuid.NewString(),
		Event:      event,
		Payload:    string(body),
		Status:     types.DeliveryPending,
	}
	log := d.log.With().Int64("webhook_id", hook.ID).Str("event", event).Str("url", hook.URL).Logger()

	start := d.now()
	status, code, response, err := d.post(ctx, hook, rec.DeliveryID, event, body)
	elapsed := time.Since(start)

	rec.Status = status
	rec.StatusCode = code
	rec.Response = response
	rec.ResponseTime = elapsed.Milliseconds()
	if err != nil {
		rec.Error = err.Error()
		log.Warn().Err(err).Int("status_code", code).Dur("elapsed", elapsed).Msg("webhook delivery failed")
	} else {
		log.Debug().Int("status_code", code).Dur("elapsed", elapsed).Msg("webhook delivered")
	}

	deliveries.WithLabelValues(event, status).Inc()
	deliveryLatency.WithLabelValues(status).Observe(elapsed.Seconds())
	return rec
}

func (d *Dispatcher) post(ctx context.Context, hook *types.Webhook, deliveryID, event string, body []byte) (status string, code int, response string, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return types.DeliveryFailed, 0, "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Delivery", deliveryID)
	for k, v := range ParseHeaders(hook.Headers) {
		req.Header.Set(k, v)
	}
	if hook.Secret != "" {
		req.Header.Set("X-Hub-Signature-256", "sha256="+Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return types.DeliveryTimeout, 0, "", fmt.Errorf("%w after %s", ErrDeliveryTimeout, d.opts.Timeout)
		}
		return types.DeliveryFailed, 0, "", fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if readErr != nil && isTimeout(ctx, readErr) {
		return types.DeliveryTimeout, resp.StatusCode, "", fmt.Errorf("%w while reading response", ErrDeliveryTimeout)
	}
	response = string(raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return types.DeliveryFailed, resp.StatusCode, response, fmt.Errorf("%w: status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return types.DeliverySuccess, resp.StatusCode, response, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseHeaders reads "Key: value" pairs separated by newlines.
func ParseHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" {
			headers[k] = v
		}
	}
	return headers
}
