package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/skinsettle/internal/idgen"
	"github.com/mbd888/skinsettle/internal/metrics"
	"github.com/mbd888/skinsettle/internal/retry"
	"github.com/mbd888/skinsettle/internal/security"
	"github.com/mbd888/skinsettle/internal/settlement"
)

const (
	HeaderEvent     = "X-Skinsettle-Event"
	HeaderTimestamp = "X-Skinsettle-Timestamp"
	HeaderSignature = "X-Skinsettle-Signature"
	HeaderDelivery  = "X-Skinsettle-Delivery"

	// DefaultMaxFailures deactivates a subscription after this many
	// consecutive failed deliveries.
	DefaultMaxFailures = 10

	queueSize = 1024
)

// Config tunes a Dispatcher.
type Config struct {
	Workers     int
	Timeout     time.Duration
	Retry       retry.Policy
	MaxFailures int
	Endpoints   security.EndpointPolicy
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = retry.Policy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	return c
}

// Dispatcher sends settlement events to subscribed endpoints. It is a
// settlement.Notifier: events are queued and delivered by workers.
type Dispatcher struct {
	store  Store
	cfg    Config
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	queue chan settlement.Event
	wg    sync.WaitGroup
	// subscription updates are read-modify-write
	subMu sync.Mutex
}

var _ settlement.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
		now:    time.Now,
		queue:  make(chan settlement.Event, queueSize),
	}
}

// WithHTTPClient replaces the HTTP client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithClock sets the time source.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start runs the delivery workers until ctx is cancelled. Queued events are
// drained before the workers exit.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case ev := <-d.queue:
					d.Dispatch(ctx, ev)
				case <-ctx.Done():
					d.drain()
					return
				}
			}
		}()
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.Dispatch(ctx, ev)
		default:
			return
		}
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// NotifySettlement queues ev for delivery without blocking.
func (d *Dispatcher) NotifySettlement(_ context.Context, ev settlement.Event) {
	select {
	case d.queue <- ev:
	default:
		metrics.WebhookDeliveriesTotal.WithLabelValues("dropped").Inc()
		d.logger.Warn("webhook queue full, dropping event", "type", ev.Type)
	}
}

// Dispatch delivers ev to every matching subscription and waits for the
// deliveries to finish.
func (d *Dispatcher) Dispatch(ctx context.Context, ev settlement.Event) {
	subs, err := d.store.ListActive(ctx)
	if err != nil {
		d.logger.Error("failed to list webhook subscriptions", "error", err)
		return
	}

	payload, err := json.Marshal(Payload{
		ID:         idgen.WithPrefix("evt_"),
		Type:       ev.Type,
		Timestamp:  ev.Timestamp.UTC(),
		Settlement: ev.Settlement,
	})
	if err != nil {
		d.logger.Error("failed to encode webhook payload", "type", ev.Type, "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.Wants(&ev) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d.deliver(ctx, sub, ev.Type, payload)
		}(sub)
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, eventType string, payload []byte) {
	deliveryID := idgen.WithPrefix("dlv_")
	err := retry.DoPolicy(ctx, d.cfg.Retry, func() error {
		return d.send(ctx, sub, eventType, deliveryID, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
		d.logger.Warn("webhook delivery failed", "webhookId", sub.ID, "type", eventType, "error", err)
		d.recordFailure(ctx, sub.ID, err.Error())
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	d.recordSuccess(ctx, sub.ID)
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, eventType, deliveryID string, payload []byte) error {
	// Resolve on every attempt; DNS may have changed since registration.
	if err := d.cfg.Endpoints.Validate(ctx, sub.URL); err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "skinsettle-webhooks/1")
	req.Header.Set(HeaderEvent, eventType)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderDelivery, deliveryID)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return retry.After(fmt.Errorf("status %d", resp.StatusCode), time.Duration(secs)*time.Second)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for a delivery.
func Sign(secret, timestamp string, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(secret, timestamp string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, payload)), []byte(signature))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, id string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return
	}
	now := d.now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook success", "webhookId", id, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, id, msg string) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	sub, err := d.store.Get(ctx, id)
	if err != nil {
		return
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= d.cfg.MaxFailures && sub.Active {
		sub.Active = false
		d.logger.Warn("webhook deactivated after repeated failures", "webhookId", id, "failures", sub.ConsecutiveFailures)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook failure", "webhookId", id, "error", err)
	}
}
