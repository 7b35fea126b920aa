package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/oklog/ulid/v2"

	"pilot/internal/config"
	"pilot/internal/events"
)

// Webhook delivery headers.
const (
	HeaderEvent     = "X-Pilot-Event"
	HeaderDelivery  = "X-Pilot-Delivery"
	HeaderSignature = "X-Pilot-Signature"
)

type webhookDispatcher struct {
	hooks  []config.Webhook
	client *http.Client
	logger *log.Logger
}

// WebhookPayload is the JSON body POSTed to each hook.
type WebhookPayload struct {
	DeliveryID string        `json:"deliveryId"`
	Event      string        `json:"event"`
	Change     events.Change `json:"change"`
}

// StartWebhooks delivers every change to the configured hooks until ctx is
// done or the broker closes. It returns immediately when no hook is enabled.
func StartWebhooks(ctx context.Context, broker *events.Broker, hooks []config.Webhook, logger *log.Logger) {
	var enabled []config.Webhook
	for _, h := range hooks {
		if h.IsEnabled() && strings.TrimSpace(h.URL) != "" {
			enabled = append(enabled, h)
		}
	}
	if len(enabled) == 0 || broker == nil {
		return
	}
	if logger == nil {
		logger = log.Default()
	}
	d := &webhookDispatcher{hooks: enabled, client: &http.Client{}, logger: logger}
	sub := broker.Subscribe("")
	go d.run(ctx, sub)
}

func (d *webhookDispatcher) run(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-sub.C():
			if !ok {
				return
			}
			if sub.NeedsResync() {
				d.logger.Printf("webhook: delivery fell behind; some changes were not delivered")
			}
			d.dispatch(ctx, change)
		}
	}
}

func (d *webhookDispatcher) dispatch(ctx context.Context, change events.Change) {
	event := change.Event()
	for _, hook := range d.hooks {
		if !hook.Matches(event) {
			continue
		}
		if err := d.post(ctx, hook, change); err != nil {
			d.logger.Printf("webhook: deliver %s to %s failed: %v", event, hook.URL, err)
		}
	}
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.Webhook, change events.Change) error {
	payload := WebhookPayload{
		DeliveryID: ulid.Make().String(),
		Event:      change.Event(),
		Change:     change,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, hook.Timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, payload.Event)
	req.Header.Set(HeaderDelivery, payload.DeliveryID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(HeaderSignature, Sign(hook.Secret, data))
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the signature header value for body: "sha256=" followed by the
// hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
