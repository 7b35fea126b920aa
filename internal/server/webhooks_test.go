package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pilot/internal/config"
	"pilot/internal/events"
)

type delivery struct {
	header http.Header
	body   []byte
}

func TestWebhooksDeliverMatchingChanges(t *testing.T) {
	received := make(chan delivery, 4)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- delivery{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	broker := events.NewBroker()
	defer broker.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartWebhooks(ctx, broker, []config.Webhook{{URL: hook.URL, Events: []string{"task.*"}, Secret: "s3cret"}}, nil)

	broker.Publish(events.Change{Kind: events.Created, Entity: events.EntityAgent, ID: "a1", UserID: "u1"})
	broker.Publish(events.Change{Kind: events.Updated, Entity: events.EntityTask, ID: "t1", UserID: "u1"})

	var got delivery
	select {
	case got = <-received:
	case <-time.After(5 * time.Second):
		t.Fatalf("no webhook delivered")
	}
	if got.header.Get(HeaderEvent) != "task.updated" {
		t.Fatalf("expected task.updated, got %q", got.header.Get(HeaderEvent))
	}
	if got.header.Get(HeaderSignature) != Sign("s3cret", got.body) {
		t.Fatalf("signature mismatch")
	}
	var payload WebhookPayload
	if err := json.Unmarshal(got.body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Change.ID != "t1" || payload.DeliveryID == "" || payload.DeliveryID != got.header.Get(HeaderDelivery) {
		t.Fatalf("unexpected payload %+v", payload)
	}
	select {
	case extra := <-received:
		t.Fatalf("unexpected delivery %s", extra.header.Get(HeaderEvent))
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartWebhooksSkipsDisabledHooks(t *testing.T) {
	broker := events.NewBroker()
	defer broker.Close()
	off := false
	StartWebhooks(context.Background(), broker, []config.Webhook{{URL: "http://127.0.0.1:1", Enabled: &off}, {URL: "  "}}, nil)
	if broker.Len() != 0 {
		t.Fatalf("expected no subscription, got %d", broker.Len())
	}
}

func TestSign(t *testing.T) {
	// printf '{}' | openssl dgst -sha256 -hmac key
	want := "sha256=a777724d943eb48dc69bca8a4a6d57a04db3f9ec7e1de4e581e860265bdf3032"
	if got := Sign("key", []byte("{}")); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if Sign("other", []byte("{}")) == want {
		t.Fatalf("signature must depend on the secret")
	}
}
