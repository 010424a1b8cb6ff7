/*
Copyright 2024 Giftfleet Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package giftfleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/giftfleet/giftfleet/config"
	"github.com/giftfleet/giftfleet/internal/request"
	"github.com/giftfleet/giftfleet/model"
)

// Outbound order event names delivered to the storefront's webhook endpoint.
const (
	EventOrderCreated    = "order.created"
	EventOrderProcessing = "order.processing"
	EventOrderCompleted  = "order.completed"
	EventOrderFailed     = "order.failed"
	EventOrderCancelled  = "order.cancelled"
	EventOrderExpired    = "order.expired"
	EventOrderReview     = "order.review_required"
)

// OrderEvent is the payload posted to the storefront when an order crosses a
// lifecycle boundary. Only the public projection of the status is included.
type OrderEvent struct {
	EventID   string    `json:"event_id"`
	Event     string    `json:"event"`
	Reference string    `json:"reference"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// emitOrderEvent queues an outbound event. Delivery is asynchronous and
// retried by the webhook queue; emission failures are logged, never allowed
// to fail the pipeline step that triggered them.
func (f *Giftfleet) emitOrderEvent(ctx context.Context, order *model.Order, event string) {
	cfg, err := config.Fetch()
	if err != nil {
		logrus.Error(err)
		return
	}
	if cfg.Notification.Webhook.Url == "" {
		return
	}

	payload := OrderEvent{
		EventID:   model.GenerateUUIDWithSuffix("evt"),
		Event:     event,
		Reference: order.Reference,
		Status:    order.PublicStatus(),
		Timestamp: time.Now(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("failed to marshal order event: %v", err)
		return
	}

	if err := f.queue.EnqueueWebhook(ctx, payload.EventID, data); err != nil {
		logrus.Errorf("failed to enqueue webhook event %s for order %s: %v", event, order.OrderID, err)
	}
}

// ProcessWebhook is the webhook queue worker: it posts the event to the
// configured endpoint and returns an error on any non-2xx response so asynq
// retries the delivery.
func (f *Giftfleet) ProcessWebhook(ctx context.Context, payload []byte) error {
	cfg, err := config.Fetch()
	if err != nil {
		return err
	}
	if cfg.Notification.Webhook.Url == "" {
		return nil
	}

	var event OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}

	body, err := request.ToJsonReq(&event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", cfg.Notification.Webhook.Url, body)
	if err != nil {
		return err
	}
	for key, value := range cfg.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	// An empty or non-JSON response body is fine; only transport failures and
	// non-2xx statuses count against delivery.
	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if resp == nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned %d for event %s", resp.StatusCode, event.EventID)
	}

	logrus.Infof("delivered webhook event %s (%s) for order %s", event.EventID, event.Event, event.Reference)
	return nil
}
