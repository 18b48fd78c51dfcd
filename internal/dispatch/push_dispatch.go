package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Fallback tries each notifier in order and stops at the first success,
// e.g. WebSocket first, then mobile push.
type Fallback []Notifier

func (f Fallback) NotifyDriver(ctx context.Context, driverID, requestID string, p models.OfferPayload) error {
	var errs []error
	for _, n := range f {
		err := n.NotifyDriver(ctx, driverID, requestID, p)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return ErrNoSession
	}
	return errors.Join(errs...)
}

// Broadcast sends to every notifier and succeeds if any delivery did.
// Used for sinks that should always see offers, like the Kafka stream.
type Broadcast []Notifier

func (b Broadcast) NotifyDriver(ctx context.Context, driverID, requestID string, p models.OfferPayload) error {
	var errs []error
	delivered := false
	for _, n := range b {
		if err := n.NotifyDriver(ctx, driverID, requestID, p); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errors.Join(errs...)
}

// WebhookNotifier posts offers to a driver-app backend over HTTP.
type WebhookNotifier struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *WebhookNotifier) NotifyDriver(ctx context.Context, driverID, requestID string, p models.OfferPayload) error {
	b, err := json.Marshal(map[string]any{"driver_id": driverID, "request_id": requestID, "offer": p})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
