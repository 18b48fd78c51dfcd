package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// TokenRegistry maps drivers to their latest device push token.
type TokenRegistry struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{tokens: make(map[string]string)}
}

func (r *TokenRegistry) Register(driverID, token string) {
	if token == "" {
		return
	}
	r.mu.Lock()
	r.tokens[driverID] = token
	r.mu.Unlock()
}

func (r *TokenRegistry) Token(driverID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[driverID]
	return t, ok
}

// FCMNotifier posts data messages to the FCM HTTP v1 send endpoint.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Tokens   *TokenRegistry
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string, tokens *TokenRegistry) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Tokens: tokens, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) NotifyDriver(ctx context.Context, driverID, requestID string, p models.OfferPayload) error {
	token, ok := f.Tokens.Token(driverID)
	if !ok {
		return fmt.Errorf("fcm %s: %w", driverID, ErrNoSession)
	}
	// FCM data values must be strings
	data := map[string]string{
		"type":         "ride_offer",
		"request_id":   requestID,
		"pickup_lat":   strconv.FormatFloat(p.Pickup.Lat, 'f', 6, 64),
		"pickup_lon":   strconv.FormatFloat(p.Pickup.Lon, 'f', 6, 64),
		"distance_m":   strconv.FormatFloat(p.DistanceMeters, 'f', 0, 64),
		"pickup_eta_s": strconv.FormatFloat(p.PickupETASeconds, 'f', 0, 64),
		"deadline":     p.Deadline.UTC().Format(time.RFC3339),
	}
	body := map[string]any{"message": map[string]any{"token": token, "data": data}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
