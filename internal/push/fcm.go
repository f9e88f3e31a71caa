package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/notify"
)

// FCMPusher posts offers to an FCM HTTPv1-style endpoint.
type FCMPusher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMPusher(endpoint, key string) *FCMPusher {
	return &FCMPusher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMPusher) Offer(driverID string, offer notify.RideOffer) error {
	body := map[string]interface{}{"message": map[string]interface{}{
		"token": driverID,
		"data":  map[string]interface{}{"ride_id": offer.RideID, "offer": offer},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, f.Endpoint, bytes.NewReader(b))
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
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm push status %d", resp.StatusCode)
	}
	return nil
}

// Fanout tries the WebSocket session first and falls back to HTTP push.
type Fanout struct {
	WS   *WSRegistry
	HTTP Pusher // optional
}

func (p *Fanout) Offer(driverID string, offer notify.RideOffer) error {
	if p.WS != nil {
		if err := p.WS.Offer(driverID, offer); err == nil {
			return nil
		}
	}
	if p.HTTP != nil {
		return p.HTTP.Offer(driverID, offer)
	}
	return ErrNoSession
}
