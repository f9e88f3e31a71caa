// Package notify publishes lifecycle and match events to external consumers.
// Publication is best-effort: the lifecycle store is the source of truth and
// downstream apps are expected to poll on loss.
package notify

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Topics consumed by the customer app, driver app and payment collector.
const (
	TopicRideRequestNew          = "ride_request_new"
	TopicRideStatusUpdate        = "ride_status_update"
	TopicRideCompletedForPayment = "ride_completed_for_payment"
	TopicDriverLocationUpdated   = "driver_location_updated"
)

// Publisher is the fire-and-forget event sink. Messages with the same key
// are best-effort FIFO per the underlying broker; ordering across topics is
// not guaranteed.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
	Close() error
}

// RideOffer is sent on ride_request_new, keyed by candidate driver ID.
type RideOffer struct {
	RideID           string              `json:"ride_id"`
	CustomerID       string              `json:"customer_id"`
	Pickup           models.GeoPoint     `json:"pickup"`
	Dropoff          models.GeoPoint     `json:"dropoff"`
	VehicleClass     models.VehicleClass `json:"vehicle_class"`
	EstimatedFare    float64             `json:"estimated_fare"`
	EstimatedMinutes float64             `json:"estimated_minutes"`
}

// StatusUpdate is sent on ride_status_update, keyed by the receiving party.
type StatusUpdate struct {
	RideID       string       `json:"ride_id"`
	CustomerID   string       `json:"customer_id"`
	DriverID     string       `json:"driver_id,omitempty"`
	Status       string       `json:"status"`
	Fare         float64      `json:"fare,omitempty"`
	DistanceKm   float64      `json:"distance_km,omitempty"`
	DriverLoc    *models.Coord `json:"driver_location,omitempty"`
	CancelReason string       `json:"cancellation_reason,omitempty"`
	CancelledBy  string       `json:"cancelled_by,omitempty"`
	Message      string       `json:"message,omitempty"`
}

// PaymentDue is sent on ride_completed_for_payment, keyed by ride ID.
type PaymentDue struct {
	RideID     string  `json:"ride_id"`
	CustomerID string  `json:"customer_id"`
	DriverID   string  `json:"driver_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
}

// LocationUpdate is sent on driver_location_updated, keyed by driver ID.
type LocationUpdate struct {
	DriverID     string              `json:"driver_id"`
	Loc          models.Coord        `json:"loc"`
	Available    bool                `json:"available"`
	VehicleClass models.VehicleClass `json:"vehicle_class"`
}
