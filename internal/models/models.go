package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// GeoPoint is a coordinate pair plus a free-text address.
type GeoPoint struct {
	Coord   Coord  `json:"coord"`
	Address string `json:"address"`
}

// VehicleClass is a closed category per deployment; the set of valid classes
// is the key set of the configured fare table.
type VehicleClass string

const (
	ClassCar  VehicleClass = "car"
	ClassMoto VehicleClass = "moto"
	ClassAuto VehicleClass = "auto"
)

// Role of an authenticated actor as asserted by the identity service.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// Actor is an already-authenticated identity attached to every request.
type Actor struct {
	ID   string
	Role Role
}

type Ride struct {
	ID           string       `json:"id"`
	CustomerID   string       `json:"customer_id"`
	DriverID     string       `json:"driver_id,omitempty"` // empty until a driver accepts
	Pickup       GeoPoint     `json:"pickup"`
	Dropoff      GeoPoint     `json:"dropoff"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Status       string       `json:"status"`

	EstimatedFare    float64 `json:"estimated_fare"`
	EstimatedMinutes float64 `json:"estimated_minutes"`
	DistanceKm       float64 `json:"distance_km"` // estimate at creation, actual at completion
	FinalFare        float64 `json:"final_fare"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ArrivedAt *time.Time `json:"arrived_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	CancelReason string `json:"cancellation_reason,omitempty"`
}

// DriverEntry is the registry record for one driver. One entry per driver,
// upsert semantics, never hard-deleted; going offline flips Available.
type DriverEntry struct {
	DriverID     string       `json:"driver_id"`
	Loc          Coord        `json:"loc"`
	Available    bool         `json:"available"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Updated      time.Time    `json:"updated"`
}
