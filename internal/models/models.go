package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Location struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

type ServiceType string

const (
	ServiceRoadAssistance ServiceType = "road-assistance"
	ServiceTiresAndWheels ServiceType = "tires-and-wheels"
	ServiceTowing         ServiceType = "towing"
)

func (s ServiceType) Valid() bool {
	switch s {
	case ServiceRoadAssistance, ServiceTiresAndWheels, ServiceTowing:
		return true
	}
	return false
}

// Request is the authoritative unit of work, owned by the backend.
// Clients never mutate Status directly, only request transitions.
type Request struct {
	ID          string      `json:"id"`
	CustomerID  string      `json:"customer_id"`
	VehicleID   string      `json:"vehicle_id"`
	ServiceType ServiceType `json:"service_type"`
	Location    Location    `json:"location"`
	Status      Status      `json:"status"`
	MasterID    string      `json:"master_id,omitempty"`
	DistanceKm  float64     `json:"distance_km,omitempty"`
	Amount      float64     `json:"amount"`
	OTP         string      `json:"-"` // held server-side, sent out-of-band
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// MasterProfile is the public slice of a master surfaced to customers
// through the assignment mirror.
type MasterProfile struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Phone  string  `json:"phone"`
	Rating float64 `json:"rating"` // 0..5
}

// Assignment is the shared-store projection of "who is working this
// request now". Exactly one per active request.
type Assignment struct {
	RequestID  string        `json:"request_id"`
	Master     MasterProfile `json:"master"`
	Status     Status        `json:"status"`
	Location   Location      `json:"location"`
	DistanceKm float64       `json:"distance_km"`
	AssignedAt time.Time     `json:"assigned_at"`
}

// Presence is a master's ephemeral on-duty record. No history retained.
type Presence struct {
	MasterID string    `json:"master_id"`
	Active   bool      `json:"active"`
	Loc      Coord     `json:"loc"`
	Updated  time.Time `json:"updated"`
}

// Stale reports whether the presence heartbeat is older than maxAge.
func (p Presence) Stale(maxAge time.Duration) bool {
	return time.Since(p.Updated) > maxAge
}

// Signal is the per-(master, request) fan-out artifact: an offer
// snapshot written by the backend, consumed by the master's listener.
// Advisory only; the assign call re-validates everything.
type Signal struct {
	MasterID    string      `json:"master_id"`
	RequestID   string      `json:"request_id"`
	ServiceType ServiceType `json:"service_type"`
	Location    Location    `json:"location"`
	DistanceKm  float64     `json:"distance_km"`
	Amount      float64     `json:"amount"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Heartbeat is a master location sample published while on duty.
type Heartbeat struct {
	MasterID string    `json:"master_id"`
	Active   bool      `json:"active"`
	Loc      Coord     `json:"loc"`
	SentAt   time.Time `json:"sent_at"`
}

// Rating submitted by either party after completion.
type Rating struct {
	RequestID string `json:"request_id"`
	Role      string `json:"role"` // "customer" or "master"
	Rating    int    `json:"rating"`
	Feedback  string `json:"feedback,omitempty"`
}
