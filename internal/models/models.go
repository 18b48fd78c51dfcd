package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// VehicleClass is the product tier a rider asked for (e.g. "economy").
type VehicleClass string

// Driver is a location update coming from a driver device.
type Driver struct {
	ID           string       `json:"id"`
	Loc          Coord        `json:"loc"`
	VehicleClass VehicleClass `json:"vehicle_class"`
	Online       bool         `json:"online"`
	Updated      time.Time    `json:"updated"`
	// PushToken is the device token used for mobile push, when the app sends one.
	PushToken string `json:"push_token,omitempty"`
}

// DriverCandidate is a read-only snapshot returned by a geo index query.
// Locations may be stale.
type DriverCandidate struct {
	ID             string       `json:"id"`
	Location       Coord        `json:"location"`
	VehicleClass   VehicleClass `json:"vehicle_class"`
	DistanceMeters float64      `json:"distance_m"`
}

type RideRequest struct {
	ID                 string       `json:"id"`
	RiderID            string       `json:"rider_id"`
	Pickup             Coord        `json:"pickup"`
	Dropoff            Coord        `json:"dropoff"`
	VehicleClass       VehicleClass `json:"vehicle_class"`
	Status             Status       `json:"status"`
	AssignedDriverID   string       `json:"assigned_driver_id,omitempty"`
	ExcludedDriverIDs  []string     `json:"excluded_driver_ids"`
	SearchRadiusMeters float64      `json:"search_radius_m"`
	ScheduledTime      *time.Time   `json:"scheduled_time,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the exclusion slice.
func (r *RideRequest) Clone() *RideRequest {
	cp := *r
	cp.ExcludedDriverIDs = append([]string(nil), r.ExcludedDriverIDs...)
	if r.ScheduledTime != nil {
		t := *r.ScheduledTime
		cp.ScheduledTime = &t
	}
	return &cp
}

// IsScheduledAfter reports whether the request is future-dated relative to now.
func (r *RideRequest) IsScheduledAfter(now time.Time) bool {
	return r.ScheduledTime != nil && r.ScheduledTime.After(now)
}

// Offer is one driver-directed proposal. It only lives as long as the
// dispatch loop that created it.
type Offer struct {
	RequestID string       `json:"request_id"`
	DriverID  string       `json:"driver_id"`
	SentAt    time.Time    `json:"sent_at"`
	Deadline  time.Time    `json:"deadline"`
	Outcome   OfferOutcome `json:"outcome"`
	// AcceptedBy is set when the outcome is accepted or superseded.
	AcceptedBy string `json:"accepted_by,omitempty"`
}

// OfferPayload is what a driver's device receives for an offer.
type OfferPayload struct {
	RequestID        string       `json:"request_id"`
	DriverID         string       `json:"driver_id"`
	Pickup           Coord        `json:"pickup"`
	Dropoff          Coord        `json:"dropoff"`
	VehicleClass     VehicleClass `json:"vehicle_class"`
	DistanceMeters   float64      `json:"distance_m"`
	PickupETASeconds float64      `json:"pickup_eta_s"`
	Deadline         time.Time    `json:"deadline"`
}

type OfferOutcome string

const (
	OfferPending    OfferOutcome = "pending"
	OfferAccepted   OfferOutcome = "accepted"
	OfferRejected   OfferOutcome = "rejected"
	OfferTimedOut   OfferOutcome = "timed_out"
	OfferSuperseded OfferOutcome = "superseded"
	OfferAborted    OfferOutcome = "aborted"
)

type TerminalKind string

const (
	TerminalAssigned      TerminalKind = "assigned"
	TerminalNoDriverFound TerminalKind = "no_driver_found"
	TerminalCanceled      TerminalKind = "canceled"
)

// TerminalOutcome is what a dispatch loop reports once it stops.
type TerminalOutcome struct {
	Kind     TerminalKind `json:"kind"`
	DriverID string       `json:"driver_id,omitempty"`
	// Superseded is true when the assignment came from an acceptance other
	// than the offer the loop was waiting on.
	Superseded bool `json:"superseded,omitempty"`
}

func AssignedDriver(id string) TerminalOutcome {
	return TerminalOutcome{Kind: TerminalAssigned, DriverID: id}
}

func NoDriverFound() TerminalOutcome { return TerminalOutcome{Kind: TerminalNoDriverFound} }

func Canceled() TerminalOutcome { return TerminalOutcome{Kind: TerminalCanceled} }
