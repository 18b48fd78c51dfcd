package models

type Status string

const (
	StatusCreated   Status = "created"
	StatusSearching Status = "searching"
	// StatusOfferPending is accepted on the wire but never written by the
	// dispatcher: the outstanding offer is local to the loop.
	StatusOfferPending Status = "offer_pending"
	StatusAccepted     Status = "accepted"
	StatusCanceled     Status = "canceled"
	StatusExpired      Status = "expired"
)

// IsTerminal reports whether no further status writes are allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// AllowedTransitions is the request lifecycle as data.
var AllowedTransitions = map[Status][]Status{
	StatusCreated:   {StatusSearching, StatusCanceled},
	StatusSearching: {StatusAccepted, StatusCanceled, StatusExpired},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome maps a settled status onto the loop's terminal outcome. ok is false
// for non-terminal statuses.
func (r *RideRequest) Outcome() (TerminalOutcome, bool) {
	switch r.Status {
	case StatusAccepted:
		return AssignedDriver(r.AssignedDriverID), true
	case StatusCanceled:
		return Canceled(), true
	case StatusExpired:
		return NoDriverFound(), true
	}
	return TerminalOutcome{}, false
}
