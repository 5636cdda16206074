package models

// Status is the backend-owned request state. It only ever advances; the
// conditional update in the store is what enforces that.
type Status string

const (
	StatusCreated     Status = "created"
	StatusSearching   Status = "searching"
	StatusAssigned    Status = "assigned"
	StatusOTPVerified Status = "otp_verified"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusMissed      Status = "missed"
)

var statusOrder = map[Status]int{
	StatusCreated:     0,
	StatusSearching:   1,
	StatusAssigned:    2,
	StatusOTPVerified: 3,
	StatusInProgress:  4,
	StatusCompleted:   5,
}

func (s Status) Valid() bool {
	if _, ok := statusOrder[s]; ok {
		return true
	}
	return s == StatusCancelled || s == StatusMissed
}

// Terminal statuses end the request's active life; the record is kept
// for history but no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusMissed
}

// CanTransition reports whether from -> to is a legal advance.
// Cancel is valid from any non-terminal state; missed only from
// searching. Everything else walks the main chain one step at a time.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StatusCancelled:
		return true
	case StatusMissed:
		return from == StatusSearching
	}
	fo, ok1 := statusOrder[from]
	to2, ok2 := statusOrder[to]
	if !ok1 || !ok2 {
		return false
	}
	return to2 == fo+1
}

// Active reports whether the request should still hold an assignment
// mirror in the signaling store.
func (s Status) Active() bool {
	switch s {
	case StatusAssigned, StatusOTPVerified, StatusInProgress:
		return true
	}
	return false
}
