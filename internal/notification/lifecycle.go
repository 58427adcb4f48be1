// internal/notification/lifecycle.go

package notification

// transitions lists the statuses reachable from each status
var transitions = map[Status][]Status{
	StatusPending:   {StatusSending, StatusCancelled, StatusSkipped, StatusFailed, StatusBounced},
	StatusSending:   {StatusSent, StatusFailed, StatusPending, StatusBounced, StatusCancelled},
	StatusSent:      {StatusDelivered, StatusBounced, StatusCancelled},
	StatusDelivered: {StatusOpened, StatusClicked},
	StatusOpened:    {StatusClicked},
	StatusFailed:    {StatusPending, StatusCancelled},
	StatusCancelled: {StatusPending},
}

// CanTransition reports whether a notification may move from one status to another
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// settledOutcome maps a status to the batch counter it folds into, if any
func settledOutcome(s Status) (Status, bool) {
	switch s {
	case StatusSent, StatusDelivered, StatusOpened, StatusClicked:
		return StatusSent, true
	case StatusFailed, StatusBounced:
		return StatusFailed, true
	case StatusSkipped, StatusCancelled:
		return StatusSkipped, true
	}
	return "", false
}
