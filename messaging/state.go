package messaging

// State is a step in the life of a single delivery
type State int

const (
	StateDelivered State = iota
	StateProcessing
	StateSucceeded
	StateFailed
	StateRetryScheduled
	StateDeadLettered
	// StateRejected means the loop itself failed and the broker dead-letters the delivery
	StateRejected
	// StateLost means the delivery was acknowledged but its follow-up publish failed
	StateLost
)

func (s State) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateProcessing:
		return "processing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateRetryScheduled:
		return "retry_scheduled"
	case StateDeadLettered:
		return "dead_lettered"
	case StateRejected:
		return "rejected"
	case StateLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition happens for this delivery
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateRetryScheduled, StateDeadLettered, StateRejected, StateLost:
		return true
	default:
		return false
	}
}
