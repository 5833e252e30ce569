package consumer

// Outcome is what Handle did with one delivery.
type Outcome int

const (
	// OutcomeCompleted: job updated to COMPLETED and the delivery acknowledged.
	OutcomeCompleted Outcome = iota + 1
	// OutcomeSkipped: job missing or already terminal; acknowledged without a write.
	OutcomeSkipped
	// OutcomeRetry: left unacknowledged so the queue redelivers it.
	OutcomeRetry
	// OutcomeDeadLettered: parked on the dead-letter sink and acknowledged.
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetry:
		return "retry"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}
