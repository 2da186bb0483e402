package payment

// Status defines payment processing states
type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusProcessing Status = "PROCESSING"
	StatusHold       Status = "HOLD"
	StatusCompleted  Status = "COMPLETED"
	StatusReversed   Status = "REVERSED"
	StatusFailed     Status = "FAILED"
)

// transitions encodes the status DAG. Terminal states accept no further
// transitions here; whether a late webhook may overwrite one is decided by
// the staleness guard, not by this table.
var transitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusProcessing: true,
		StatusHold:       true,
		StatusCompleted:  true,
		StatusReversed:   true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusHold:      true,
		StatusCompleted: true,
		StatusReversed:  true,
		StatusFailed:    true,
	},
	StatusHold: {
		StatusCompleted: true,
		StatusReversed:  true,
		StatusFailed:    true,
	},
}

// CanTransition reports whether moving from one status to another follows
// the DAG
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// IsTerminal reports whether a status ends the payment lifecycle. Terminal
// statuses win equal-timestamp webhook ties in the staleness guard.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusReversed, StatusFailed:
		return true
	}
	return false
}
