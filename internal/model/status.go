package model

// Status is the local lifecycle state of a generation
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusTextSuccess  Status = "text_success"
	StatusFirstSuccess Status = "first_success"
	StatusSuccess      Status = "success"
	StatusError        Status = "error"
)

// NonTerminalStatuses lists every status a generation can still leave
var NonTerminalStatuses = []Status{
	StatusPending, StatusProcessing, StatusTextSuccess, StatusFirstSuccess,
}

// rank orders the happy path. Error has no rank; it is reachable from any
// non-terminal status.
var statusRank = map[Status]int{
	StatusPending:      0,
	StatusProcessing:   1,
	StatusTextSuccess:  2,
	StatusFirstSuccess: 3,
	StatusSuccess:      4,
}

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	if s == StatusError {
		return true
	}
	_, ok := statusRank[s]
	return ok
}

// IsTerminal reports whether no further transitions are allowed
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// IsGenerating reports whether the provider is still working on the job
func (s Status) IsGenerating() bool {
	return s.Valid() && !s.IsTerminal()
}

// CanTransitionTo reports whether moving from s to next keeps the state
// machine moving forward. Re-writing the same non-terminal status is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() || !next.Valid() {
		return false
	}
	if next == StatusError {
		return true
	}
	return statusRank[next] >= statusRank[s]
}

// Label returns the human readable status shown to users
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusProcessing:
		return "Processing"
	case StatusTextSuccess:
		return "Generating audio..."
	case StatusFirstSuccess:
		return "Finishing up..."
	case StatusSuccess:
		return "Complete"
	case StatusError:
		return "Failed"
	}
	return string(s)
}

// Live event types
type EventType string

const (
	EventGenerationUpdate   EventType = "generation_update"
	EventGenerationComplete EventType = "generation_complete"
	EventGenerationError    EventType = "generation_error"
)

// Error messages persisted by the core
const (
	MessageTimedOut          = "Generation timed out"
	MessageInterruptedCreate = "Generation interrupted before task creation"
)
