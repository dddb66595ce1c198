package diag

// Message is one frame pushed to WebSocket subscribers.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Frame types. Hello carries a full Snapshot so late subscribers start
// from current state instead of an empty screen.
const (
	TypeHello     = "hello"
	TypeReconcile = "reconcile_result"
	TypeExecution = "execution"
	TypeUnwind    = "unwind_report"
	TypeVenueTrip = "venue_trip"
)

// NewReconcileMessage wraps a reconciliation pass result.
func NewReconcileMessage(data any) Message {
	return Message{Type: TypeReconcile, Data: data}
}

// NewExecutionMessage wraps a hedged execution outcome.
func NewExecutionMessage(data any) Message {
	return Message{Type: TypeExecution, Data: data}
}

// NewUnwindMessage wraps an unwind report.
func NewUnwindMessage(data any) Message {
	return Message{Type: TypeUnwind, Data: data}
}

// NewVenueTripMessage wraps a trip switch transition.
func NewVenueTripMessage(data any) Message {
	return Message{Type: TypeVenueTrip, Data: data}
}
