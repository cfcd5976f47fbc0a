package checkout

// State is a step of the commit state machine.
type State string

const (
	StatePreviewOnly      State = "PREVIEW_ONLY"
	StateCommitting       State = "COMMITTING"
	StateReserved         State = "RESERVED"
	StatePersisted        State = "PERSISTED"
	StatePaymentInitiated State = "PAYMENT_INITIATED"
	StatePaid             State = "PAID"
	StatePaymentFailed    State = "PAYMENT_FAILED"
)

// Order event topics written to the outbox.
const (
	EventOrderPlaced    = "order.placed"
	EventOrderPaid      = "order.paid"
	EventOrderCancelled = "order.cancelled"
)
