package types

// ═══════════════════════════════════════════════════════════════════════════════
// STATUS ENUMS - Closed sets, every switch below is exhaustive
// ═══════════════════════════════════════════════════════════════════════════════

// SignalStatus is the lifecycle state of a Signal
type SignalStatus string

const (
	SignalCreated     SignalStatus = "CREATED"     // Persisted, not yet announced
	SignalWaiting     SignalStatus = "WAITING"     // Announced, thread attached, monitored
	SignalTP1Hit      SignalStatus = "TP1_HIT"     // First target reached
	SignalTP2Hit      SignalStatus = "TP2_HIT"     // Second target reached, runner phase
	SignalTP3Hit      SignalStatus = "TP3_HIT"     // Final target reached (terminal)
	SignalInvalidated SignalStatus = "INVALIDATED" // Stop breach, hard sell or failed admission (terminal)
	SignalExpired     SignalStatus = "EXPIRED"     // Validity elapsed unfilled (terminal)
)

// AllSignalStatuses lists every SignalStatus in lifecycle order
var AllSignalStatuses = []SignalStatus{
	SignalCreated, SignalWaiting, SignalTP1Hit, SignalTP2Hit,
	SignalTP3Hit, SignalInvalidated, SignalExpired,
}

// ExitStatuses are the statuses the cooldown gate treats as a prior exit
var ExitStatuses = []SignalStatus{SignalTP1Hit, SignalTP2Hit, SignalTP3Hit, SignalInvalidated}

// ActiveStatuses are the statuses evaluated on every run
var ActiveStatuses = []SignalStatus{SignalWaiting, SignalTP1Hit, SignalTP2Hit}

// Valid reports whether s is a known status
func (s SignalStatus) Valid() bool {
	switch s {
	case SignalCreated, SignalWaiting, SignalTP1Hit, SignalTP2Hit,
		SignalTP3Hit, SignalInvalidated, SignalExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s SignalStatus) IsTerminal() bool {
	switch s {
	case SignalTP3Hit, SignalInvalidated, SignalExpired:
		return true
	case SignalCreated, SignalWaiting, SignalTP1Hit, SignalTP2Hit:
		return false
	}
	return false
}

// IsExit reports whether s counts as a prior exit for cooldown purposes
func (s SignalStatus) IsExit() bool {
	switch s {
	case SignalTP1Hit, SignalTP2Hit, SignalTP3Hit, SignalInvalidated:
		return true
	case SignalCreated, SignalWaiting, SignalExpired:
		return false
	}
	return false
}

// CanTransitionTo reports whether s -> next is a legal lifecycle edge
func (s SignalStatus) CanTransitionTo(next SignalStatus) bool {
	switch s {
	case SignalCreated:
		return next == SignalWaiting || next == SignalInvalidated
	case SignalWaiting:
		return next == SignalTP1Hit || next == SignalInvalidated || next == SignalExpired
	case SignalTP1Hit:
		return next == SignalTP2Hit || next == SignalInvalidated
	case SignalTP2Hit:
		return next == SignalTP3Hit || next == SignalInvalidated
	case SignalTP3Hit, SignalInvalidated, SignalExpired:
		return false
	}
	return false
}

// NextTarget returns the take-profit level reachable from s
func (s SignalStatus) NextTarget() (SignalStatus, bool) {
	switch s {
	case SignalWaiting:
		return SignalTP1Hit, true
	case SignalTP1Hit:
		return SignalTP2Hit, true
	case SignalTP2Hit:
		return SignalTP3Hit, true
	case SignalCreated, SignalTP3Hit, SignalInvalidated, SignalExpired:
		return "", false
	}
	return "", false
}

// PositionStatus is the state of broker-side capital
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Valid reports whether s is a known status
func (s PositionStatus) Valid() bool {
	switch s {
	case PositionOpen, PositionClosed:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> next is legal
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	switch s {
	case PositionOpen:
		return next == PositionOpen || next == PositionClosed
	case PositionClosed:
		// Closed positions only take fill price amendments
		return next == PositionClosed
	}
	return false
}

// TradeType classifies how a signal was (or was not) acted upon
type TradeType string

const (
	TradeExecuted    TradeType = "executed"    // Real broker order placed
	TradeFiltered    TradeType = "filtered"    // Rejected before the state machine
	TradeTheoretical TradeType = "theoretical" // Recorded for analysis only, no broker order
)

// Side is the trade direction
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Valid reports whether s is LONG or SHORT
func (s Side) Valid() bool {
	switch s {
	case SideLong, SideShort:
		return true
	}
	return false
}

// Exit reasons shared across packages
const (
	ReasonNotificationFailed = "notification failed"
	ReasonFinalizeFailed     = "finalize failed"
	ReasonClosedExternally   = "closed externally"
	ReasonStopHit            = "stop hit"
	ReasonStructuralStop     = "structural stop breach"
	ReasonMomentumExhaustion = "hard sell: momentum exhaustion"
	ReasonDivergence         = "hard sell: divergence"
	ReasonExpired            = "validity elapsed"
	ReasonScaledOut          = "fully scaled out"
	ReasonTargetReached      = "final target reached"
	ReasonInvalidated        = "signal invalidated"
)
