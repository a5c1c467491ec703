package bridge

import "fmt"

// State is the state of the bridge state machine:
//
//	Idle -> ISR -> Draining -> Idle
//	                Draining -> ReschedulePending -> Draining
//
// Any state moves to Closed on [Bridge.Close].
type State int

const (
	StateIdle State = iota
	StateISR
	StateDraining
	StateReschedulePending
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateISR:
		return "isr"
	case StateDraining:
		return "draining"
	case StateReschedulePending:
		return "reschedule_pending"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}
