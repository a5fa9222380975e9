package driver

import "time"

type State string

const (
	StateCreated        State = "created"
	StatePublished      State = "published"
	StateAwaitingTaker  State = "awaiting_taker"
	StateTakenConfirmed State = "taken_confirmed"
	StateTimedOut       State = "timed_out"
)

// transitions lists the states reachable from each state. The empty state
// is an order the driver has not seen yet. A timed out take may be started
// over from Created or resolved by a later wait.
var transitions = map[State][]State{
	"":                  {StateCreated},
	StateCreated:        {StatePublished},
	StatePublished:      {StateAwaitingTaker, StateTakenConfirmed, StateTimedOut},
	StateAwaitingTaker:  {StateTakenConfirmed, StateTimedOut},
	StateTimedOut:       {StateCreated, StateTakenConfirmed, StateTimedOut},
	StateTakenConfirmed: nil,
}

func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// StateChange is sent on the driver's feed for every transition.
type StateChange struct {
	OrderID string    `json:"order_id"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	At      time.Time `json:"at"`
}
