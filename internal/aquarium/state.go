// Package aquarium decides, per partition version, whether this member is
// bootstrapping, leading, following or expunged. Every member publishes a
// current waterline (what it is) and a desired waterline (what the ring wants
// it to be); the other members acknowledge both, and a waterline acknowledged
// by a quorum is settled.
package aquarium

import "fmt"

// State is a member's role for one partition version.
type State byte

const (
	Bootstrap State = iota + 1
	Inactive
	Nominated
	Leader
	Follower
	Demoted
	Expunged
)

func (s State) String() string {
	switch s {
	case Bootstrap:
		return "bootstrap"
	case Inactive:
		return "inactive"
	case Nominated:
		return "nominated"
	case Leader:
		return "leader"
	case Follower:
		return "follower"
	case Demoted:
		return "demoted"
	case Expunged:
		return "expunged"
	default:
		return fmt.Sprintf("state(%d)", byte(s))
	}
}

// StateFromByte is the inverse of byte(s).
func StateFromByte(b byte) (State, bool) {
	s := State(b)
	if s < Bootstrap || s > Expunged {
		return 0, false
	}
	return s, true
}

// Transistor moves the current waterline one step towards the desired one and
// reports whether anything was written.
type Transistor func(t *tx) (bool, error)

// Transistor returns the transition function for s.
func (s State) Transistor() Transistor {
	switch s {
	case Bootstrap:
		return bootstrap
	case Inactive:
		return inactive
	case Nominated:
		return nominated
	case Leader:
		return leader
	case Follower:
		return follower
	case Demoted:
		return demoted
	default:
		return terminal
	}
}

func bootstrap(t *tx) (bool, error) {
	if t.desired == nil {
		if err := t.elect(); err != nil {
			return false, err
		}
	}
	return true, t.transitionCurrent(Inactive, t.nextID())
}

func inactive(t *tx) (bool, error) {
	if t.desired == nil {
		return true, t.elect()
	}
	if !t.desired.AtQuorum {
		return false, nil
	}
	l, err := t.desiredLeader()
	if err != nil {
		return false, err
	}
	switch t.desired.State {
	case Leader:
		if l != nil && l.Member != t.member {
			return true, t.setDesired(Follower, t.nextID())
		}
		return true, t.transitionCurrent(Nominated, t.desired.Timestamp)
	case Follower:
		if l == nil {
			return t.reelect()
		}
		return true, t.transitionCurrent(Follower, t.desired.Timestamp)
	}
	return false, nil
}

func nominated(t *tx) (bool, error) {
	if !t.desiredIs(Leader) {
		return true, t.transitionCurrent(Inactive, t.nextID())
	}
	l, err := t.desiredLeader()
	if err != nil {
		return false, err
	}
	if l != nil && l.Member != t.member {
		if err := t.setDesired(Follower, t.nextID()); err != nil {
			return false, err
		}
		return true, t.transitionCurrent(Inactive, t.nextID())
	}
	if !t.current.AtQuorum || !t.desired.AtQuorum {
		return false, nil
	}
	other, err := t.otherCurrentLeader()
	if err != nil || other {
		return false, err
	}
	return true, t.transitionCurrent(Leader, t.desired.Timestamp)
}

func leader(t *tx) (bool, error) {
	if !t.desiredIs(Leader) {
		return true, t.transitionCurrent(Demoted, t.nextID())
	}
	l, err := t.desiredLeader()
	if err != nil {
		return false, err
	}
	if l != nil && l.Member != t.member {
		if err := t.setDesired(Follower, t.nextID()); err != nil {
			return false, err
		}
		return true, t.transitionCurrent(Demoted, t.nextID())
	}
	return false, nil
}

func demoted(t *tx) (bool, error) {
	if !t.current.AtQuorum {
		return false, nil
	}
	return true, t.transitionCurrent(Inactive, t.nextID())
}

func follower(t *tx) (bool, error) {
	if !t.desiredIs(Follower) {
		return true, t.transitionCurrent(Inactive, t.nextID())
	}
	l, err := t.desiredLeader()
	if err != nil || l != nil {
		return false, err
	}
	advanced, err := t.reelect()
	if err != nil || !advanced {
		return false, err
	}
	return true, t.transitionCurrent(Inactive, t.nextID())
}

func terminal(*tx) (bool, error) {
	return false, nil
}
