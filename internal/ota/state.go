package ota

import "fmt"

// State is a firmware update state. The String form is the value
// reported as fw_state.
type State int

const (
	Idle State = iota
	Downloading
	Verifying
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Downloading:
		return "DOWNLOADING"
	case Verifying:
		return "VERIFYING"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Success || s == Failed
}

// ParseState is the inverse of [State.String].
func ParseState(v string) (State, bool) {
	for s := Idle; s <= Failed; s++ {
		if s.String() == v {
			return s, true
		}
	}
	return Idle, false
}

// next lists the legal transitions out of each state.
var next = map[State][]State{
	Idle:        {Downloading},
	Downloading: {Verifying, Failed},
	Verifying:   {Success, Failed},
}

func canTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}
