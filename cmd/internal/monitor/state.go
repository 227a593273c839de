package monitor

// State is the monitor's position in the inactivity state machine.
//
//	Active -> Warning -> (Active | Expired -> LoggedOut)
//	Active | Warning -> LoggedOut (user logout)
type State int32

const (
	StateActive State = iota
	StateWarning
	StateExpired
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateExpired:
		return "expired"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == StateExpired || s == StateLoggedOut }

// Reason is carried by the forced-logout signal.
type Reason string

const (
	// ReasonInactivity is a warning countdown that ran out.
	ReasonInactivity Reason = "inactivity_timeout"
	// ReasonAbsolute is the absolute session ceiling.
	ReasonAbsolute Reason = "absolute_timeout"
	// ReasonEndedElsewhere is a session the store no longer reports as ours.
	ReasonEndedElsewhere Reason = "session_ended_elsewhere"
)
