package gateway

import "strings"

// Key phrases in the control script's status output. The script's text
// grammar is a compatibility contract: these strings are matched verbatim.
const (
	phrasePaperRunning = "Paper Gateway: Running"
	phraseLiveRunning  = "Live Gateway: Running"
	phraseLivePortUp   = "API Port 4001: Listening"
	phrasePaperPortUp  = "API Port 4002: Listening"
	phraseSecondFactor = "Second Factor Authentication"
)

// Session selects which gateway session a command applies to.
type Session string

const (
	SessionPaper Session = "paper"
	SessionLive  Session = "live"
	// SessionBoth applies the command to both sessions.
	SessionBoth Session = ""
)

// Valid reports whether the session name is one the control script accepts.
func (s Session) Valid() bool {
	return s == SessionPaper || s == SessionLive || s == SessionBoth
}

// SessionState is the derived lifecycle state of one session.
type SessionState string

const (
	StateDown                 SessionState = "down"
	StateStarting             SessionState = "starting"
	StateAwaitingSecondFactor SessionState = "awaiting_second_factor"
	StateRunning              SessionState = "running"
)

// Status is the parsed result of one control-script status check.
type Status struct {
	PaperRunning       bool
	LiveRunning        bool
	PaperPortListening bool
	LivePortListening  bool
	// Live2FAPending means the live session is waiting on a second factor
	// challenge. It is never true while the live API port is listening.
	Live2FAPending bool
	Raw            string
}

// ParseStatus extracts session health from the control script's status text.
func ParseStatus(text string) Status {
	st := Status{
		PaperRunning:       strings.Contains(text, phrasePaperRunning),
		LiveRunning:        strings.Contains(text, phraseLiveRunning),
		PaperPortListening: strings.Contains(text, phrasePaperPortUp),
		LivePortListening:  strings.Contains(text, phraseLivePortUp),
		Raw:                text,
	}

	// A live session that reports running without its API port up is
	// blocked on the second factor, as is any status carrying the
	// explicit indicator. A listening live port always means the
	// challenge is behind us.
	if !st.LivePortListening {
		st.Live2FAPending = (st.LiveRunning || strings.Contains(text, phraseSecondFactor))
	}
	return st
}

// Healthy reports full health: both sessions running with both API ports
// accepting connections. Startup polling requires this, not just the
// Running lines.
func (st Status) Healthy() bool {
	return st.PaperRunning && st.LiveRunning && st.PaperPortListening && st.LivePortListening
}

// PaperHealthy reports the paper session alone being usable.
func (st Status) PaperHealthy() bool {
	return st.PaperRunning && st.PaperPortListening
}

// StateOf derives the lifecycle state of one session.
func (st Status) StateOf(session Session) SessionState {
	switch session {
	case SessionPaper:
		switch {
		case st.PaperRunning && st.PaperPortListening:
			return StateRunning
		case st.PaperRunning:
			return StateStarting
		default:
			return StateDown
		}
	case SessionLive:
		switch {
		case st.LiveRunning && st.LivePortListening:
			return StateRunning
		case st.Live2FAPending:
			return StateAwaitingSecondFactor
		case st.LiveRunning:
			return StateStarting
		default:
			return StateDown
		}
	default:
		return StateDown
	}
}
