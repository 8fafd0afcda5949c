package agent

import (
	"errors"
	"fmt"
)

// Phase is the call page's position in the call lifecycle.
type Phase int

const (
	PhaseReady Phase = iota
	PhaseInitializing
	PhaseListening
	PhaseProcessing
	PhaseSpeaking
	PhaseEnding
	PhaseEnded
	PhaseError
)

var phaseNames = [...]string{"ready", "initializing", "listening", "processing", "speaking", "ending", "ended", "error"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Active reports whether a call is up and listening, processing or speaking.
func (p Phase) Active() bool {
	return p == PhaseListening || p == PhaseProcessing || p == PhaseSpeaking
}

// EventKind names an input to Transition.
type EventKind int

const (
	// EventStart is a start request.
	EventStart EventKind = iota
	// EventStarted means the recognizer is listening. It repeats on every restart.
	EventStarted
	// EventUtterance carries a recognized utterance.
	EventUtterance
	// EventReply means a reply began playing.
	EventReply
	// EventPlaybackDone means the last queued reply finished playing.
	EventPlaybackDone
	// EventNotice shows a transient message without leaving the phase.
	EventNotice
	// EventEnd is an end request.
	EventEnd
	// EventEnded means teardown finished. Text, if set, is kept as a notice.
	EventEnded
	// EventFail carries the detail of a fatal call error.
	EventFail
)

var eventNames = [...]string{"start", "started", "utterance", "reply", "playback-done", "notice", "end", "ended", "fail"}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

type Event struct {
	Kind EventKind
	Text string
}

// ErrInvalidTransition is returned for an event the current phase does not accept.
var ErrInvalidTransition = errors.New("agent: invalid transition")

// State is everything the status line is rendered from.
type State struct {
	Phase     Phase
	Utterance string
	Detail    string
	Notice    string
}

// Status renders the status line. A notice takes precedence.
func (s State) Status() string {
	if s.Notice != "" {
		return s.Notice
	}
	switch s.Phase {
	case PhaseInitializing:
		return "Initializing call..."
	case PhaseListening:
		return "Listening..."
	case PhaseProcessing:
		return `Processing: "` + s.Utterance + `"`
	case PhaseSpeaking:
		return "Speaking response..."
	case PhaseEnding:
		return "Ending call..."
	case PhaseEnded:
		return "Call ended"
	case PhaseError:
		return "Error: " + s.Detail
	default:
		return "Ready"
	}
}

// Transition is the only way a State changes. On error the input state is returned unchanged.
func Transition(s State, e Event) (State, error) {
	next := s
	next.Notice = ""
	switch e.Kind {
	case EventStart:
		if s.Phase != PhaseReady && s.Phase != PhaseEnded && s.Phase != PhaseError {
			return s, invalid(s, e)
		}
		next = State{Phase: PhaseInitializing}
	case EventStarted:
		switch {
		case s.Phase == PhaseInitializing:
			next.Phase = PhaseListening
		case s.Phase.Active():
		default:
			return s, invalid(s, e)
		}
	case EventUtterance:
		if !s.Phase.Active() {
			return s, invalid(s, e)
		}
		next.Phase = PhaseProcessing
		next.Utterance = e.Text
	case EventReply:
		if !s.Phase.Active() {
			return s, invalid(s, e)
		}
		next.Phase = PhaseSpeaking
	case EventPlaybackDone:
		if !s.Phase.Active() {
			return s, invalid(s, e)
		}
		next.Phase = PhaseListening
	case EventNotice:
		if s.Phase != PhaseInitializing && !s.Phase.Active() {
			return s, invalid(s, e)
		}
		next.Notice = e.Text
	case EventEnd:
		if s.Phase != PhaseInitializing && !s.Phase.Active() {
			return s, invalid(s, e)
		}
		next.Phase = PhaseEnding
	case EventEnded:
		if s.Phase != PhaseEnding {
			return s, invalid(s, e)
		}
		next = State{Phase: PhaseEnded, Notice: e.Text}
	case EventFail:
		if s.Phase != PhaseInitializing && s.Phase != PhaseEnding && !s.Phase.Active() {
			return s, invalid(s, e)
		}
		next = State{Phase: PhaseError, Detail: e.Text}
	default:
		return s, invalid(s, e)
	}
	return next, nil
}

func invalid(s State, e Event) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, e.Kind, s.Phase)
}
