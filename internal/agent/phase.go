package agent

// Phase is the single source of truth for what a session is doing.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseListening     Phase = "listening"
	PhaseSpeaking      Phase = "speaking"
	PhaseProcessing    Phase = "processing"
	PhaseTransitioning Phase = "transitioning"
	PhaseError         Phase = "error"
	PhaseClosing       Phase = "closing"
)

// Event drives a phase change.
type Event string

const (
	// EventListen resumes voice capture.
	EventListen Event = "listen"
	// EventAwaitText parks the session waiting for typed input.
	EventAwaitText Event = "await_text"
	// EventSubmit starts processing user input.
	EventSubmit Event = "submit"
	// EventReply starts speaking a reply.
	EventReply Event = "reply"
	// EventAdvance starts applying a step or loop advance.
	EventAdvance Event = "advance"
	// EventAnnounce speaks a step's opening message.
	EventAnnounce Event = "announce"
	// EventFail records a failed turn.
	EventFail Event = "fail"
	// EventRetry resubmits the last input after a failure.
	EventRetry Event = "retry"
	// EventFinish ends the interview after the final step.
	EventFinish Event = "finish"
	// EventClose tears the session down.
	EventClose Event = "close"
)

var transitions = map[Phase]map[Event]Phase{
	PhaseIdle: {
		EventListen:   PhaseListening,
		EventSubmit:   PhaseProcessing,
		EventAnnounce: PhaseSpeaking,
		EventRetry:    PhaseProcessing,
	},
	PhaseListening: {
		EventSubmit:    PhaseProcessing,
		EventRetry:     PhaseProcessing,
		EventAwaitText: PhaseIdle,
	},
	PhaseProcessing: {
		EventReply:     PhaseSpeaking,
		EventAdvance:   PhaseTransitioning,
		EventListen:    PhaseListening,
		EventAwaitText: PhaseIdle,
	},
	PhaseSpeaking: {
		EventListen:    PhaseListening,
		EventAwaitText: PhaseIdle,
		EventAdvance:   PhaseTransitioning,
		EventFinish:    PhaseClosing,
	},
	PhaseTransitioning: {
		EventListen:    PhaseListening,
		EventAwaitText: PhaseIdle,
		EventAnnounce:  PhaseSpeaking,
		EventFinish:    PhaseClosing,
	},
	PhaseError: {
		EventListen:    PhaseListening,
		EventAwaitText: PhaseIdle,
		EventRetry:     PhaseProcessing,
	},
}

// Transition returns the phase reached from p on e. ok is false when e is
// not legal in p. Any live phase may fail or close; Closing accepts nothing.
func Transition(p Phase, e Event) (Phase, bool) {
	if p == PhaseClosing {
		return p, false
	}
	switch e {
	case EventClose:
		return PhaseClosing, true
	case EventFail:
		return PhaseError, true
	}
	next, ok := transitions[p][e]
	if !ok {
		return p, false
	}
	return next, true
}

// Active reports whether p is one of the mutually exclusive working phases.
func (p Phase) Active() bool {
	return p == PhaseListening || p == PhaseSpeaking || p == PhaseProcessing
}
