package interview

import "time"

type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Entry is one line of the conversation log.
type Entry struct {
	Speaker Speaker   `json:"speaker"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// HistoryLimit is how many log entries a generation request carries.
const HistoryLimit = 4

// MinApplyConfidence is the confidence below which extracted data is ignored.
const MinApplyConfidence = 60

// GenerationRequest is everything the response generator sees for one turn.
type GenerationRequest struct {
	UserMessage string
	History     []Entry
	Step        Step
	Loop        *LoopContext
	Profile     Profile
}

// GenerationResult is the outcome of one generation.
type GenerationResult struct {
	Message       string         `json:"message"`
	ExtractedData *ExtractedData `json:"extractedData,omitempty"`
	ShouldAdvance bool           `json:"shouldAdvance"`
	Confidence    int            `json:"confidence"`
	// Degraded is set when the result came from the simplified path.
	Degraded bool `json:"-"`
}

// LastEntries returns at most n trailing entries of log.
func LastEntries(log []Entry, n int) []Entry {
	if n <= 0 || len(log) == 0 {
		return nil
	}
	if len(log) > n {
		log = log[len(log)-n:]
	}
	out := make([]Entry, len(log))
	copy(out, log)
	return out
}
