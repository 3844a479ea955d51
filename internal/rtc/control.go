package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chadiek/career-interview/internal/agent"
	"github.com/chadiek/career-interview/internal/interview"
)

// ControlLabel is the data channel the browser opens for commands and state.
const ControlLabel = "control"

var errUnknownCommand = errors.New("rtc: unknown control command")

// Controller is the part of a session the control channel drives.
type Controller interface {
	Submit() error
	SubmitText(text string) error
	Retry() error
	StopSpeaking()
}

// controlMessage is an inbound command. Plain-text frames are treated as the
// command type.
type controlMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// stateMessage is pushed to the browser on every session change.
type stateMessage struct {
	Type              string           `json:"type"`
	SessionID         string           `json:"sessionId"`
	Phase             agent.Phase      `json:"phase"`
	Processing        bool             `json:"processing"`
	Transcript        string           `json:"transcript"`
	StepName          string           `json:"stepName"`
	StepTitle         string           `json:"stepTitle"`
	StepIndex         int              `json:"stepIndex"`
	TotalSteps        int              `json:"totalSteps"`
	Progress          int              `json:"progress"`
	RequiresTextInput bool             `json:"requiresTextInput"`
	Error             *agent.ErrorInfo `json:"error,omitempty"`
	LastMessage       *interview.Entry `json:"lastMessage,omitempty"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func newStateMessage(s agent.Snapshot) stateMessage {
	m := stateMessage{
		Type:              "state",
		SessionID:         s.SessionID,
		Phase:             s.Phase,
		Processing:        s.Processing,
		Transcript:        s.Transcript,
		StepName:          s.StepName,
		StepTitle:         s.StepTitle,
		StepIndex:         s.StepIndex,
		TotalSteps:        s.TotalSteps,
		Progress:          s.Progress,
		RequiresTextInput: s.RequiresTextInput,
		Error:             s.Error,
	}
	if n := len(s.Log); n > 0 {
		last := s.Log[n-1]
		m.LastMessage = &last
	}
	return m
}

func parseControl(data []byte) controlMessage {
	trimmed := strings.TrimSpace(string(data))
	var msg controlMessage
	if strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), &msg) == nil {
		msg.Type = strings.ToLower(strings.TrimSpace(msg.Type))
		return msg
	}
	return controlMessage{Type: strings.ToLower(trimmed)}
}

// handleControl applies one control frame to c.
func handleControl(c Controller, data []byte) error {
	msg := parseControl(data)
	switch msg.Type {
	case "stop", "stop-speaking", "cancel", "barge-in":
		c.StopSpeaking()
		return nil
	case "submit":
		return c.Submit()
	case "text":
		return c.SubmitText(msg.Text)
	case "retry":
		return c.Retry()
	}
	return fmt.Errorf("%w: %q", errUnknownCommand, msg.Type)
}
