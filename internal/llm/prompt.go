package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/chadiek/career-interview/internal/interview"
)

const responseContract = `Respond with a single JSON object and nothing else:
{"message": "what you say next, one or two short spoken sentences",
 "extractedData": {only fields you are sure of},
 "shouldAdvance": true when this step's goal is met,
 "confidence": 0-100}`

// buildMessages assembles the full prompt for one turn.
func buildMessages(req interview.GenerationRequest) []openai.ChatCompletionMessage {
	var sys strings.Builder
	sys.WriteString(req.Step.SystemPrompt)
	if req.Step.AdvancementRule != "" {
		fmt.Fprintf(&sys, "\n\nAdvance when: %s", req.Step.AdvancementRule)
	}
	if len(req.Step.CompletionCriteria) > 0 {
		fmt.Fprintf(&sys, "\nCompletion criteria: %s", strings.Join(req.Step.CompletionCriteria, "; "))
	}
	if state := profileSummary(req.Profile); state != "" {
		fmt.Fprintf(&sys, "\n\nCollected so far: %s", state)
	}
	if req.Loop != nil {
		if b, err := json.Marshal(req.Loop); err == nil {
			fmt.Fprintf(&sys, "\n\nJob context: %s", b)
		}
	}
	sys.WriteString("\n\n")
	sys.WriteString(responseContract)

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys.String()})
	for _, e := range interview.LastEntries(req.History, interview.HistoryLimit) {
		role := openai.ChatMessageRoleUser
		if e.Speaker == interview.SpeakerAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: e.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.UserMessage})
	return msgs
}

// buildSimpleMessages is the degraded prompt: no history, no state, plain text out.
func buildSimpleMessages(req interview.GenerationRequest) []openai.ChatCompletionMessage {
	sys := fmt.Sprintf("You are a friendly career interviewer on the %q topic. Reply with one or two short spoken sentences.", req.Step.Title)
	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: sys},
		{Role: openai.ChatMessageRoleUser, Content: req.UserMessage},
	}
}

func profileSummary(p interview.Profile) string {
	var parts []string
	if p.PersonalInfo.Name != "" {
		parts = append(parts, "name="+p.PersonalInfo.Name)
	}
	if p.PersonalInfo.Email != "" {
		parts = append(parts, "email="+p.PersonalInfo.Email)
	}
	if p.PersonalInfo.LinkedIn != "" {
		parts = append(parts, "linkedin="+p.PersonalInfo.LinkedIn)
	}
	if n := len(p.Experience()); n > 0 {
		parts = append(parts, fmt.Sprintf("jobs_parsed=%d", n))
	}
	if p.CareerObjectives != "" {
		parts = append(parts, "career_objectives_given=true")
	}
	return strings.Join(parts, ", ")
}
