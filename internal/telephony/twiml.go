package telephony

import (
	"github.com/twilio/twilio-go/twiml"
)

const (
	unavailableMessage = "Sorry, the interviewer is unavailable right now. Please try again later."
	expiredMessage     = "Sorry, this interview has ended. Goodbye."
)

func says(said []string) []twiml.Element {
	out := make([]twiml.Element, 0, len(said))
	for _, text := range said {
		out = append(out, &twiml.VoiceSay{Message: text})
	}
	return out
}

// gatherResponse says the replies and listens for the caller's answer.
// With no answer Twilio still posts to action, which re-prompts.
func gatherResponse(said []string, action, poll string) (string, error) {
	gather := &twiml.VoiceGather{
		Input:               "speech",
		Action:              action,
		Method:              "POST",
		SpeechTimeout:       "auto",
		ActionOnEmptyResult: "true",
		InnerElements:       says(said),
	}
	return twiml.Voice([]twiml.Element{
		gather,
		&twiml.VoiceRedirect{Url: poll, Method: "POST"},
	})
}

// holdResponse says what is ready and comes back for the rest.
func holdResponse(said []string, poll string) (string, error) {
	verbs := says(said)
	if len(verbs) == 0 {
		verbs = append(verbs, &twiml.VoicePause{Length: "1"})
	}
	verbs = append(verbs, &twiml.VoiceRedirect{Url: poll, Method: "POST"})
	return twiml.Voice(verbs)
}

func finalResponse(said []string) (string, error) {
	return twiml.Voice(append(says(said), &twiml.VoiceHangup{}))
}

func hangupResponse(message string) (string, error) {
	return finalResponse([]string{message})
}
