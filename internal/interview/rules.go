package interview

import (
	"regexp"
	"strings"
)

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	linkedInPattern = regexp.MustCompile(`(?i)(https?://)?(www\.)?linkedin\.com/(in/)?[a-zA-Z0-9-]+/?`)
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
	namePrefix      = regexp.MustCompile(`(?i)^(hi|hello|hey)?[,!. ]*(my name is|my name's|i am|i'm|it's|this is)\s+`)
)

// Check reports whether input satisfies the rule. All configured conditions must hold;
// with several patterns any one may match.
func (r *ValidationRule) Check(input string) bool {
	if r == nil {
		return false
	}
	input = strings.TrimSpace(input)
	if len(input) < r.MinLength {
		return false
	}
	if len(r.Patterns) == 0 {
		return input != ""
	}
	for _, re := range r.Patterns {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

// RejectsLocally reports whether input must be refused without a generation call.
func (s Step) RejectsLocally(input string) bool {
	return s.Validation != nil && s.Validation.Gate && !s.Validation.Check(input)
}

// RequestsAdvance reports whether input contains one of the step's explicit advance phrases.
func (s Step) RequestsAdvance(input string) bool {
	if len(s.ExplicitAdvance) == 0 {
		return false
	}
	lower := strings.ToLower(input)
	for _, phrase := range s.ExplicitAdvance {
		if phrase != "" && strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// DecideAdvance applies the step's local rules to a remote advance decision.
//
// Steps with explicit advance phrases move only when the user asked to,
// whatever the generator said. Otherwise a text-input step whose validation
// passes is advanced even when the generator declined.
func (s Step) DecideAdvance(input string, remote bool) bool {
	if len(s.ExplicitAdvance) > 0 {
		return s.RequestsAdvance(input)
	}
	if remote {
		return true
	}
	return s.RequiresTextInput && s.Validation.Check(input)
}

// FallbackAdvance decides advancement without any generator judgment.
func (s Step) FallbackAdvance(input string) bool {
	if len(s.ExplicitAdvance) > 0 {
		return s.RequestsAdvance(input)
	}
	if s.Fallback != nil {
		return s.Fallback.matches(input)
	}
	return s.Validation.Check(input)
}

func (f *FallbackRule) matches(input string) bool {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" || len(trimmed) < f.MinLength {
		return false
	}
	if f.Pattern != nil && !f.Pattern.MatchString(trimmed) {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, w := range f.RejectWords {
		if strings.Contains(lower, w) {
			return false
		}
	}
	if len(f.Keywords) == 0 {
		return true
	}
	for _, k := range f.Keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// ExtractLocal pulls what it can out of input for the step without a model.
func (s Step) ExtractLocal(input string) *ExtractedData {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	switch s.Extract {
	case ExtractName:
		name := strings.TrimSpace(namePrefix.ReplaceAllString(input, ""))
		name = strings.Trim(name, ".!?, ")
		if len(strings.Fields(name)) < 2 || (s.Fallback != nil && !s.Fallback.matches(name)) {
			return nil
		}
		return &ExtractedData{Name: name}
	case ExtractEmail:
		if m := emailPattern.FindString(input); m != "" {
			return &ExtractedData{Email: strings.ToLower(m)}
		}
	case ExtractLinkedIn:
		if m := linkedInPattern.FindString(input); m != "" {
			return &ExtractedData{LinkedIn: m}
		}
		if usernamePattern.MatchString(input) {
			return &ExtractedData{LinkedIn: "https://www.linkedin.com/in/" + input}
		}
	case ExtractLinkedInRaw:
		if s.Validation.Check(input) {
			return &ExtractedData{LinkedInRaw: input}
		}
	case ExtractCareerObjectives:
		return &ExtractedData{CareerObjectives: input}
	}
	return nil
}
