package interview

import (
	"strings"
	"time"
)

// PersonalInfo is the contact block collected in the first steps.
type PersonalInfo struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	LinkedIn string `json:"linkedin"`
}

type LinkedInExperience struct {
	Title       string `json:"title"`
	Company     string `json:"company"`
	Duration    string `json:"duration"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
}

type LinkedInEducation struct {
	School      string `json:"school"`
	Degree      string `json:"degree"`
	Duration    string `json:"duration"`
	Description string `json:"description,omitempty"`
}

// LinkedInData is the parsed form of a pasted LinkedIn profile.
// Experience is ordered most recent first.
type LinkedInData struct {
	Name       string               `json:"name"`
	Headline   string               `json:"headline"`
	Location   string               `json:"location,omitempty"`
	About      string               `json:"about,omitempty"`
	Experience []LinkedInExperience `json:"experience"`
	Education  []LinkedInEducation  `json:"education"`
	Skills     []string             `json:"skills"`
}

type JobExperienceDetail struct {
	JobTitle     string `json:"jobTitle"`
	Company      string `json:"company"`
	Duration     string `json:"duration"`
	Achievements string `json:"achievements"`
	Challenges   string `json:"challenges,omitempty"`
	Skills       string `json:"skills,omitempty"`
	Impact       string `json:"impact,omitempty"`
	Learnings    string `json:"learnings,omitempty"`
}

type CareerObjectivesReport struct {
	Summary            string    `json:"summary"`
	IdealRole          string    `json:"idealRole"`
	CompanyPreferences string    `json:"companyPreferences"`
	ShortTermGoals     string    `json:"shortTermGoals"`
	LongTermVision     string    `json:"longTermVision"`
	KeyMotivations     string    `json:"keyMotivations"`
	GrowthAreas        string    `json:"growthAreas"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

type JobExperienceReport struct {
	JobTitle           string    `json:"jobTitle"`
	Company            string    `json:"company"`
	Duration           string    `json:"duration"`
	OverallSummary     string    `json:"overallSummary"`
	KeyAchievements    []string  `json:"keyAchievements"`
	ChallengesOvercome []string  `json:"challengesOvercome"`
	SkillsDeveloped    []string  `json:"skillsDeveloped"`
	MeasurableImpact   []string  `json:"measurableImpact"`
	KeyLearnings       []string  `json:"keyLearnings"`
	ResumeBulletPoints []string  `json:"resumeBulletPoints"`
	ProfessionalGrowth string    `json:"professionalGrowth"`
	GeneratedAt        time.Time `json:"generatedAt"`
}

// ExtractedData is the structured payload a generation may carry.
// Every field is optional.
type ExtractedData struct {
	Name                   string                  `json:"name,omitempty"`
	Email                  string                  `json:"email,omitempty"`
	LinkedIn               string                  `json:"linkedin,omitempty"`
	LinkedInRaw            string                  `json:"linkedinRaw,omitempty"`
	LinkedInData           *LinkedInData           `json:"linkedinData,omitempty"`
	CareerObjectives       string                  `json:"careerObjectives,omitempty"`
	CareerObjectivesReport *CareerObjectivesReport `json:"careerObjectivesReport,omitempty"`
	JobExperience          *JobExperienceDetail    `json:"jobExperience,omitempty"`
	JobExperienceReport    *JobExperienceReport    `json:"jobExperienceReport,omitempty"`
}

// Profile accumulates everything collected during one interview.
type Profile struct {
	PersonalInfo           PersonalInfo                `json:"personalInfo"`
	LinkedInRaw            string                      `json:"linkedinRawData,omitempty"`
	LinkedIn               *LinkedInData               `json:"linkedinParsedData,omitempty"`
	CareerObjectives       string                      `json:"careerObjectives,omitempty"`
	CareerObjectivesReport *CareerObjectivesReport     `json:"careerObjectivesReport,omitempty"`
	JobExperiences         map[int]JobExperienceDetail `json:"jobExperiences,omitempty"`
	JobExperienceReports   map[int]JobExperienceReport `json:"jobExperienceReports,omitempty"`
}

// FieldUpdate names one collected field that changed.
type FieldUpdate struct {
	Field string
	Value any
}

// Persisted field names.
const (
	FieldName                   = "name"
	FieldEmail                  = "email"
	FieldLinkedIn               = "linkedin"
	FieldLinkedInRaw            = "linkedin_raw_data"
	FieldLinkedInData           = "linkedin_parsed_data"
	FieldCareerObjectives       = "career_objectives"
	FieldCareerObjectivesReport = "career_objectives_report"
	FieldJobExperiences         = "job_experiences"
	FieldJobExperienceReports   = "job_experience_reports"
	FieldInterviewCompleted     = "interview_completed"
)

// Apply merges d into the profile and returns the fields that changed.
// jobIndex keys job-level data to the current loop item.
func (p *Profile) Apply(d ExtractedData, jobIndex int) []FieldUpdate {
	var out []FieldUpdate
	set := func(dst *string, v, field string) {
		v = strings.TrimSpace(v)
		if v == "" || v == *dst {
			return
		}
		*dst = v
		out = append(out, FieldUpdate{Field: field, Value: v})
	}

	set(&p.PersonalInfo.Name, d.Name, FieldName)
	set(&p.PersonalInfo.Email, d.Email, FieldEmail)
	set(&p.PersonalInfo.LinkedIn, d.LinkedIn, FieldLinkedIn)
	set(&p.LinkedInRaw, d.LinkedInRaw, FieldLinkedInRaw)
	set(&p.CareerObjectives, d.CareerObjectives, FieldCareerObjectives)

	if d.LinkedInData != nil {
		parsed := *d.LinkedInData
		p.LinkedIn = &parsed
		out = append(out, FieldUpdate{Field: FieldLinkedInData, Value: parsed})
	}
	if d.CareerObjectivesReport != nil {
		report := *d.CareerObjectivesReport
		if report.GeneratedAt.IsZero() {
			report.GeneratedAt = time.Now().UTC()
		}
		p.CareerObjectivesReport = &report
		out = append(out, FieldUpdate{Field: FieldCareerObjectivesReport, Value: report})
	}
	if d.JobExperience != nil {
		if p.JobExperiences == nil {
			p.JobExperiences = make(map[int]JobExperienceDetail)
		}
		p.JobExperiences[jobIndex] = mergeJobDetail(p.JobExperiences[jobIndex], *d.JobExperience)
		out = append(out, FieldUpdate{Field: FieldJobExperiences, Value: copyJobs(p.JobExperiences)})
	}
	if d.JobExperienceReport != nil {
		if p.JobExperienceReports == nil {
			p.JobExperienceReports = make(map[int]JobExperienceReport)
		}
		report := *d.JobExperienceReport
		if report.GeneratedAt.IsZero() {
			report.GeneratedAt = time.Now().UTC()
		}
		p.JobExperienceReports[jobIndex] = report
		out = append(out, FieldUpdate{Field: FieldJobExperienceReports, Value: copyReports(p.JobExperienceReports)})
	}
	return out
}

// Experience returns the parsed experience list, most recent first.
func (p *Profile) Experience() []LinkedInExperience {
	if p.LinkedIn == nil {
		return nil
	}
	return p.LinkedIn.Experience
}

// Clone returns a deep copy safe to hand to another goroutine.
func (p *Profile) Clone() Profile {
	c := *p
	if p.LinkedIn != nil {
		li := *p.LinkedIn
		li.Experience = append([]LinkedInExperience(nil), p.LinkedIn.Experience...)
		li.Education = append([]LinkedInEducation(nil), p.LinkedIn.Education...)
		li.Skills = append([]string(nil), p.LinkedIn.Skills...)
		c.LinkedIn = &li
	}
	if p.CareerObjectivesReport != nil {
		r := *p.CareerObjectivesReport
		c.CareerObjectivesReport = &r
	}
	if p.JobExperiences != nil {
		c.JobExperiences = copyJobs(p.JobExperiences)
	}
	if p.JobExperienceReports != nil {
		c.JobExperienceReports = copyReports(p.JobExperienceReports)
	}
	return c
}

func mergeJobDetail(prev, next JobExperienceDetail) JobExperienceDetail {
	pick := func(a, b string) string {
		if strings.TrimSpace(b) != "" {
			return b
		}
		return a
	}
	return JobExperienceDetail{
		JobTitle:     pick(prev.JobTitle, next.JobTitle),
		Company:      pick(prev.Company, next.Company),
		Duration:     pick(prev.Duration, next.Duration),
		Achievements: pick(prev.Achievements, next.Achievements),
		Challenges:   pick(prev.Challenges, next.Challenges),
		Skills:       pick(prev.Skills, next.Skills),
		Impact:       pick(prev.Impact, next.Impact),
		Learnings:    pick(prev.Learnings, next.Learnings),
	}
}

func copyJobs(in map[int]JobExperienceDetail) map[int]JobExperienceDetail {
	out := make(map[int]JobExperienceDetail, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyReports(in map[int]JobExperienceReport) map[int]JobExperienceReport {
	out := make(map[int]JobExperienceReport, len(in))
	for k, v := range in {
		v.KeyAchievements = append([]string(nil), v.KeyAchievements...)
		v.ChallengesOvercome = append([]string(nil), v.ChallengesOvercome...)
		v.SkillsDeveloped = append([]string(nil), v.SkillsDeveloped...)
		v.MeasurableImpact = append([]string(nil), v.MeasurableImpact...)
		v.KeyLearnings = append([]string(nil), v.KeyLearnings...)
		v.ResumeBulletPoints = append([]string(nil), v.ResumeBulletPoints...)
		out[k] = v
	}
	return out
}
