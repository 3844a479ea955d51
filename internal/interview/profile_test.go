package interview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfileApply(t *testing.T) {
	var p Profile
	updates := p.Apply(ExtractedData{Name: " John Smith ", Email: "john@example.com"}, 0)
	require.Len(t, updates, 2)
	assert.Equal(t, FieldName, updates[0].Field)
	assert.Equal(t, "John Smith", p.PersonalInfo.Name)
	assert.Equal(t, "john@example.com", p.PersonalInfo.Email)

	assert.Empty(t, p.Apply(ExtractedData{Name: "John Smith"}, 0), "unchanged values are not reported")
}

func TestProfileApply_JobExperienceMerges(t *testing.T) {
	var p Profile
	p.Apply(ExtractedData{JobExperience: &JobExperienceDetail{JobTitle: "Engineer", Company: "Acme"}}, 1)
	updates := p.Apply(ExtractedData{JobExperience: &JobExperienceDetail{Achievements: "Cut costs 20%"}}, 1)

	require.Len(t, updates, 1)
	assert.Equal(t, FieldJobExperiences, updates[0].Field)
	got := p.JobExperiences[1]
	assert.Equal(t, "Engineer", got.JobTitle)
	assert.Equal(t, "Cut costs 20%", got.Achievements)
}

func TestProfileApply_ReportsStamped(t *testing.T) {
	var p Profile
	p.Apply(ExtractedData{CareerObjectivesReport: &CareerObjectivesReport{Summary: "x"}}, 0)
	require.NotNil(t, p.CareerObjectivesReport)
	assert.False(t, p.CareerObjectivesReport.GeneratedAt.IsZero())
}

func TestProfileClone(t *testing.T) {
	p := Profile{LinkedIn: &LinkedInData{Experience: []LinkedInExperience{{Title: "A"}}}}
	c := p.Clone()
	c.LinkedIn.Experience[0].Title = "B"
	assert.Equal(t, "A", p.Experience()[0].Title)
}
