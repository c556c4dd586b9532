package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

func TestStripFences(t *testing.T) {
	tests := map[string]struct {
		in   string
		want string
	}{
		"json fence":    {"```json\n{\"score\": 1}\n```", `{"score": 1}`},
		"bare fence":    {"```\n{\"score\": 1}\n```", `{"score": 1}`},
		"plain":         {`  {"score": 1} `, `{"score": 1}`},
		"leading prose": {"Here is the grade:\n{\"score\": 1}\nThanks!", `{"score": 1}`},
		"array":         {"```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, StripFences(tc.in))
		})
	}
}

func TestGradeSchema_NormalizesSynonyms(t *testing.T) {
	reply := "```json\n" + `{
		"overallGrade": "42",
		"totalPossible": 50,
		"criteriaGrades": [
			{"questionNumber": "1", "criterionName": "Correctness", "score": 30, "maxScore": 35, "feedback": "Mostly right"},
			{"questionNumber": 2, "criterionName": "Style", "score": 12, "maxScore": 15, "feedback": "Tidy"}
		],
		"strengths": "Clear structure",
		"areasForImprovement": ["Edge cases", "", null],
		"suggestions": ["Add tests"]
	}` + "\n```"

	var out struct {
		Score      float64  `json:"score"`
		MaxScore   float64  `json:"max_score"`
		Feedback   string   `json:"feedback"`
		Strengths  []string `json:"strengths"`
		Weaknesses []string `json:"weaknesses"`
	}
	changed, err := GradeSchema.Parse(reply, &out)
	require.NoError(t, err)

	assert.Equal(t, 42.0, out.Score)
	assert.Equal(t, 50.0, out.MaxScore)
	assert.Equal(t, "Q1 Correctness (30/35): Mostly right\nQ2 Style (12/15): Tidy", out.Feedback)
	assert.Equal(t, []string{"Clear structure"}, out.Strengths)
	assert.Equal(t, []string{"Edge cases"}, out.Weaknesses)
	assert.Contains(t, changed, "overallGrade->score")
	assert.Contains(t, changed, "areasForImprovement->weaknesses")
}

func TestGradeSchema_RejectsMissingScore(t *testing.T) {
	var out map[string]any
	_, err := GradeSchema.Parse(`{"feedback": "no number here"}`, &out)
	require.Error(t, err)
}

func TestGradeSchema_RejectsNonJSON(t *testing.T) {
	var out map[string]any
	_, err := GradeSchema.Parse("I cannot grade this submission.", &out)
	require.Error(t, err)
}

func TestRubricSchema_GradingCriteriaVariant(t *testing.T) {
	reply := `{
		"has_embedded_rubric": true,
		"grading_criteria": [
			{"question_number": "1", "criterionName": "Analysis", "weight": "60", "description": "Depth", "marking_scale": "0-60"},
			{"question_number": "2", "criterionName": "Presentation", "weight": 40}
		],
		"extracted_total_points": null,
		"total_points": 100,
		"extraction_notes": "Found a marking table"
	}`

	var rubric entity.RubricData
	_, err := RubricSchema.Parse(reply, &rubric)
	require.NoError(t, err)

	assert.True(t, rubric.HasEmbeddedRubric)
	require.Len(t, rubric.Criteria, 2)
	assert.Equal(t, "Analysis", rubric.Criteria[0].Name)
	assert.Equal(t, 60.0, rubric.Criteria[0].Weight)
	assert.Equal(t, "0-60", rubric.Criteria[0].MarkingScale)
	assert.Equal(t, 100.0, rubric.WeightSum())
	assert.Equal(t, "Found a marking table", rubric.ExtractionNotes)
}

func TestAssignmentSchema_QuestionStructure(t *testing.T) {
	reply := `{
		"title": "Linear Regression",
		"description": "Fit and evaluate a model",
		"questionStructure": [
			{"number": 1, "question": "Load the data", "points": "10 points"},
			{"number": "2", "question": "Fit the model", "subQuestions": [
				{"number": "2a", "question": "Train", "points": 15},
				{"number": "2b", "question": "Evaluate", "points": 25}
			]}
		],
		"totalPoints": null
	}`

	var data entity.AssignmentData
	_, err := AssignmentSchema.Parse(reply, &data)
	require.NoError(t, err)

	assert.Equal(t, "Linear Regression", data.Title)
	require.Len(t, data.Questions, 2)
	assert.Equal(t, "1", data.Questions[0].Number)
	assert.Equal(t, 10.0, data.Questions[0].Points)
	require.Len(t, data.Questions[1].SubQuestions, 2)
	assert.Equal(t, 50.0, data.QuestionPoints())
	assert.Zero(t, data.TotalPoints)
}

func TestSolutionSchema_BareArray(t *testing.T) {
	reply := `[
		{"question_number": "1", "question_summary": "Load data", "solution": "pd.read_csv(...)"},
		{"questionNumber": "2", "expected_output": "R^2 = 0.87"}
	]`

	var sol entity.SolutionData
	_, err := SolutionSchema.Parse(reply, &sol)
	require.NoError(t, err)

	require.Len(t, sol.Answers, 2)
	assert.Equal(t, entity.SolutionAnswer{Number: "1", Summary: "Load data", Answer: "pd.read_csv(...)"}, sol.Answers[0])
	assert.Equal(t, "R^2 = 0.87", sol.Answers[1].Answer)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, RateLimited, ClassifyStatus(429))
	assert.Equal(t, Transient, ClassifyStatus(500))
	assert.Equal(t, Transient, ClassifyStatus(503))
	assert.Equal(t, Transient, ClassifyStatus(408))
	assert.Equal(t, Terminal, ClassifyStatus(400))
	assert.Equal(t, Terminal, ClassifyStatus(401))
}

func TestParseRetryDelay(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 11*time.Second, ParseRetryDelay("11s", now))
	assert.Equal(t, 1500*time.Millisecond, ParseRetryDelay("1.5s", now))
	assert.Equal(t, 30*time.Second, ParseRetryDelay("30", now))
	assert.Equal(t, 90*time.Second, ParseRetryDelay("Mon, 01 Jan 2024 12:01:30 GMT", now))
	assert.Zero(t, ParseRetryDelay("soon", now))
	assert.Zero(t, ParseRetryDelay("", now))
}
