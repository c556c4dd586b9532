package llm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joseph-ayodele/assignment-grader/internal/entity"
)

// SystemPrompt is shared by every stage.
const SystemPrompt = "You are an automated assignment grading assistant. " +
	"Analyse every attached document in full, including text, code, tables, figures and handwriting. " +
	"Never output null; omit fields you cannot fill. Return ONLY JSON."

// BuildAssignmentPrompt asks for the question structure of an assignment brief.
func BuildAssignmentPrompt() string {
	return strings.Join([]string{
		"You are analysing an assignment brief. Extract:",
		`- "title": the assignment name.`,
		`- "description": a brief summary, under 500 characters.`,
		`- "questions": every question with "number" (string such as "1" or "1.1"), "question" (under 200 characters), ` +
			`"points" when stated, and "sub_questions" using the same shape when the question has parts.`,
		`- "total_points": the total points of the assignment when stated.`,
	}, "\n")
}

// BuildRubricPrompt asks for grading criteria. With embedded set the attached
// document is the assignment brief rather than a standalone rubric.
func BuildRubricPrompt(totalPoints float64, embedded bool) string {
	total := formatPoints(totalPoints)
	var lines []string
	if embedded {
		lines = append(lines,
			"You are analysing an assignment brief to find its marking criteria.",
			"Look for point values per question or task, marking schemes, grade distributions, evaluation guidelines and weightings.",
			`Set "has_embedded_rubric" to true only when explicit marking criteria were found.`,
			"If none are found, derive reasonable criteria from the assignment requirements.",
			`Describe what you found in "extraction_notes".`,
		)
	} else {
		lines = append(lines,
			"You are analysing a grading rubric.",
			"Extract the criteria exactly as written and do not invent criteria that are not in the document.",
		)
	}
	lines = append(lines,
		`For every criterion give "question_number" (when known), "name", "weight" (points, numeric), "description" and "marking_scale".`,
		"The assignment is worth "+total+" points; criterion weights must sum to "+total+", scaling proportionally when needed.",
		`Set "total_points" to `+total+".",
	)
	return strings.Join(lines, "\n")
}

// BuildSolutionPrompt asks for reference answers per question.
func BuildSolutionPrompt() string {
	return strings.Join([]string{
		"You are analysing a model solution. For every question extract:",
		`- "number": the question number.`,
		`- "summary": a brief description of the question.`,
		`- "answer": the full reference answer including key steps and expected output.`,
		`Return the list under "answers".`,
	}, "\n")
}

// SubmissionContext is what the grader knows about the material a submission is graded against.
type SubmissionContext struct {
	Title       string
	Description string
	StudentID   string
	TotalPoints float64
	Assignment  *entity.AssignmentData
	Rubric      *entity.RubricData
	Solution    *entity.SolutionData
}

// BuildEvaluationPrompt renders the grading instructions for one submission.
func BuildEvaluationPrompt(sc SubmissionContext) string {
	total := formatPoints(sc.TotalPoints)
	var b strings.Builder

	b.WriteString("Evaluate the attached student submission against the assignment, rubric and model solution below.\n\n")

	b.WriteString("ASSIGNMENT\n")
	fmt.Fprintf(&b, "Title: %s\n", orDefault(sc.Title, "No title provided"))
	fmt.Fprintf(&b, "Description: %s\n", orDefault(sc.Description, "No description provided"))
	b.WriteString("Question structure:\n")
	if sc.Assignment != nil && len(sc.Assignment.Questions) > 0 {
		writeQuestions(&b, sc.Assignment.Questions, "- ")
	} else {
		b.WriteString("No specific question structure provided.\n")
	}

	b.WriteString("\nRUBRIC\n")
	fmt.Fprintf(&b, "Total points: %s\n", total)
	if sc.Rubric != nil && len(sc.Rubric.Criteria) > 0 {
		for _, c := range sc.Rubric.Criteria {
			fmt.Fprintf(&b, "- %s (max %s points, question %s): %s\n",
				orDefault(c.Name, "N/A"), formatPoints(c.Weight), orDefault(c.QuestionNumber, "general"), orDefault(c.Description, "N/A"))
			if c.MarkingScale != "" {
				fmt.Fprintf(&b, "  Scale: %s\n", c.MarkingScale)
			}
		}
	} else {
		b.WriteString("No rubric criteria available; derive grading criteria from the assignment instructions.\n")
	}

	b.WriteString("\nMODEL SOLUTION\n")
	if sc.Solution != nil && len(sc.Solution.Answers) > 0 {
		for _, a := range sc.Solution.Answers {
			fmt.Fprintf(&b, "- Q%s: %s\n", orDefault(a.Number, "?"), a.Answer)
		}
	} else {
		b.WriteString("No model solution available.\n")
	}

	if sc.StudentID != "" {
		fmt.Fprintf(&b, "\nStudent ID: %s\n", sc.StudentID)
	}

	b.WriteString("\nINSTRUCTIONS\n")
	fmt.Fprintf(&b, "1. The total maximum score is %s points. Grade exactly according to the question structure and point values.\n", total)
	b.WriteString("2. Do not convert scores to percentages.\n")
	b.WriteString("3. Give feedback per question referencing the rubric and solution where applicable.\n")
	fmt.Fprintf(&b, "4. \"score\" is the sum of question scores and must not exceed %s; set \"max_score\" to %s.\n", total, total)
	b.WriteString("5. List \"strengths\" and \"weaknesses\" as short sentences.\n")
	return b.String()
}

func writeQuestions(b *strings.Builder, qs []entity.Question, indent string) {
	for _, q := range qs {
		fmt.Fprintf(b, "%sQ%s: %s (%s points)\n", indent, orDefault(q.Number, "?"), orDefault(q.Question, "N/A"), formatPoints(q.Points))
		if len(q.SubQuestions) > 0 {
			writeQuestions(b, q.SubQuestions, "  "+indent)
		}
	}
}

func formatPoints(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
