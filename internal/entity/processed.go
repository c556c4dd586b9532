package entity

// Question is one entry of an assignment's question structure.
type Question struct {
	Number       string     `json:"number"`
	Question     string     `json:"question"`
	Points       float64    `json:"points"`
	SubQuestions []Question `json:"sub_questions,omitempty"`
}

// AssignmentData is the canonical structured form of an assignment brief.
type AssignmentData struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	TotalPoints float64    `json:"total_points,omitempty"`
	Questions   []Question `json:"questions"`
}

// QuestionPoints sums leaf question points.
func (d *AssignmentData) QuestionPoints() float64 {
	var sum float64
	for _, q := range d.Questions {
		if len(q.SubQuestions) > 0 {
			for _, sq := range q.SubQuestions {
				sum += sq.Points
			}
			continue
		}
		sum += q.Points
	}
	return sum
}

// Criterion is one grading criterion.
type Criterion struct {
	QuestionNumber string  `json:"question_number,omitempty"`
	Name           string  `json:"name"`
	Weight         float64 `json:"weight"`
	Description    string  `json:"description,omitempty"`
	MarkingScale   string  `json:"marking_scale,omitempty"`
}

// RubricData is the canonical rubric, whether from a rubric file or embedded in the brief.
type RubricData struct {
	HasEmbeddedRubric bool        `json:"has_embedded_rubric"`
	Criteria          []Criterion `json:"criteria"`
	TotalPoints       float64     `json:"total_points,omitempty"`
	ExtractionNotes   string      `json:"extraction_notes,omitempty"`
}

// WeightSum sums criterion weights.
func (r *RubricData) WeightSum() float64 {
	var sum float64
	for _, c := range r.Criteria {
		sum += c.Weight
	}
	return sum
}

// SolutionAnswer is the reference answer to one question.
type SolutionAnswer struct {
	Number  string `json:"number"`
	Summary string `json:"summary,omitempty"`
	Answer  string `json:"answer"`
}

// SolutionData is the canonical reference solution.
type SolutionData struct {
	Answers []SolutionAnswer `json:"answers"`
}
