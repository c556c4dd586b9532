package constants

// DefaultTotalPoints applies when an assignment has no total configured or derivable.
const DefaultTotalPoints = 100

// MaxConsensusListItems caps merged strengths/weaknesses.
const MaxConsensusListItems = 5

// LetterGrade is an A-F grade band.
type LetterGrade string

const (
	GradeA LetterGrade = "A"
	GradeB LetterGrade = "B"
	GradeC LetterGrade = "C"
	GradeD LetterGrade = "D"
	GradeF LetterGrade = "F"
)

// Valid reports whether g is one of the five bands.
func (g LetterGrade) Valid() bool {
	switch g {
	case GradeA, GradeB, GradeC, GradeD, GradeF:
		return true
	}
	return false
}

// DefaultModels used when an assignment configures none.
var DefaultModels = []string{"gemini-2.5-pro"}
