package llm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a canonical reply shape: a JSON-Schema document plus the
// normalization that maps provider field-name variance onto it.
type Schema struct {
	Name string
	// ArrayKey wraps a bare top-level array reply under this key.
	ArrayKey  string
	Document  map[string]any
	normalize func(map[string]any) []string

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		s.compiled, s.err = compileSchema(s.Name+".json", s.Document)
	})
	return s.compiled, s.err
}

// Parse strips formatting from text, normalizes it, validates it and decodes
// it into out. It returns the list of normalization changes applied.
func (s *Schema) Parse(text string, out any) ([]string, error) {
	m, err := decodeObject(StripFences(text), s.ArrayKey)
	if err != nil {
		return nil, err
	}
	var changed []string
	if s.normalize != nil {
		changed = s.normalize(m)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return changed, fmt.Errorf("encode: %w", err)
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return changed, fmt.Errorf("decode: %w", err)
	}
	compiled, err := s.compile()
	if err != nil {
		return changed, err
	}
	if err := compiled.Validate(generic); err != nil {
		return changed, fmt.Errorf("%s reply does not match schema: %w", s.Name, err)
	}
	if err := json.Unmarshal(b, out); err != nil {
		return changed, fmt.Errorf("unmarshal %s: %w", s.Name, err)
	}
	return changed, nil
}

var (
	AssignmentSchema = &Schema{
		Name:      "assignment",
		normalize: normalizeAssignment,
		Document: object(map[string]any{
			"title":        str(),
			"description":  str(),
			"total_points": num(),
			"questions":    array(questionDoc(2)),
		}, "title", "questions"),
	}

	RubricSchema = &Schema{
		Name:      "rubric",
		normalize: normalizeRubric,
		Document: object(map[string]any{
			"has_embedded_rubric": map[string]any{"type": "boolean"},
			"total_points":        num(),
			"extraction_notes":    str(),
			"criteria": array(object(map[string]any{
				"question_number": str(),
				"name":            map[string]any{"type": "string", "minLength": 1},
				"weight":          num(),
				"description":     str(),
				"marking_scale":   str(),
			}, "name", "weight")),
		}, "criteria"),
	}

	SolutionSchema = &Schema{
		Name:      "solution",
		ArrayKey:  "answers",
		normalize: normalizeSolution,
		Document: object(map[string]any{
			"answers": array(object(map[string]any{
				"number":  str(),
				"summary": str(),
				"answer":  str(),
			}, "answer")),
		}, "answers"),
	}

	GradeSchema = &Schema{
		Name:      "grade",
		normalize: normalizeGrade,
		Document: object(map[string]any{
			"score":        num(),
			"max_score":    num(),
			"letter_grade": str(),
			"feedback":     str(),
			"strengths":    array(str()),
			"weaknesses":   array(str()),
		}, "score", "feedback"),
	}
)

func object(props map[string]any, required ...string) map[string]any {
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func array(items map[string]any) map[string]any {
	return map[string]any{"type": "array", "items": items}
}

func str() map[string]any { return map[string]any{"type": "string"} }

func num() map[string]any { return map[string]any{"type": "number", "minimum": 0} }

// questionDoc describes a question with sub-questions nested up to depth levels.
func questionDoc(depth int) map[string]any {
	props := map[string]any{
		"number":   str(),
		"question": str(),
		"points":   num(),
	}
	if depth > 0 {
		props["sub_questions"] = array(questionDoc(depth - 1))
	}
	return object(props, "question")
}
