package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	reFence   = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	reLeadNum = regexp.MustCompile(`^-?\d+(\.\d+)?`)
)

// StripFences removes a markdown code fence around a reply and any prose
// before the first brace or after the last one.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := reFence.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	if s == "" || s[0] == '{' || s[0] == '[' {
		return s
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}

// decodeObject parses text into a JSON object. A top-level array is wrapped
// under arrayKey when one is given.
func decodeObject(text, arrayKey string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		if arrayKey != "" {
			return map[string]any{arrayKey: t}, nil
		}
	}
	return nil, fmt.Errorf("decode: expected a JSON object, got %T", v)
}

// rename moves the first present synonym onto key without overwriting an existing value.
func rename(m map[string]any, key string, synonyms ...string) (changed []string) {
	for _, from := range synonyms {
		v, ok := m[from]
		if !ok {
			continue
		}
		if cur, exists := m[key]; !exists || cur == nil {
			m[key] = v
		}
		delete(m, from)
		changed = append(changed, from+"->"+key)
	}
	return changed
}

func dropNulls(m map[string]any) (dropped []string) {
	for k, v := range m {
		if v == nil {
			delete(m, k)
			dropped = append(dropped, k+"(null)")
		}
	}
	return dropped
}

func objects(v any) []map[string]any {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// asNumber accepts numbers and strings such as "10", "7.5 points" or "85%".
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		s := reLeadNum.FindString(strings.TrimSpace(t))
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

func coerceNumber(m map[string]any, key string) (dropped []string) {
	v, ok := m[key]
	if !ok {
		return nil
	}
	if f, ok := asNumber(v); ok {
		m[key] = f
		return nil
	}
	delete(m, key)
	return []string{key + "(type)"}
}

func coerceString(m map[string]any, key string) {
	switch t := m[key].(type) {
	case nil, string:
		if s, ok := t.(string); ok {
			m[key] = strings.TrimSpace(s)
		}
	case float64:
		m[key] = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		m[key] = strconv.FormatBool(t)
	default:
		if b, err := json.Marshal(t); err == nil {
			m[key] = string(b)
		}
	}
}

func coerceStringList(m map[string]any, key string) {
	switch t := m[key].(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			m[key] = []any{s}
		} else {
			m[key] = []any{}
		}
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			switch it := item.(type) {
			case string:
				if s := strings.TrimSpace(it); s != "" {
					out = append(out, s)
				}
			case nil:
			default:
				tmp := map[string]any{"v": it}
				coerceString(tmp, "v")
				out = append(out, tmp["v"])
			}
		}
		m[key] = out
	}
}

func normalizeQuestion(q map[string]any) (changed []string) {
	changed = append(changed, rename(q, "number", "question_number", "questionNumber", "id")...)
	changed = append(changed, rename(q, "question", "text", "title", "prompt")...)
	changed = append(changed, rename(q, "points", "marks", "max_points", "maxPoints", "weight")...)
	changed = append(changed, rename(q, "sub_questions", "subQuestions", "subquestions", "parts")...)
	changed = append(changed, dropNulls(q)...)
	coerceString(q, "number")
	coerceString(q, "question")
	changed = append(changed, coerceNumber(q, "points")...)
	for _, sq := range objects(q["sub_questions"]) {
		changed = append(changed, normalizeQuestion(sq)...)
	}
	return changed
}

func normalizeAssignment(m map[string]any) (changed []string) {
	changed = append(changed, rename(m, "questions", "questionStructure", "question_structure")...)
	changed = append(changed, rename(m, "total_points", "totalPoints")...)
	changed = append(changed, dropNulls(m)...)
	coerceString(m, "title")
	coerceString(m, "description")
	changed = append(changed, coerceNumber(m, "total_points")...)
	if _, ok := m["questions"]; !ok {
		m["questions"] = []any{}
	}
	for _, q := range objects(m["questions"]) {
		changed = append(changed, normalizeQuestion(q)...)
	}
	return changed
}

func normalizeRubric(m map[string]any) (changed []string) {
	changed = append(changed, rename(m, "criteria", "grading_criteria", "gradingCriteria", "rubric")...)
	changed = append(changed, rename(m, "has_embedded_rubric", "hasEmbeddedRubric")...)
	changed = append(changed, rename(m, "total_points", "totalPoints")...)
	changed = append(changed, rename(m, "extraction_notes", "extractionNotes", "notes")...)
	changed = append(changed, dropNulls(m)...)
	changed = append(changed, coerceNumber(m, "total_points")...)
	coerceString(m, "extraction_notes")
	for _, c := range objects(m["criteria"]) {
		changed = append(changed, rename(c, "name", "criterionName", "criterion_name", "criterion", "title")...)
		changed = append(changed, rename(c, "question_number", "questionNumber", "question")...)
		changed = append(changed, rename(c, "weight", "points", "max_points", "maxScore", "max_score")...)
		changed = append(changed, rename(c, "marking_scale", "markingScale", "scale")...)
		changed = append(changed, dropNulls(c)...)
		coerceString(c, "name")
		coerceString(c, "question_number")
		coerceString(c, "description")
		coerceString(c, "marking_scale")
		changed = append(changed, coerceNumber(c, "weight")...)
	}
	return changed
}

func normalizeSolution(m map[string]any) (changed []string) {
	changed = append(changed, rename(m, "answers", "questions", "solutions")...)
	changed = append(changed, dropNulls(m)...)
	for _, a := range objects(m["answers"]) {
		changed = append(changed, rename(a, "number", "question_number", "questionNumber")...)
		changed = append(changed, rename(a, "summary", "question_summary", "questionSummary")...)
		changed = append(changed, rename(a, "answer", "solution", "model_answer", "expected_output", "expectedOutput")...)
		changed = append(changed, dropNulls(a)...)
		coerceString(a, "number")
		coerceString(a, "summary")
		coerceString(a, "answer")
	}
	return changed
}

func normalizeGrade(m map[string]any) (changed []string) {
	changed = append(changed, rename(m, "score", "overallGrade", "overall_grade", "grade", "total_score", "totalScore")...)
	changed = append(changed, rename(m, "max_score", "maxScore", "totalPossible", "total_possible", "max_points")...)
	changed = append(changed, rename(m, "letter_grade", "letterGrade")...)
	changed = append(changed, rename(m, "weaknesses", "areasForImprovement", "areas_for_improvement", "improvements")...)
	changed = append(changed, dropNulls(m)...)
	changed = append(changed, coerceNumber(m, "score")...)
	changed = append(changed, coerceNumber(m, "max_score")...)
	coerceString(m, "letter_grade")
	coerceStringList(m, "strengths")
	coerceStringList(m, "weaknesses")
	if _, ok := m["strengths"]; !ok {
		m["strengths"] = []any{}
	}
	if _, ok := m["weaknesses"]; !ok {
		m["weaknesses"] = []any{}
	}

	coerceString(m, "feedback")
	if fb, _ := m["feedback"].(string); fb == "" {
		if synthesized := criteriaFeedback(m); synthesized != "" {
			m["feedback"] = synthesized
			changed = append(changed, "criteriaGrades->feedback")
		}
	}
	return changed
}

// criteriaFeedback flattens per-criterion grades into one feedback block.
func criteriaFeedback(m map[string]any) string {
	var lines []string
	for _, c := range objects(firstPresent(m, "criteriaGrades", "criteria_grades")) {
		rename(c, "name", "criterionName", "criterion_name")
		rename(c, "question_number", "questionNumber")
		rename(c, "max_score", "maxScore")
		coerceString(c, "name")
		coerceString(c, "question_number")
		coerceString(c, "feedback")

		var b strings.Builder
		if q, _ := c["question_number"].(string); q != "" {
			b.WriteString("Q" + q + " ")
		}
		name, _ := c["name"].(string)
		b.WriteString(name)
		score, okS := asNumber(c["score"])
		maxScore, okM := asNumber(c["max_score"])
		if okS && okM {
			fmt.Fprintf(&b, " (%s/%s)", strconv.FormatFloat(score, 'f', -1, 64), strconv.FormatFloat(maxScore, 'f', -1, 64))
		}
		if fb, _ := c["feedback"].(string); fb != "" {
			b.WriteString(": " + fb)
		}
		if line := strings.TrimSpace(b.String()); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}
