package stages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/config"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/failures"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/typeutil"
)

// ParseRecord extracts a JSON object from a backend reply and validates it against
// the schema. The returned record holds normalized values: string lists as []string,
// integers as int. Undeclared fields are dropped.
func ParseRecord(stage, text string, schema config.OutputSchema) (map[string]any, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, failures.New(failures.KindSchemaViolation, stage, err)
	}

	record := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		v, present := raw[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, failures.Newf(failures.KindSchemaViolation, stage, "missing required field '%s'", f.Name)
			}
			continue
		}
		normalized, err := checkField(f, v)
		if err != nil {
			return nil, failures.New(failures.KindSchemaViolation, stage, err)
		}
		record[f.Name] = normalized
	}
	return record, nil
}

func checkField(f config.FieldSpec, v any) (any, error) {
	switch f.Type {
	case config.FieldString:
		s, ok := typeutil.SafeString(v)
		if !ok {
			return nil, fmt.Errorf("field '%s' must be a string, got %T", f.Name, v)
		}
		if f.Required && strings.TrimSpace(s) == "" {
			return nil, fmt.Errorf("field '%s' is empty", f.Name)
		}
		return s, nil
	case config.FieldInteger:
		i, ok := typeutil.SafeInt(v)
		if !ok {
			return nil, fmt.Errorf("field '%s' must be an integer, got %v", f.Name, v)
		}
		return i, nil
	case config.FieldNumber:
		n, ok := typeutil.SafeFloat64(v)
		if !ok {
			return nil, fmt.Errorf("field '%s' must be a number, got %T", f.Name, v)
		}
		return n, nil
	case config.FieldBoolean:
		b, ok := typeutil.SafeBool(v)
		if !ok {
			return nil, fmt.Errorf("field '%s' must be a boolean, got %T", f.Name, v)
		}
		return b, nil
	case config.FieldStringList:
		items, ok := typeutil.SafeStringSlice(v)
		if !ok {
			return nil, fmt.Errorf("field '%s' must be a list of strings", f.Name)
		}
		if f.MinItems > 0 && len(items) < f.MinItems {
			return nil, fmt.Errorf("field '%s' has %d items, want at least %d", f.Name, len(items), f.MinItems)
		}
		if f.MaxItems > 0 && len(items) > f.MaxItems {
			return nil, fmt.Errorf("field '%s' has %d items, want at most %d", f.Name, len(items), f.MaxItems)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("field '%s' has unknown type '%s'", f.Name, f.Type)
	}
}

// extractJSON finds the JSON object in a model reply: the whole text, then a fenced
// code block, then the first balanced {...} span that parses.
func extractJSON(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err == nil && result != nil {
		return result, nil
	}

	if fenced, ok := fencedBlock(text); ok {
		if err := json.Unmarshal([]byte(fenced), &result); err == nil && result != nil {
			return result, nil
		}
	}

	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchingBrace(text, start)
		if end < 0 {
			break
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &result); err == nil && result != nil {
			return result, nil
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}

	return nil, fmt.Errorf("no valid JSON object found in response")
}

func fencedBlock(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open < 0 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:] // drop the language tag line
	}
	closing := strings.Index(rest, "```")
	if closing < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:closing]), true
}

// matchingBrace returns the index of the brace closing the one at start, skipping
// braces inside JSON strings, or -1.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
