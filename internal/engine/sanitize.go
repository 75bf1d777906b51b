package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"nexus-orchestrator/backend/pkg/models"
)

// leadingNumber matches the longest decimal prefix of a string.
var leadingNumber = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?`)

// parseLeadingFloat reads the numeric prefix of s, so "42abc" is 42. It
// returns nil when s does not start with a number.
func parseLeadingFloat(s string) any {
	prefix := leadingNumber.FindString(strings.TrimSpace(s))
	if prefix == "" {
		return nil
	}
	n, err := strconv.ParseFloat(prefix, 64)
	if err != nil {
		// out of range
		return nil
	}
	return n
}

// SanitizeInput returns a copy of input normalized against fields. Absent
// fields receive their default and absent required fields without a default
// are an error. String values of boolean fields become true only for "true".
// String values of number fields keep their numeric prefix, or nil when
// there is none. Defaults are inserted as declared and keys without a field
// pass through.
func SanitizeInput(input map[string]any, fields []models.FieldSchema) (map[string]any, error) {
	out := make(map[string]any, len(input)+len(fields))
	for k, v := range input {
		out[k] = v
	}
	for _, field := range fields {
		value, ok := out[field.Key]
		if !ok {
			if field.HasDefault() {
				out[field.Key] = field.Default
			} else if field.Required {
				return nil, fmt.Errorf("%w: %s", ErrMissingField, field.Key)
			}
			continue
		}
		s, isString := value.(string)
		if !isString {
			continue
		}
		switch field.Type {
		case models.FieldTypeNumber:
			out[field.Key] = parseLeadingFloat(s)
		case models.FieldTypeBoolean:
			out[field.Key] = strings.TrimSpace(s) == "true"
		}
	}
	return out, nil
}
