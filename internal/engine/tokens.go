package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ReplaceTokens resolves {{path.to.value}} placeholders in every string
// nested inside value against context. Missing paths become empty strings.
func ReplaceTokens(value any, context map[string]any) any {
	switch v := value.(type) {
	case string:
		return replaceString(v, context)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ReplaceTokens(item, context)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ReplaceTokens(item, context)
		}
		return out
	default:
		return value
	}
}

// ReplaceTokensMap is ReplaceTokens for step inputs.
func ReplaceTokensMap(input map[string]any, context map[string]any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	return ReplaceTokens(input, context).(map[string]any)
}

func replaceString(s string, context map[string]any) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		path := tokenPattern.FindStringSubmatch(match)[1]
		v, ok := lookup(context, path)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

func lookup(context map[string]any, path string) (any, bool) {
	var current any = context
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, current != nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool, int, int64, json.Number:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
