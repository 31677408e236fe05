// Package llmjson extracts JSON objects from model output that may be wrapped
// in code fences or surrounded by prose.
package llmjson

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoObject is returned when the text contains no JSON object
var ErrNoObject = errors.New("no JSON object in model output")

// Extract returns the JSON object embedded in text
func Extract(text string) (string, error) {
	s := strings.TrimSpace(text)

	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", ErrNoObject
	}
	return s[start : end+1], nil
}

// Decode extracts the JSON object in text and unmarshals it into v
func Decode(text string, v interface{}) error {
	raw, err := Extract(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}
