package council

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// decodeJSON extracts and unmarshals a JSON object from raw model output
// into target. Strategies, in order: direct parse, fenced-block extraction,
// outermost balanced-brace extraction, and finally a jsonrepair pass on the
// best candidate.
func decodeJSON(raw string, target interface{}) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("empty response")
	}

	candidates := []string{trimmed}
	if fenced, ok := extractFencedBlock(trimmed); ok {
		candidates = append(candidates, fenced)
	}
	if braced, ok := extractBalancedObject(trimmed); ok {
		candidates = append(candidates, braced)
	}

	var lastErr error
	for _, candidate := range candidates {
		if err := json.Unmarshal([]byte(candidate), target); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	// Model output is frequently almost-JSON (trailing commas, single
	// quotes, truncation). Repair the most specific candidate before
	// giving up.
	repairInput := candidates[len(candidates)-1]
	repaired, err := jsonrepair.JSONRepair(repairInput)
	if err != nil {
		return fmt.Errorf("no parseable JSON object: %w", lastErr)
	}
	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return fmt.Errorf("repaired JSON still invalid: %w", err)
	}
	return nil
}

// extractFencedBlock returns the content of the first ```json (or bare ```)
// fenced block.
func extractFencedBlock(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start == -1 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the info string ("json", "JSON", ...).
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// extractBalancedObject extracts the outermost balanced JSON object,
// respecting string literals and escapes.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	s = s[start:]

	depth := 0
	inString := false
	escaped := false
	for i, c := range s {
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

// clampText truncates s to max characters, appending a truncation marker.
func clampText(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "\n[...truncated]"
}
