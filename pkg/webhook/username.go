package webhook

import (
	"regexp"
	"strings"
)

// Name-introduction patterns, English plus romanized Hindi. The capture
// group is the name candidate, up to three words.
var usernamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*){0,2})`),
	regexp.MustCompile(`(?i)\bthis is\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*){0,2})`),
	regexp.MustCompile(`(?i)\bhi[, ]+i'?m\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*){0,2})`),
	regexp.MustCompile(`(?i)\bi am\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*){0,2})`),
	regexp.MustCompile(`(?i)\bmera naam\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*){0,2})\b`),
	regexp.MustCompile(`(?i)\bnaam\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*){0,2})\s+hai\b`),
	regexp.MustCompile(`(?i)\bmain\s+([A-Za-z][A-Za-z'-]*(?:\s+[A-Za-z][A-Za-z'-]*){0,2})\s+hoon\b`),
}

// Candidates that are acknowledgements or fillers, never names.
var invalidNames = map[string]bool{
	"ditto": true, "same": true, "unknown": true, "na": true, "n/a": true,
	"none": true, "yes": true, "haan": true, "han": true, "ji": true,
	"okay": true, "ok": true,
}

// Tokens that leak into the capture from the sentence tail.
var trailingTokens = map[string]bool{
	"and": true, "i": true, "ji": true, "hai": true,
	"hoon": true, "hun": true, "haan": true, "han": true,
}

var nonNameChars = regexp.MustCompile(`[^A-Za-z\s'-]`)

// ExtractUsername pulls the caller's self-introduced name out of the
// transcript. When the caller introduces themselves more than once, the
// last introduction wins; callers correct themselves late.
func ExtractUsername(transcript string) string {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return ""
	}

	bestStart := -1
	best := ""

	for _, pattern := range usernamePatterns {
		for _, match := range pattern.FindAllStringSubmatchIndex(text, -1) {
			candidate := text[match[2]:match[3]]
			cleaned := strings.TrimSpace(nonNameChars.ReplaceAllString(candidate, ""))
			if cleaned == "" {
				continue
			}

			parts := strings.Fields(cleaned)
			for len(parts) > 0 && trailingTokens[strings.ToLower(parts[len(parts)-1])] {
				parts = parts[:len(parts)-1]
			}
			cleaned = strings.Join(parts, " ")

			if cleaned == "" || invalidNames[strings.ToLower(cleaned)] {
				continue
			}
			if len(cleaned) <= 1 || len(cleaned) > 60 {
				continue
			}

			if match[0] > bestStart {
				bestStart = match[0]
				best = cleaned
			}
		}
	}

	return best
}

// IsPlaceholderName reports whether a stored name is one of the values
// that mean "no real name was given".
func IsPlaceholderName(name string) bool {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	if cleaned == "" {
		return true
	}
	switch cleaned {
	case "ditto", "same", "unknown", "na", "n/a", "none":
		return true
	}
	return false
}
