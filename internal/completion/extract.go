package completion

import (
	"regexp"
	"strings"
)

var fencedBlockPattern = regexp.MustCompile("(?s)```([^\\s`]*)\\s*(.*?)\\s*```")

// StripFences removes a surrounding markdown code fence with an optional
// language tag and trims the result. Text without fences passes through.
func StripFences(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	match := fencedBlockPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return strings.TrimSpace(strings.Trim(trimmed, "`"))
	}
	return strings.TrimSpace(match[2])
}

// ExtractFencedBlock finds the first fenced block tagged with lang
// anywhere in the text. Models wrap their answers in prose often enough
// that callers should not assume the fence starts the response.
func ExtractFencedBlock(value, lang string) (string, bool) {
	for _, match := range fencedBlockPattern.FindAllStringSubmatch(value, -1) {
		if strings.EqualFold(strings.TrimSpace(match[1]), lang) {
			return strings.TrimSpace(match[2]), true
		}
	}
	return "", false
}

// FencedBlocks returns every fenced block in the text as (tag, body)
// pairs, in order of appearance.
func FencedBlocks(value string) [][2]string {
	matches := fencedBlockPattern.FindAllStringSubmatch(value, -1)
	blocks := make([][2]string, 0, len(matches))
	for _, match := range matches {
		blocks = append(blocks, [2]string{strings.TrimSpace(match[1]), strings.TrimSpace(match[2])})
	}
	return blocks
}
