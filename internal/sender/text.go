package sender

import (
	"strings"
)

// SplitText cuts text into chunks of at most limit runes, preferring to
// break after a newline and then after a space. Blank text yields no
// chunks.
func SplitText(text string, limit int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	var chunks []string
	for len(runes) > limit {
		cut := lastBreak(runes[:limit])
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

func lastBreak(window []rune) int {
	// do not produce tiny chunks for a break near the start
	floor := len(window) / 2
	for _, sep := range []rune{'\n', ' '} {
		for i := len(window) - 1; i >= floor; i-- {
			if window[i] == sep {
				return i + 1
			}
		}
	}
	return len(window)
}
