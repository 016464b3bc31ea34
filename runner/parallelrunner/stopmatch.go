package parallelrunner

import "strings"

// StopMatcher detects full token-sequence stops and full/partial string
// stops (C2). It is rebuilt fresh for every task a slot admits (spec.md
// §4.4); grounded on original_source/parallel/slot.rs's StopMatcher and
// stop_sequence.rs's find_partial_stop.
type StopMatcher struct {
	tokenSequences [][]int32
	stringPatterns []string
}

// NewStopMatcher builds a matcher for one task. tokenSequences are checked
// in registration order; stringPatterns are checked against detokenized
// text.
func NewStopMatcher(tokenSequences [][]int32, stringPatterns []string) *StopMatcher {
	return &StopMatcher{tokenSequences: tokenSequences, stringPatterns: stringPatterns}
}

// CheckTokenStop returns the length of the first registered token sequence
// whose tail equals the tail of generated, in registration order, or false
// if none match.
func (m *StopMatcher) CheckTokenStop(generated []int32) (int, bool) {
	for _, stop := range m.tokenSequences {
		if len(stop) == 0 || len(stop) > len(generated) {
			continue
		}
		tail := generated[len(generated)-len(stop):]
		if int32SliceEqual(tail, stop) {
			return len(stop), true
		}
	}
	return 0, false
}

func int32SliceEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// StringPatterns returns the registered string stop patterns.
func (m *StopMatcher) StringPatterns() []string {
	return m.stringPatterns
}

// FindFullStop reports whether text contains any registered string pattern
// in full, returning the byte index of its first occurrence and the
// pattern itself.
func (m *StopMatcher) FindFullStop(text string) (index int, pattern string, found bool) {
	for _, stop := range m.stringPatterns {
		if stop == "" {
			continue
		}
		if i := strings.Index(text, stop); i >= 0 {
			return i, stop, true
		}
	}
	return 0, "", false
}

// ContainsStopSuffix reports whether text ends with a non-empty proper
// prefix of any registered string pattern (i.e. generation may still turn
// into a full stop match with more tokens).
func (m *StopMatcher) ContainsStopSuffix(text string) bool {
	for _, stop := range m.stringPatterns {
		if _, ok := FindPartialStop(text, stop); ok {
			return true
		}
	}
	return false
}

// FindPartialStop implements llama.cpp's string_find_partial_stop: scanning
// pattern's code points from the end, find the longest prefix of pattern
// that text ends with. Returns the byte index in text where that matched
// prefix begins. Grounded verbatim on
// original_source/parallel/stop_sequence.rs's find_partial_stop.
func FindPartialStop(text, pattern string) (int, bool) {
	if text == "" || pattern == "" {
		return 0, false
	}

	textRunes := []rune(text)
	textLastChar := textRunes[len(textRunes)-1]
	patternRunes := []rune(pattern)

	for i := len(patternRunes) - 1; i >= 0; i-- {
		if patternRunes[i] != textLastChar {
			continue
		}
		candidate := string(patternRunes[:i+1])
		if strings.HasSuffix(text, candidate) {
			return len(text) - len(candidate), true
		}
	}
	return 0, false
}
