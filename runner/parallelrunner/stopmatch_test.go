package parallelrunner

import "testing"

func TestFindPartialStop(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		pattern string
		wantIdx int
		wantOK  bool
	}{
		{"exact_match", "Hello world</s>", "</s>", 11, true},
		{"partial_match", "Hello world<", "</s>", 11, true},
		{"longer_partial", "Hello world</", "</s>", 11, true},
		{"no_match", "Hello world", "</s>", 0, false},
		{"empty_text", "", "</s>", 0, false},
		{"empty_stop", "Hello world", "", 0, false},
		{"single_char", "Hello <", "<|endoftext|>", 6, true},
		{"multiple_chars", "Hello <|end", "<|endoftext|>", 6, true},
		{"no_partial_in_middle", "Hello < world", "</s>", 0, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			idx, ok := FindPartialStop(c.text, c.pattern)
			if ok != c.wantOK {
				t.Fatalf("FindPartialStop(%q, %q) ok = %v, want %v", c.text, c.pattern, ok, c.wantOK)
			}
			if ok && idx != c.wantIdx {
				t.Fatalf("FindPartialStop(%q, %q) = %d, want %d", c.text, c.pattern, idx, c.wantIdx)
			}
		})
	}
}

func TestFindFullStop(t *testing.T) {
	m := NewStopMatcher(nil, []string{"STOP", "END"})

	idx, pattern, found := m.FindFullStop("before STOP after")
	if !found || idx != 7 || pattern != "STOP" {
		t.Fatalf("got idx=%d pattern=%q found=%v", idx, pattern, found)
	}

	if _, _, found := m.FindFullStop("no match here"); found {
		t.Fatal("expected no match")
	}
}

func TestCheckTokenStop(t *testing.T) {
	m := NewStopMatcher([][]int32{{1, 2}, {9}}, nil)

	if _, matched := m.CheckTokenStop([]int32{5, 1, 2}); !matched {
		t.Fatal("expected tail {1,2} to match")
	}
	if _, matched := m.CheckTokenStop([]int32{5, 1, 3}); matched {
		t.Fatal("expected no match")
	}
	// registration order: {1,2} checked before {9}, first match wins
	length, matched := m.CheckTokenStop([]int32{9, 1, 2})
	if !matched || length != 2 {
		t.Fatalf("expected first-registered match of length 2, got length=%d matched=%v", length, matched)
	}
}

func TestContainsStopSuffix(t *testing.T) {
	m := NewStopMatcher(nil, []string{"</s>"})
	if !m.ContainsStopSuffix("partial <") {
		t.Fatal("expected a partial suffix match")
	}
	if m.ContainsStopSuffix("no match") {
		t.Fatal("expected no partial match")
	}
}
