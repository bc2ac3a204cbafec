package persona

import "testing"

func TestWakeMatcher_Match(t *testing.T) {
	t.Parallel()
	m := NewWakeMatcher([]string{"Nova"})

	tests := []struct {
		transcript string
		want       bool
	}{
		{"Hey Nova, what's the weather like?", true},
		{"nova", true},
		{"hey novah can you help me", true},
		{"no va, tell me a joke", true},
		{"what's the weather like", false},
		{"", false},
		{"!!!", false},
	}
	for _, tt := range tests {
		t.Run(tt.transcript, func(t *testing.T) {
			t.Parallel()
			word, score, ok := m.Match(tt.transcript)
			if ok != tt.want {
				t.Fatalf("Match(%q) ok = %v (word %q, score %.2f), want %v", tt.transcript, ok, word, score, tt.want)
			}
			if ok && word != "Nova" {
				t.Errorf("word = %q, want Nova", word)
			}
		})
	}
}

func TestWakeMatcher_ExactScoreIsOne(t *testing.T) {
	t.Parallel()
	_, score, ok := NewWakeMatcher([]string{"Nova"}).Match("Nova?")
	if !ok || score != 1 {
		t.Fatalf("Match = %.3f, %v; want 1, true", score, ok)
	}
}

func TestWakeMatcher_MultiWordName(t *testing.T) {
	t.Parallel()
	m := NewWakeMatcher([]string{"Nova", "Miss Nova"})
	if !m.Addressed("okay miss nova turn it up") {
		t.Fatal("multi-word wake word not matched")
	}
}

func TestWakeMatcher_Disabled(t *testing.T) {
	t.Parallel()
	for _, words := range [][]string{nil, {"", "   "}} {
		m := NewWakeMatcher(words)
		if m.Enabled() {
			t.Fatalf("NewWakeMatcher(%q).Enabled() = true", words)
		}
		if !m.Addressed("anything at all") {
			t.Fatal("disabled matcher rejected a transcript")
		}
		if _, _, ok := m.Match("nova"); ok {
			t.Fatal("disabled matcher matched")
		}
	}

	var nilMatcher *WakeMatcher
	if !nilMatcher.Addressed("hello") {
		t.Fatal("nil matcher rejected a transcript")
	}
}

func TestWakeMatcher_Thresholds(t *testing.T) {
	t.Parallel()
	strict := NewWakeMatcher([]string{"Nova"}, WithWakePhoneticThreshold(0.99), WithWakeFuzzyThreshold(0.99))
	if strict.Addressed("hey novah") {
		t.Error("strict matcher accepted a misspelling")
	}
}
