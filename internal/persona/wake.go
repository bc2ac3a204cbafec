package persona

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultWakePhoneticThreshold = 0.85
	defaultWakeFuzzyThreshold    = 0.92
)

// WakeOption configures a [WakeMatcher].
type WakeOption func(*WakeMatcher)

// WithWakePhoneticThreshold sets the Jaro-Winkler score a phonetically
// matching phrase must reach. Default: 0.85.
func WithWakePhoneticThreshold(v float64) WakeOption {
	return func(m *WakeMatcher) { m.phoneticThreshold = v }
}

// WithWakeFuzzyThreshold sets the Jaro-Winkler score a phrase without a
// phonetic match must reach. Default: 0.92.
func WithWakeFuzzyThreshold(v float64) WakeOption {
	return func(m *WakeMatcher) { m.fuzzyThreshold = v }
}

// WakeMatcher decides whether a transcript addresses the persona by one of
// its wake words. Transcription regularly misspells names ("Nover",
// "Novah"), so words are compared by their Double Metaphone codes first and
// ranked by Jaro-Winkler similarity, with a stricter pure-similarity pass
// for words that do not sound alike.
//
// A WakeMatcher is read-only after construction and safe for concurrent use.
type WakeMatcher struct {
	words             []wakeWord
	phoneticThreshold float64
	fuzzyThreshold    float64
}

type wakeWord struct {
	display string
	tokens  []string
	joined  string
	codes   map[string]struct{}
}

// NewWakeMatcher returns a matcher for words. Blank words are ignored; with
// none left the matcher is disabled.
func NewWakeMatcher(words []string, opts ...WakeOption) *WakeMatcher {
	m := &WakeMatcher{
		phoneticThreshold: defaultWakePhoneticThreshold,
		fuzzyThreshold:    defaultWakeFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	for _, w := range words {
		tokens := tokenize(w)
		if len(tokens) == 0 {
			continue
		}
		m.words = append(m.words, wakeWord{
			display: strings.TrimSpace(w),
			tokens:  tokens,
			joined:  strings.Join(tokens, " "),
			codes:   metaphoneCodes(tokens),
		})
	}
	return m
}

// Enabled reports whether any wake word is configured.
func (m *WakeMatcher) Enabled() bool { return m != nil && len(m.words) > 0 }

// Addressed reports whether transcript mentions a wake word. A disabled
// matcher accepts everything.
func (m *WakeMatcher) Addressed(transcript string) bool {
	if !m.Enabled() {
		return true
	}
	_, _, ok := m.Match(transcript)
	return ok
}

// Match returns the wake word transcript mentions and the similarity score
// of the best matching phrase.
func (m *WakeMatcher) Match(transcript string) (word string, score float64, ok bool) {
	if !m.Enabled() {
		return "", 0, false
	}
	tokens := tokenize(transcript)
	if len(tokens) == 0 {
		return "", 0, false
	}

	var (
		best         float64
		bestWord     string
		bestPhonetic bool
	)
	for _, w := range m.words {
		for _, phrase := range phrases(tokens, len(w.tokens)) {
			s := jaroWinkler(phrase, w)
			if codesOverlap(metaphoneCodes(phrase), w.codes) {
				if s >= m.phoneticThreshold && (!bestPhonetic || s > best) {
					best, bestWord, bestPhonetic = s, w.display, true
				}
				continue
			}
			if !bestPhonetic && s >= m.fuzzyThreshold && s > best {
				best, bestWord = s, w.display
			}
		}
	}
	if bestWord == "" {
		return "", 0, false
	}
	return bestWord, best, true
}

// phrases returns every run of n consecutive tokens, plus runs one token
// longer so a name split in two by transcription ("no va") still lines up.
func phrases(tokens []string, n int) [][]string {
	var out [][]string
	for size := n; size <= n+1; size++ {
		for i := 0; i+size <= len(tokens); i++ {
			out = append(out, tokens[i:i+size])
		}
	}
	return out
}

// jaroWinkler scores phrase against w on the spaced and the concatenated
// spelling and keeps the better score.
func jaroWinkler(phrase []string, w wakeWord) float64 {
	score := matchr.JaroWinkler(strings.Join(phrase, " "), w.joined, false)
	if s := matchr.JaroWinkler(strings.Join(phrase, ""), strings.Join(w.tokens, ""), false); s > score {
		score = s
	}
	return score
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// metaphoneCodes returns the union of the Double Metaphone codes of tokens
// and of their concatenation.
func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2+2)
	add := func(t string) {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	for _, t := range tokens {
		add(t)
	}
	if len(tokens) > 1 {
		add(strings.Join(tokens, ""))
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
