// Package phonetic matches misrecognized words against a known vocabulary
// using Double Metaphone phonetic encoding combined with Jaro-Winkler string
// similarity for ranked candidate selection.
//
// Speech recognizers routinely mangle technical vocabulary: product names,
// API identifiers, and project jargon come back as the closest everyday
// words ("swift you eye" for "SwiftUI", "post gress" for "Postgres"). The
// matcher recovers the intended term in two stages:
//
//  1. Phonetic candidate filtering: Double Metaphone codes are computed for
//     the space-stripped input and for each space-stripped vocabulary term.
//     Terms sharing a code with the input become phonetic candidates.
//
//  2. Jaro-Winkler ranking: the candidate with the highest Jaro-Winkler
//     similarity wins, provided its score clears the phonetic threshold.
//     Both the full strings and their space-stripped forms are compared and
//     the better score counts.
//
// When no phonetic candidate clears its threshold, a fallback pass ranks all
// terms by pure Jaro-Winkler similarity. Fuzzy matches carry extra guards:
// the term must be at least five characters, input and term must agree on
// their first letter, and the two must be of comparable length. The Winkler
// prefix bonus would otherwise let short terms capture everyday words (a
// vocabulary entry "REST" must not swallow "restart").
//
// Multi-word inputs are supported in both directions: a spoken n-gram like
// "swift you eye" can match the single term "SwiftUI", and a phrase term
// like "Pull Request" can match the two-word window "pool request". The
// correction path runs per transcript fragment, so vocabularies should be
// prepared once with [PrepareTerms] and reused via [Matcher.MatchPrepared].
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.85
	defaultFuzzyThreshold    = 0.85

	// Terms shorter than this never become phonetic candidates. Acronyms
	// that short are spoken letter by letter ("BRB" as "bee are bee"),
	// which Double Metaphone cannot model; they match by exact lookup only.
	minPhoneticTermLen = 4

	// Fuzzy matches require the term to be at least this long.
	minFuzzyTermLen = 5

	// A spoken rendering may be at most one character shorter or this many
	// characters longer than the term it matches ("swiftyoueye" carries
	// four more than "swiftui").
	maxSpokenGrowth = 6
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched term to be accepted. Default: 0.85.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the matcher falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) {
		m.fuzzyThreshold = threshold
	}
}

// Matcher is a phonetic vocabulary matcher. All methods are safe for
// concurrent use — the Matcher is read-only after construction.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a new [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// termEntry is one vocabulary term with its precomputed comparison data.
type termEntry struct {
	canonical string
	lower     string
	joined    string
	codes     map[string]struct{}
}

// Terms is a prepared vocabulary: canonical spellings with their phonetic
// codes precomputed once. Terms values are immutable and safe to share
// between goroutines.
type Terms struct {
	entries  []termEntry
	maxWords int
}

// PrepareTerms precomputes phonetic codes for a vocabulary. Empty and
// whitespace-only terms are skipped. Prepare once per vocabulary change, not
// per match.
func PrepareTerms(terms []string) *Terms {
	ts := &Terms{entries: make([]termEntry, 0, len(terms))}
	for _, term := range terms {
		lower := strings.ToLower(strings.TrimSpace(term))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		joined := strings.Join(tokens, "")
		e := termEntry{
			canonical: term,
			lower:     strings.Join(tokens, " "),
			joined:    joined,
		}
		if len(joined) >= minPhoneticTermLen {
			e.codes = codesFor(joined)
		}
		ts.entries = append(ts.entries, e)
		if len(tokens) > ts.maxWords {
			ts.maxWords = len(tokens)
		}
	}
	return ts
}

// Len returns the number of prepared terms.
func (t *Terms) Len() int { return len(t.entries) }

// MaxWords returns the largest word count of any prepared term. Returns 0
// for an empty vocabulary.
func (t *Terms) MaxWords() int { return t.maxWords }

// Match attempts to find the vocabulary term most phonetically similar to
// word. It prepares terms on every call; prefer [Matcher.MatchPrepared] with
// a shared [Terms] on hot paths.
//
// When matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) Match(word string, terms []string) (corrected string, confidence float64, matched bool) {
	return m.MatchPrepared(word, PrepareTerms(terms))
}

// MatchPrepared attempts to find the term from ts most phonetically similar
// to word.
//
// word may be a single word or a space-separated phrase (n-gram): the spoken
// rendering is compared space-stripped as well, so "swift you eye" can match
// the one-word term "SwiftUI".
//
// When matched is false, corrected equals word unchanged and confidence is 0.
func (m *Matcher) MatchPrepared(word string, ts *Terms) (corrected string, confidence float64, matched bool) {
	if ts == nil || len(ts.entries) == 0 || strings.TrimSpace(word) == "" {
		return word, 0, false
	}

	wordTokens := strings.Fields(strings.ToLower(word))
	wordLower := strings.Join(wordTokens, " ")
	joined := strings.Join(wordTokens, "")
	inputCodes := codesFor(joined)

	type candidate struct {
		term     string
		score    float64
		phonetic bool
	}
	var best candidate

	for _, e := range ts.entries {
		if len(joined) < len(e.joined)-1 || len(joined) > len(e.joined)+maxSpokenGrowth {
			continue
		}

		score := matchr.JaroWinkler(wordLower, e.lower, false)
		if joined != wordLower || e.joined != e.lower {
			if s := matchr.JaroWinkler(joined, e.joined, false); s > score {
				score = s
			}
		}

		if codesOverlap(inputCodes, e.codes) {
			if score >= m.phoneticThreshold && (!best.phonetic || score > best.score) {
				best = candidate{term: e.canonical, score: score, phonetic: true}
			}
			continue
		}
		if best.phonetic {
			continue
		}
		if len(e.joined) >= minFuzzyTermLen && joined[0] == e.joined[0] &&
			score >= m.fuzzyThreshold && score > best.score {
			best = candidate{term: e.canonical, score: score}
		}
	}

	if best.term != "" {
		return best.term, best.score, true
	}
	return word, 0, false
}

// codesFor returns the Double Metaphone codes of one space-stripped string.
// Empty codes are excluded.
func codesFor(s string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, sec := matchr.DoubleMetaphone(s)
	if p != "" {
		codes[p] = struct{}{}
	}
	if sec != "" {
		codes[sec] = struct{}{}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	// Iterate over the smaller set.
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
