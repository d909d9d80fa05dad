// Package transcript implements the context-aware correction engine applied
// to every text fragment the recognition backend emits.
//
// Raw speech-to-text output is rarely perfect for domain vocabulary: product
// names, API identifiers, and jargon come back lowercased, split apart, or
// replaced by the nearest everyday words. The [Corrector] fixes fragments in
// two passes, in fixed order:
//
//  1. Vocabulary restoration: any custom or context vocabulary term found in
//     the text (whole-word, case-insensitive) is restored to its canonical
//     casing and spelling. Misrecognized spoken forms are recovered by
//     n-gram phonetic matching ("swift you eye" becomes "SwiftUI").
//
//  2. Phrase substitution: the active context's fixed table of spoken forms
//     is applied ("print line" becomes "println" in a coding context).
//
// Vocabulary restoration runs first because phrase rules may target
// vocabulary-restored tokens. Apply is idempotent: applying it twice to
// already-corrected text yields the same text, which correction-type updates
// rely on when they re-run the corrector over previously published finals.
//
// Each [Correction] records which pass produced the substitution and its
// confidence, so callers can audit, display, or log changes.
package transcript

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/MrWong99/echolex/internal/transcript/phonetic"
	"github.com/MrWong99/echolex/pkg/types"
)

// spokenWindowSlack is how many extra tokens a phonetic window may span
// beyond the longest vocabulary term. Spoken forms split camel-case terms
// into several words ("swift you eye" is three tokens for the one-word term
// "SwiftUI"), so windows must be allowed to outgrow the term word count.
const spokenWindowSlack = 2

// Correction captures a single substitution made by [Corrector.ApplyDetailed].
type Correction struct {
	// Original is the text span as produced by the recognition backend.
	Original string

	// Corrected is the replacement that was emitted.
	Corrected string

	// Confidence is the corrector's confidence in this substitution (0.0–1.0).
	// Exact vocabulary and phrase-table hits are 1.0; phonetic matches carry
	// the matcher's similarity score.
	Confidence float64

	// Method describes which pass produced this substitution.
	// Well-known values:
	//   "vocabulary" — exact whole-word vocabulary restoration.
	//   "phonetic"   — phonetic vocabulary restoration.
	//   "phrase"     — context phrase-table substitution.
	Method string
}

// CorrectorOption is a functional option for configuring a [Corrector].
type CorrectorOption func(*Corrector)

// WithMatcher sets the phonetic matcher used for vocabulary restoration.
// Pass nil to disable phonetic restoration entirely; exact whole-word
// restoration and phrase substitution still apply.
func WithMatcher(m *phonetic.Matcher) CorrectorOption {
	return func(c *Corrector) {
		c.matcher = m
	}
}

// Corrector rewrites transcript fragments according to the active usage
// context and vocabulary. It is safe for concurrent use: the correction path
// reads an immutable vocabulary snapshot, and mutations install a freshly
// built snapshot with an atomic swap, so a correction pass in flight never
// observes a partially updated table.
type Corrector struct {
	matcher *phonetic.Matcher

	// mu serializes mutations; vocab holds the current immutable snapshot.
	mu    sync.Mutex
	vocab atomic.Pointer[vocabulary]
}

// NewCorrector returns a Corrector in the general context with an empty
// custom vocabulary and a default phonetic matcher.
func NewCorrector(opts ...CorrectorOption) *Corrector {
	c := &Corrector{matcher: phonetic.New()}
	for _, o := range opts {
		o(c)
	}
	c.vocab.Store(newVocabulary(types.AppContext{Kind: types.ContextGeneral}, nil))
	return c
}

// SetContext replaces the context vocabulary and phrase table with the
// built-ins for ctx. Custom vocabulary added via [Corrector.AddVocabulary]
// is preserved across context switches.
func (c *Corrector) SetContext(ctx types.AppContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.vocab.Load()
	c.vocab.Store(newVocabulary(ctx, cur.custom))
}

// Context returns the active usage context.
func (c *Corrector) Context() types.AppContext {
	return c.vocab.Load().appCtx
}

// AddVocabulary adds custom terms to the vocabulary. Terms are deduplicated
// case-insensitively (first spelling wins) and survive context switches.
// Blank terms are ignored.
func (c *Corrector) AddVocabulary(words []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.vocab.Load()

	seen := make(map[string]struct{}, len(cur.custom))
	for _, w := range cur.custom {
		seen[strings.ToLower(w)] = struct{}{}
	}
	merged := cur.custom
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		lower := strings.ToLower(w)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		merged = append(merged[:len(merged):len(merged)], w)
	}
	if len(merged) == len(cur.custom) {
		return
	}
	c.vocab.Store(newVocabulary(cur.appCtx, merged))
}

// CustomVocabulary returns a copy of the user-added vocabulary terms in
// insertion order.
func (c *Corrector) CustomVocabulary() []string {
	cur := c.vocab.Load()
	out := make([]string, len(cur.custom))
	copy(out, cur.custom)
	return out
}

// ActiveTerms returns every term the corrector currently restores, context
// terms first, then custom terms. Useful as backend keyword hints.
func (c *Corrector) ActiveTerms() []string {
	cur := c.vocab.Load()
	out := make([]string, 0, len(cur.context)+len(cur.custom))
	out = append(out, cur.context...)
	out = append(out, cur.custom...)
	return out
}

// Apply corrects text and returns the result. It is a pure function of the
// current vocabulary snapshot: no internal state changes, and repeated
// application is stable. Whitespace runs are normalised to single spaces.
func (c *Corrector) Apply(text string) string {
	corrected, _ := c.ApplyDetailed(text)
	return corrected
}

// ApplyDetailed corrects text and additionally returns the ordered list of
// substitutions that were made. The slice is non-nil even when empty.
func (c *Corrector) ApplyDetailed(text string) (string, []Correction) {
	v := c.vocab.Load()
	corrections := []Correction{}

	corrected, vocabCorrections := applyVocabulary(text, v, c.matcher)
	corrections = append(corrections, vocabCorrections...)

	corrected, phraseCorrections := applyPhrases(corrected, v.phrases)
	corrections = append(corrections, phraseCorrections...)

	return corrected, corrections
}

// ---- vocabulary snapshot ----

// vocabulary is the immutable table the correction path reads. A new value
// is built for every mutation and installed with an atomic pointer swap.
type vocabulary struct {
	appCtx  types.AppContext
	custom  []string
	context []string

	// exact maps the lowercased term (single- or multi-word) to its
	// canonical spelling; joined maps the space-stripped form, so split
	// spoken renderings like "go routine" restore to "goroutine". Custom
	// terms win over context terms.
	exact        map[string]string
	joined       map[string]string
	maxTermWords int

	prepared *phonetic.Terms
	phrases  []preparedRule
}

// preparedRule is a phrase rule with its pattern pre-tokenised.
type preparedRule struct {
	spoken      string
	tokens      []string
	replacement string
}

func newVocabulary(appCtx types.AppContext, custom []string) *vocabulary {
	table := tableFor(appCtx)
	v := &vocabulary{
		appCtx:  appCtx,
		custom:  custom,
		context: table.terms,
	}

	all := make([]string, 0, len(table.terms)+len(custom))
	all = append(all, table.terms...)
	all = append(all, custom...)

	v.exact = make(map[string]string, len(all))
	v.joined = make(map[string]string, len(all))
	for _, term := range all {
		canonical := strings.TrimSpace(term)
		fields := strings.Fields(strings.ToLower(canonical))
		if len(fields) == 0 {
			continue
		}
		v.exact[strings.Join(fields, " ")] = canonical
		v.joined[strings.Join(fields, "")] = canonical
		if len(fields) > v.maxTermWords {
			v.maxTermWords = len(fields)
		}
	}
	v.prepared = phonetic.PrepareTerms(all)
	v.phrases = prepareRules(table.phrases)
	return v
}

func prepareRules(rules []PhraseRule) []preparedRule {
	out := make([]preparedRule, 0, len(rules))
	for _, r := range rules {
		tokens := strings.Fields(strings.ToLower(r.Spoken))
		if len(tokens) == 0 {
			continue
		}
		out = append(out, preparedRule{
			spoken:      r.Spoken,
			tokens:      tokens,
			replacement: r.Replacement,
		})
	}
	// Longest pattern first, stable so same-length rules keep table order.
	sort.SliceStable(out, func(i, j int) bool {
		return len(out[i].tokens) > len(out[j].tokens)
	})
	return out
}

// ---- correction passes ----

// applyVocabulary restores vocabulary terms in text. At each token position
// it tries, in order: the longest exact whole-word window (spaced or
// rejoined), then (when a matcher is configured) the longest phonetic
// window. Exact hits beat phonetic hits so canonical text is always a fixed
// point.
func applyVocabulary(text string, v *vocabulary, matcher *phonetic.Matcher) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return strings.Join(tokens, " "), nil
	}

	maxExact := 0
	if v.maxTermWords > 0 {
		maxExact = v.maxTermWords + spokenWindowSlack
	}
	maxPhonetic := 0
	if matcher != nil && v.prepared.Len() > 0 {
		maxPhonetic = v.prepared.MaxWords() + spokenWindowSlack
	}
	if maxExact == 0 && maxPhonetic == 0 {
		return strings.Join(tokens, " "), nil
	}

	var (
		out         []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		if n, repl, corr, ok := matchExactWindow(tokens, i, v, maxExact); ok {
			out = append(out, repl)
			if corr != nil {
				corrections = append(corrections, *corr)
			}
			i += n
			continue
		}
		if n, repl, corr, ok := matchPhoneticWindow(tokens, i, v, matcher, maxPhonetic); ok {
			out = append(out, repl)
			if corr != nil {
				corrections = append(corrections, *corr)
			}
			i += n
			continue
		}
		out = append(out, tokens[i])
		i++
	}

	return strings.Join(out, " "), corrections
}

// matchExactWindow tries exact whole-word vocabulary lookup at position i,
// longest window first. Split spoken renderings are rejoined, so "go
// routine" matches the term "goroutine". A nil Correction with ok true means
// the window was already canonical and is consumed unchanged.
func matchExactWindow(tokens []string, i int, v *vocabulary, maxWindow int) (int, string, *Correction, bool) {
	maxN := min(maxWindow, len(tokens)-i)
	for n := maxN; n >= 1; n-- {
		window := tokens[i : i+n]
		cores, prefix, suffix, ok := windowParts(window)
		if !ok {
			continue
		}
		canonical, found := v.exact[strings.Join(cores, " ")]
		if !found && n > 1 && !containsArticle(cores) {
			canonical, found = v.joined[strings.Join(cores, "")]
		}
		if !found {
			continue
		}
		original := strings.Join(window, " ")
		replaced := prefix + canonical + suffix
		var corr *Correction
		if replaced != original {
			corr = &Correction{
				Original:   original,
				Corrected:  canonical,
				Confidence: 1,
				Method:     "vocabulary",
			}
		}
		return n, replaced, corr, true
	}
	return 0, "", nil, false
}

// matchPhoneticWindow tries phonetic vocabulary restoration at position i,
// longest window first.
func matchPhoneticWindow(tokens []string, i int, v *vocabulary, matcher *phonetic.Matcher, maxWindow int) (int, string, *Correction, bool) {
	maxN := min(maxWindow, len(tokens)-i)
	for n := maxN; n >= 1; n-- {
		window := tokens[i : i+n]
		cores, prefix, suffix, ok := windowParts(window)
		if !ok || (n > 1 && containsArticle(cores)) {
			continue
		}
		canonical, conf, matched := matcher.MatchPrepared(strings.Join(cores, " "), v.prepared)
		if !matched {
			continue
		}
		original := strings.Join(window, " ")
		replaced := prefix + canonical + suffix
		var corr *Correction
		if replaced != original {
			corr = &Correction{
				Original:   original,
				Corrected:  canonical,
				Confidence: conf,
				Method:     "phonetic",
			}
		}
		return n, replaced, corr, true
	}
	return 0, "", nil, false
}

// applyPhrases rewrites spoken forms from the active phrase table, longest
// pattern first, single pass left to right.
func applyPhrases(text string, rules []preparedRule) (string, []Correction) {
	tokens := strings.Fields(text)
	if len(tokens) == 0 || len(rules) == 0 {
		return strings.Join(tokens, " "), nil
	}

	var (
		out         []string
		corrections []Correction
	)

	i := 0
	for i < len(tokens) {
		matched := false
		for _, r := range rules {
			n := len(r.tokens)
			if i+n > len(tokens) {
				continue
			}
			window := tokens[i : i+n]
			cores, prefix, suffix, ok := windowParts(window)
			if !ok || !equalTokens(cores, r.tokens) {
				continue
			}
			out = append(out, prefix+r.replacement+suffix)
			corrections = append(corrections, Correction{
				Original:   strings.Join(window, " "),
				Corrected:  r.replacement,
				Confidence: 1,
				Method:     "phrase",
			})
			i += n
			matched = true
			break
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}

	return strings.Join(out, " "), corrections
}

// ---- token helpers ----

// splitToken separates leading and trailing punctuation from the
// letter/digit core of a token, so "(swiftui)." yields "(", "swiftui", ")".
// Interior punctuation stays in the core ("node.js", "don't").
func splitToken(tok string) (prefix, core, suffix string) {
	notCore := func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}
	trimmed := strings.TrimLeftFunc(tok, notCore)
	prefix = tok[:len(tok)-len(trimmed)]
	core = strings.TrimRightFunc(trimmed, notCore)
	suffix = trimmed[len(core):]
	return prefix, core, suffix
}

// windowParts splits every token of window and lowercases the cores.
// The window is rejected (ok false) when any core is empty or when interior
// punctuation would be swallowed by a replacement: only the first token may
// carry a leading prefix and only the last a trailing suffix.
func windowParts(window []string) (cores []string, prefix, suffix string, ok bool) {
	cores = make([]string, len(window))
	for k, tok := range window {
		p, core, s := splitToken(tok)
		if core == "" {
			return nil, "", "", false
		}
		if k > 0 && p != "" {
			return nil, "", "", false
		}
		if k < len(window)-1 && s != "" {
			return nil, "", "", false
		}
		if k == 0 {
			prefix = p
		}
		if k == len(window)-1 {
			suffix = s
		}
		cores[k] = strings.ToLower(core)
	}
	return cores, prefix, suffix, true
}

// containsArticle reports whether any core token is the bare article "a".
// Rejoining and phonetic windows skip such windows: "a sap" must not
// collapse into the vocabulary term "ASAP".
func containsArticle(cores []string) bool {
	for _, c := range cores {
		if c == "a" {
			return true
		}
	}
	return false
}

func equalTokens(a, b []string) bool {
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
