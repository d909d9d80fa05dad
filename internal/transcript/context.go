package transcript

import (
	"slices"
	"strings"

	"github.com/MrWong99/echolex/pkg/types"
)

// PhraseRule maps a spoken form to its written replacement. Patterns are
// matched whole-word and case-insensitively against transcript tokens.
//
// Replacements must never re-match a rule pattern: every built-in pattern
// spans at least two words while every replacement is a single token, which
// keeps Apply idempotent by construction.
type PhraseRule struct {
	// Spoken is the lowercase spoken form, words separated by single spaces.
	Spoken string

	// Replacement is the written form emitted in its place.
	Replacement string
}

// contextTable bundles the built-in vocabulary and phrase substitutions for
// one usage context. Terms restore canonical casing and spelling; phrases
// rewrite spoken forms into written ones.
type contextTable struct {
	terms   []string
	phrases []PhraseRule
}

// Spoken symbol names and operator phrases shared by every coding language.
var codingPhrases = []PhraseRule{
	{Spoken: "print line", Replacement: "println"},
	{Spoken: "open paren", Replacement: "("},
	{Spoken: "close paren", Replacement: ")"},
	{Spoken: "open bracket", Replacement: "["},
	{Spoken: "close bracket", Replacement: "]"},
	{Spoken: "open brace", Replacement: "{"},
	{Spoken: "close brace", Replacement: "}"},
	{Spoken: "equals equals", Replacement: "=="},
	{Spoken: "not equals", Replacement: "!="},
	{Spoken: "plus equals", Replacement: "+="},
	{Spoken: "minus equals", Replacement: "-="},
	{Spoken: "semi colon", Replacement: ";"},
	{Spoken: "double colon", Replacement: "::"},
	{Spoken: "fat arrow", Replacement: "=>"},
	{Spoken: "thin arrow", Replacement: "->"},
	{Spoken: "under score", Replacement: "_"},
	{Spoken: "back tick", Replacement: "`"},
}

// Terms whose spoken rendering collides with everyday words stay out of
// every table: "OAuth" would capture "out", "Combine" would capture
// "combined". A term must survive fuzzy matching against ordinary prose.
var codingTerms = []string{
	"GitHub", "JSON", "YAML", "API", "HTTP", "HTTPS", "SQL", "CLI", "SDK",
	"URL", "UUID", "REST", "gRPC", "CSS", "HTML",
}

// codingLanguages holds per-language additions keyed by the lowercased
// language detail of a coding context.
var codingLanguages = map[string]contextTable{
	// Bare language names are deliberately absent: an exact term "Swift"
	// would consume the first token of spoken forms like "swift you eye"
	// before the multi-word phonetic window could assemble.
	"swift": {
		terms: []string{
			"SwiftUI", "Xcode", "Codable",
			"URLSession", "DispatchQueue", "TestFlight",
		},
	},
	"go": {
		terms: []string{
			"goroutine", "GOPATH", "gofmt", "protobuf", "WebAssembly",
		},
	},
	"python": {
		terms: []string{
			"Python", "NumPy", "pandas", "Django", "asyncio",
		},
	},
	"javascript": {
		terms: []string{
			"JavaScript", "TypeScript", "Node.js", "npm", "Next.js", "ESLint",
		},
	},
	"typescript": {
		terms: []string{
			"TypeScript", "JavaScript", "Node.js", "npm", "tsconfig", "ESLint",
		},
	},
}

var emailTerms = []string{
	"FYI", "ASAP", "CC", "BCC", "EOD", "OOO", "RSVP",
}

var chatTerms = []string{
	"LOL", "BRB", "IMO", "FWIW", "TBH", "AFK",
}

// chatInformalPhrases expands common spoken phrases into chat abbreviations.
// Only applied when the chat formality detail is "informal".
var chatInformalPhrases = []PhraseRule{
	{Spoken: "be right back", Replacement: "BRB"},
	{Spoken: "in my opinion", Replacement: "IMO"},
	{Spoken: "to be honest", Replacement: "TBH"},
	{Spoken: "for what it's worth", Replacement: "FWIW"},
}

var meetingTerms = []string{
	"KPI", "OKR", "ROI", "EOD", "Q1", "Q2", "Q3", "Q4", "AMA",
}

// Notes markers live in the phrase table, not the term list: a phonetic term
// "TODO" would absorb whatever follows "to do", while the phrase rule
// rewrites exactly two tokens.
var notesPhrases = []PhraseRule{
	{Spoken: "to do", Replacement: "TODO"},
	{Spoken: "fix me", Replacement: "FIXME"},
}

// tableFor returns the built-in table for ctx. Unknown kinds and details
// yield an empty table; correction then relies on custom vocabulary alone.
func tableFor(ctx types.AppContext) contextTable {
	switch ctx.Kind {
	case types.ContextCoding:
		t := contextTable{
			terms:   slices.Clone(codingTerms),
			phrases: slices.Clone(codingPhrases),
		}
		if extra, ok := codingLanguages[strings.ToLower(ctx.Detail)]; ok {
			t.terms = append(t.terms, extra.terms...)
			t.phrases = append(t.phrases, extra.phrases...)
		}
		return t
	case types.ContextEmail:
		return contextTable{terms: slices.Clone(emailTerms)}
	case types.ContextChat:
		t := contextTable{terms: slices.Clone(chatTerms)}
		if strings.EqualFold(ctx.Detail, "informal") {
			t.phrases = slices.Clone(chatInformalPhrases)
		}
		return t
	case types.ContextMeeting:
		return contextTable{terms: slices.Clone(meetingTerms)}
	case types.ContextNotes:
		return contextTable{phrases: slices.Clone(notesPhrases)}
	default:
		return contextTable{}
	}
}

// BuiltinContexts lists every context kind that carries a non-empty built-in
// table, for documentation and table-invariant tests.
func BuiltinContexts() []types.AppContext {
	ctxs := []types.AppContext{
		{Kind: types.ContextCoding},
		{Kind: types.ContextEmail},
		{Kind: types.ContextChat},
		{Kind: types.ContextChat, Detail: "informal"},
		{Kind: types.ContextMeeting},
		{Kind: types.ContextNotes},
	}
	for lang := range codingLanguages {
		ctxs = append(ctxs, types.AppContext{Kind: types.ContextCoding, Detail: lang})
	}
	slices.SortFunc(ctxs, func(a, b types.AppContext) int {
		return strings.Compare(a.String(), b.String())
	})
	return ctxs
}
