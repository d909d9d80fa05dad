package phonetic_test

import (
	"testing"

	"github.com/MrWong99/echolex/internal/transcript/phonetic"
)

func TestMatcher_MultiWordInputMatchesSingleTerm(t *testing.T) {
	t.Parallel()

	m := phonetic.New()

	// "swift you eye" is how recognizers typically render "SwiftUI". The
	// space-stripped comparison ("swiftyoueye" vs "swiftui") carries this one.
	terms := []string{"SwiftUI", "Postgres", "Pull Request"}

	corrected, conf, matched := m.Match("swift you eye", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "swift you eye")
	}
	if corrected != "SwiftUI" {
		t.Errorf("Match(%q): corrected=%q, want %q", "swift you eye", corrected, "SwiftUI")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "swift you eye", conf)
	}
}

func TestMatcher_MultiWordTermMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Pull Request", "SwiftUI", "Postgres"}

	// "pool request" should match the multi-word term "Pull Request".
	corrected, conf, matched := m.Match("pool request", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "pool request")
	}
	if corrected != "Pull Request" {
		t.Errorf("Match(%q): corrected=%q, want %q", "pool request", corrected, "Pull Request")
	}
	if conf < 0.7 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.7", "pool request", conf)
	}
}

func TestMatcher_MisspelledTermMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"Postgres", "SwiftUI"}

	corrected, conf, matched := m.Match("post gress", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "post gress")
	}
	if corrected != "Postgres" {
		t.Errorf("Match(%q): corrected=%q, want %q", "post gress", corrected, "Postgres")
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9", "post gress", conf)
	}
}

func TestMatcher_NoMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"SwiftUI", "Postgres"}

	corrected, conf, matched := m.Match("hello", terms)
	if matched {
		t.Fatalf("Match(%q, terms): matched=true, want false", "hello")
	}
	if corrected != "hello" {
		t.Errorf("Match(%q): corrected=%q, want original word %q", "hello", corrected, "hello")
	}
	if conf != 0 {
		t.Errorf("Match(%q): confidence=%f, want 0", "hello", conf)
	}
}

func TestMatcher_CaseInsensitivity(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"GitHub"}

	// Uppercased input should still match and return the canonical casing.
	corrected, _, matched := m.Match("GITHUB", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "GITHUB")
	}
	if corrected != "GitHub" {
		t.Errorf("Match(%q): corrected=%q, want %q", "GITHUB", corrected, "GitHub")
	}
}

func TestMatcher_ExactMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"GitHub", "SwiftUI"}

	corrected, conf, matched := m.Match("github", terms)
	if !matched {
		t.Fatalf("Match(%q, terms): matched=false, want true", "github")
	}
	if corrected != "GitHub" {
		t.Errorf("Match(%q): corrected=%q, want %q", "github", corrected, "GitHub")
	}
	if conf < 0.9 {
		t.Errorf("Match(%q): confidence=%f, want >= 0.9 for exact match", "github", conf)
	}
}

func TestMatcher_ThresholdFiltering(t *testing.T) {
	t.Parallel()

	// Set very high thresholds so near-matches are rejected.
	m := phonetic.New(
		phonetic.WithPhoneticThreshold(0.99),
		phonetic.WithFuzzyThreshold(0.99),
	)
	terms := []string{"Postgres"}

	_, _, matched := m.Match("post gress", terms)
	if matched {
		t.Fatal("Match with threshold=0.99 should reject near-matches, got matched=true")
	}
}

func TestMatcher_EmptyTerms(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("swiftui", nil)
	if matched {
		t.Fatal("Match with nil terms should return matched=false")
	}
	if corrected != "swiftui" {
		t.Errorf("corrected=%q, want original", corrected)
	}
	if conf != 0 {
		t.Errorf("conf=%f, want 0", conf)
	}
}

func TestMatcher_EmptyWord(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.Match("", []string{"SwiftUI"})
	if matched {
		t.Fatal("Match with empty word should return matched=false")
	}
	if corrected != "" {
		t.Errorf("corrected=%q, want empty string", corrected)
	}
	if conf != 0 {
		t.Errorf("conf=%f, want 0", conf)
	}
}

func TestPrepareTerms(t *testing.T) {
	t.Parallel()

	ts := phonetic.PrepareTerms([]string{"SwiftUI", "Pull Request", "", "   "})
	if got, want := ts.Len(), 2; got != want {
		t.Errorf("Len() = %d, want %d (blank terms skipped)", got, want)
	}
	if got, want := ts.MaxWords(), 2; got != want {
		t.Errorf("MaxWords() = %d, want %d", got, want)
	}

	empty := phonetic.PrepareTerms(nil)
	if got := empty.MaxWords(); got != 0 {
		t.Errorf("MaxWords() of empty vocabulary = %d, want 0", got)
	}
}

func TestMatchPrepared_AgreesWithMatch(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	terms := []string{"SwiftUI", "Postgres", "Pull Request"}
	prepared := phonetic.PrepareTerms(terms)

	inputs := []string{"swift you eye", "post gress", "pool request", "hello", "github"}
	for _, in := range inputs {
		gotWord, gotConf, gotOK := m.MatchPrepared(in, prepared)
		wantWord, wantConf, wantOK := m.Match(in, terms)
		if gotWord != wantWord || gotConf != wantConf || gotOK != wantOK {
			t.Errorf("MatchPrepared(%q) = (%q, %f, %v), Match = (%q, %f, %v)",
				in, gotWord, gotConf, gotOK, wantWord, wantConf, wantOK)
		}
	}
}

func TestMatchPrepared_NilTerms(t *testing.T) {
	t.Parallel()

	m := phonetic.New()
	corrected, conf, matched := m.MatchPrepared("swiftui", nil)
	if matched {
		t.Fatal("MatchPrepared with nil Terms should return matched=false")
	}
	if corrected != "swiftui" || conf != 0 {
		t.Errorf("got (%q, %f), want (%q, 0)", corrected, conf, "swiftui")
	}
}

func TestMatcher_ShortTermRequiresExactSpelling(t *testing.T) {
	t.Parallel()

	// Short acronyms are spoken letter by letter; similarity matching must
	// not let "REST" capture the everyday word "restart".
	m := phonetic.New()
	if _, _, matched := m.Match("restart", []string{"REST"}); matched {
		t.Error("Match(restart, [REST]): matched=true, want false")
	}
	if _, _, matched := m.Match("resting", []string{"REST"}); matched {
		t.Error("Match(resting, [REST]): matched=true, want false")
	}
}

func TestMatcher_FuzzyRequiresMatchingFirstLetter(t *testing.T) {
	t.Parallel()

	// "code" scores 0.93 against "Xcode" on pure Jaro-Winkler; the first
	// letters differ, so the fuzzy fallback must reject it.
	m := phonetic.New()
	if corrected, _, matched := m.Match("code", []string{"Xcode"}); matched {
		t.Errorf("Match(code, [Xcode]): matched=true (%q), want false", corrected)
	}
}

func TestMatcher_LengthDisparityRejected(t *testing.T) {
	t.Parallel()

	// A three-letter fragment must not be inflated into a six-letter term.
	m := phonetic.New()
	if corrected, _, matched := m.Match("git", []string{"GitHub"}); matched {
		t.Errorf("Match(git, [GitHub]): matched=true (%q), want false", corrected)
	}
}
