// Package moderation screens user text before it is persisted. It provides
// the sanitizer every free-text field passes through, a keyword filter built
// on an Aho-Corasick automaton, spam heuristics, and the toxicity scorer that
// combines them into a bounded score.
package moderation

import (
	"fmt"
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"
)

// Category is one ordered group of keyword detectors. A category counts at
// most once per text no matter how many of its terms occur.
type Category struct {
	Flag   string
	Weight float64
	Terms  []string
}

// DefaultCategories is the built-in blocklist, most severe first.
var DefaultCategories = []Category{
	{Flag: "slur", Weight: 1.0, Terms: []string{
		"nigger", "nigga", "faggot", "fag", "retard", "tranny", "kike", "spic", "chink",
	}},
	{Flag: "threat", Weight: 1.0, Terms: []string{
		"kill yourself", "kys", "go die", "i will kill you", "hope you die",
		"bomb threat", "shoot up",
	}},
	{Flag: "sexual", Weight: 0.7, Terms: []string{
		"child porn", "send nudes", "cp links",
	}},
	{Flag: "extremism", Weight: 0.7, Terms: []string{
		"heil hitler", "gas the", "white power",
	}},
	{Flag: "profanity", Weight: 0.7, Terms: []string{
		"fuck", "f*ck", "f**k", "f***", "fck", "fuk", "motherfucker",
		"shit", "sh*t", "s**t", "bullshit",
		"bitch", "b*tch", "b**ch", "cunt", "c*nt", "asshole", "a**hole",
	}},
	{Flag: "scam", Weight: 0.5, Terms: []string{
		"free bitcoin", "double your crypto", "guaranteed returns",
	}},
	{Flag: "insult", Weight: 0.3, Terms: []string{
		"idiot", "moron", "dumbass", "imbecile", "loser", "stupid",
	}},
}

// suffixes a keyword may carry and still count as a whole-word match.
var suffixes = map[string]bool{
	"s": true, "es": true, "ed": true, "er": true, "ers": true, "ing": true, "in": true,
}

// Hit is a keyword match.
type Hit struct {
	Flag   string
	Weight float64
	Term   string
}

// Filter finds blocklisted terms in text. Matching is case-insensitive,
// whole-word (with common inflections), and runs on both the plain and the
// leet-normalized form of the text. Safe for concurrent use.
type Filter struct {
	machine    *goahocorasick.Machine
	categories []Category
	owner      map[string]int // normalized term -> category index
}

// NewFilter creates a Filter with the default blocklist.
func NewFilter() *Filter {
	f, err := NewFilterWithCategories(DefaultCategories)
	if err != nil {
		panic(fmt.Sprintf("moderation: default blocklist: %v", err))
	}
	return f
}

// NewFilterWithCategories creates a Filter for the given categories. A term
// listed in more than one category belongs to the first.
func NewFilterWithCategories(categories []Category) (*Filter, error) {
	f := &Filter{categories: categories, owner: make(map[string]int)}

	var patterns [][]rune
	for i, c := range categories {
		for _, term := range c.Terms {
			norm := collapseSpaces(strings.ToLower(strings.TrimSpace(term)))
			if norm == "" {
				continue
			}
			if _, dup := f.owner[norm]; dup {
				continue
			}
			f.owner[norm] = i
			patterns = append(patterns, []rune(norm))
		}
	}
	if len(patterns) == 0 {
		return f, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, fmt.Errorf("moderation: build automaton: %w", err)
	}
	f.machine = m
	return f, nil
}

// Match returns the first hit of each category present in text, in category
// order.
func (f *Filter) Match(text string) []Hit {
	if f.machine == nil || text == "" {
		return nil
	}

	first := make(map[int]string)
	for _, form := range [][]rune{normalizePlain(text), normalizeLeet(text)} {
		for _, term := range f.machine.MultiPatternSearch(form, false) {
			word := string(term.Word)
			idx, ok := f.owner[word]
			if !ok {
				continue
			}
			if _, seen := first[idx]; seen {
				continue
			}
			if wholeWord(form, term.Pos, len(term.Word)) {
				first[idx] = word
			}
		}
	}

	hits := make([]Hit, 0, len(first))
	for i, c := range f.categories {
		if term, ok := first[i]; ok {
			hits = append(hits, Hit{Flag: c.Flag, Weight: c.Weight, Term: term})
		}
	}
	return hits
}

// wholeWord reports whether the match at text[pos:pos+n] starts on a word
// boundary and ends on one, optionally after an allowed suffix.
func wholeWord(text []rune, pos, n int) bool {
	if pos > 0 && isWordRune(text[pos-1]) {
		return false
	}
	end := pos + n
	tail := end
	for tail < len(text) && isWordRune(text[tail]) {
		tail++
	}
	if tail == end {
		return true
	}
	return suffixes[string(text[end:tail])]
}

// isWordRune treats '*' as part of a word so masked spellings stay whole.
func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '*'
}

// normalizePlain lowercases text and collapses whitespace runs.
func normalizePlain(text string) []rune {
	return []rune(collapseSpaces(strings.ToLower(text)))
}

// normalizeLeet additionally maps common leet substitutions back to letters.
func normalizeLeet(text string) []rune {
	runes := normalizePlain(text)
	for i, r := range runes {
		runes[i] = simplifyRune(r)
	}
	return runes
}

// simplifyRune maps common leet speak characters to the letters they stand for.
func simplifyRune(r rune) rune {
	switch r {
	case '4', '@':
		return 'a'
	case '3', '€':
		return 'e'
	case '1', '!', '|':
		return 'i'
	case '0':
		return 'o'
	case '5', '$':
		return 's'
	case '7':
		return 't'
	default:
		return r
	}
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
