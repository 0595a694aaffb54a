package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

// Compiled regex patterns for spam detection.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches various phone number formats such as:
	//   +1-555-123-4567, (555) 123-4567, 555.123.4567
	// Anchored to whitespace/string boundaries to avoid matching random digit
	// sequences embedded in normal words or short numbers like "100".
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck pairs a detection function with the flag and weight it adds to
// the toxicity score.
type spamCheck struct {
	flag   string
	weight float64
	match  func(string) bool
}

// spamChecks are independent: every matching check contributes.
var spamChecks = []spamCheck{
	{flag: "char_flood", weight: 0.2, match: hasCharFlood},
	{flag: "shouting", weight: 0.2, match: hasSustainedUppercase},
	{flag: "links", weight: 0.3, match: hasMultipleLinks},
	{flag: "word_flood", weight: 0.2, match: hasWordFlood},
	{flag: "phone", weight: 0.1, match: func(text string) bool {
		return phonePattern.MatchString(text)
	}},
}

// hasCharFlood returns true if text contains 5 or more consecutive identical
// characters. Go's regexp package (RE2) does not support backreferences, so
// this is implemented as a simple linear scan which is both correct and fast.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 3 or more times
// consecutively (case-insensitive). Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}

// hasSustainedUppercase returns true if text has at least 10 letters and
// 70% or more of them are uppercase.
func hasSustainedUppercase(text string) bool {
	const (
		minLetters = 10
		minRatio   = 0.7
	)

	letters, upper := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.IsUpper(r) {
			upper++
		}
	}
	if letters < minLetters {
		return false
	}
	return float64(upper)/float64(letters) >= minRatio
}

// hasMultipleLinks returns true if text embeds two or more URLs.
func hasMultipleLinks(text string) bool {
	return len(urlPattern.FindAllStringIndex(text, 2)) >= 2
}
