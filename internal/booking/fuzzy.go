package booking

import (
	"strings"
	"unicode"
)

// addressStopwords are filler tokens that carry no address information and
// are excluded from overlap scoring.
var addressStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "to": true, "at": true,
	"on": true, "in": true, "of": true, "and": true, "street": true,
	"road": true, "avenue": true, "lane": true, "drive": true,
	"place": true, "close": true, "way": true, "st": true, "rd": true,
	"ave": true, "please": true, "number": true,
}

// tokenize lowercases the input and splits it into alphanumeric words.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// WordOverlap returns the fraction of significant words in a that also
// appear in b. 1.0 means every significant word matched, 0.0 means none
// did. An empty input on either side scores zero.
func WordOverlap(a, b string) float64 {
	wordsA := tokenize(a)
	wordsB := tokenize(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	setB := make(map[string]bool, len(wordsB))
	for _, w := range wordsB {
		setB[w] = true
	}

	var significant, matched int
	for _, w := range wordsA {
		if addressStopwords[w] {
			continue
		}
		significant++
		if setB[w] {
			matched++
		}
	}
	if significant == 0 {
		return 0
	}
	return float64(matched) / float64(significant)
}

// stripHouseNumber removes leading/trailing numeric tokens so two
// interpretations of the same street compare equal regardless of house
// number.
func stripHouseNumber(s string) string {
	words := tokenize(s)
	var kept []string
	for _, w := range words {
		if isNumeric(w) {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return len(s) > 0
}

// SameStreet reports whether two raw address strings refer to the same
// street, ignoring house numbers. A correction from "12 High Street" to
// "14 High Street" is the same street; "High Street" to "Mill Lane" is
// not.
func SameStreet(a, b string) bool {
	sa := stripHouseNumber(a)
	sb := stripHouseNumber(b)
	if sa == "" || sb == "" {
		return sa == sb
	}
	return WordOverlap(sa, sb) >= 0.6 && WordOverlap(sb, sa) >= 0.6
}

// MatchesOfferedOption reports whether the caller's words plausibly refer
// to one of the offered disambiguation options rather than a brand-new
// address. A low overlap against every option means the caller changed
// their mind and supplied something new.
func MatchesOfferedOption(spoken string, options []string) bool {
	for _, opt := range options {
		if WordOverlap(spoken, opt) >= 0.4 || WordOverlap(opt, spoken) >= 0.4 {
			return true
		}
	}
	return false
}
