package scoreboard

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// mascotSuffixes are trailing words dropped when building the alias set, so
// "Los Angeles Lakers" also matches a title that only says "Los Angeles".
var mascotSuffixes = map[string]bool{
	"lakers": true, "celtics": true, "warriors": true, "knicks": true,
	"heat": true, "bulls": true, "nets": true, "bucks": true, "suns": true,
	"nuggets": true, "clippers": true, "mavericks": true, "rockets": true,
	"spurs": true, "thunder": true, "jazz": true, "kings": true,
	"pelicans": true, "grizzlies": true, "timberwolves": true, "blazers": true,
	"hawks": true, "hornets": true, "magic": true, "pistons": true,
	"cavaliers": true, "raptors": true, "wizards": true, "pacers": true,
	"sixers": true, "76ers": true,
	"wildcats": true, "tigers": true, "bulldogs": true, "eagles": true,
	"cougars": true, "aggies": true, "huskies": true, "gators": true,
	"volunteers": true, "jayhawks": true, "tar": true, "heels": true,
	"blue": true, "devils": true, "hoosiers": true, "boilermakers": true,
}

// Normalize lowercases, strips accents and punctuation, and collapses
// whitespace. Team and title text must pass through here before any
// comparison.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = stripDiacritics(s)
	s = strings.ToLower(strings.TrimSpace(s))
	s = stripPunctuation(s)
	return collapseWhitespace(s)
}

func stripDiacritics(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range norm.NFD.String(s) {
		if !unicode.Is(unicode.Mn, r) { // Mn = combining accents
			b.WriteRune(r)
		}
	}
	return b.String()
}

func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return b.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// stripMascot removes a trailing known mascot word from a normalized name.
// Returns the input unchanged when nothing is stripped.
func stripMascot(name string) string {
	fields := strings.Fields(name)
	for len(fields) > 1 && mascotSuffixes[fields[len(fields)-1]] {
		fields = fields[:len(fields)-1]
	}
	return strings.Join(fields, " ")
}

// titleSeparators split a market title into its two team tokens, tried in
// order. Matching is case-insensitive on the normalized title.
var titleSeparators = []string{" vs ", " v ", " at "}

// ParseTitle splits a market title into two normalized team tokens.
func ParseTitle(title string) (a, b string, ok bool) {
	normTitle := Normalize(title)
	for _, sep := range titleSeparators {
		if i := strings.Index(normTitle, sep); i > 0 {
			a = strings.TrimSpace(normTitle[:i])
			b = strings.TrimSpace(normTitle[i+len(sep):])
			if a != "" && b != "" {
				return a, b, true
			}
		}
	}
	return "", "", false
}
