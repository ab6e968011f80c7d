// Package normalizers provides identifier and field normalization for blocking and scoring
package normalizers

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer maps a raw value to its comparable form
type Normalizer func(string) string

var (
	registryMu sync.RWMutex
	registry   = map[string]Normalizer{
		"lowercase":    strings.ToLower,
		"trim":         strings.TrimSpace,
		"fold":         FoldAccents,
		"nphone":       NormalizePhone,
		"nemail":       NormalizeEmail,
		"nname":        NormalizeName,
		"naddress":     NormalizeAddress,
		"nmicrochip":   NormalizeMicrochip,
		"digits_only":  DigitsOnly,
		"alphanumeric": Alphanumeric,
	}
)

// Register adds or replaces a named normalizer
func Register(name string, fn Normalizer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Get looks a normalizer up by name
func Get(name string) (Normalizer, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Apply runs the named normalizer. Unknown names leave value as is.
func Apply(value, name string) string {
	if fn, ok := Get(name); ok {
		return fn(value)
	}
	return value
}

// ApplyChain runs the named normalizers left to right
func ApplyChain(value string, names ...string) string {
	for _, name := range names {
		value = Apply(value, name)
	}
	return value
}

var foldChain = runes.Remove(runes.In(unicode.Mn))

// FoldAccents strips combining marks, so é becomes e
func FoldAccents(s string) string {
	out, _, err := transform.String(transform.Chain(norm.NFD, foldChain, norm.NFC), s)
	if err != nil {
		return s
	}
	return out
}

// NormalizePhone keeps digits and drops a leading US country code
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && strings.HasPrefix(digits, "1") {
		return digits[1:]
	}
	return digits
}

// AreaCode returns the first three digits of a 10 digit phone
func AreaCode(phone string) string {
	if len(phone) != 10 {
		return ""
	}
	return phone[:3]
}

func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeMicrochip keeps letters and digits, upper-cased
func NormalizeMicrochip(s string) string {
	return strings.ToUpper(Alphanumeric(s))
}

var nameSuffixes = map[string]bool{
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "md": true, "dvm": true,
}

// NormalizeName folds and lowercases a name, turns hyphens into spaces,
// drops other punctuation and trailing generational or degree suffixes.
func NormalizeName(s string) string {
	s = strings.ToLower(FoldAccents(s))
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return r
		case unicode.IsSpace(r), r == '-':
			return ' '
		}
		return -1
	}, s)

	words := strings.Fields(cleaned)
	for len(words) > 1 && nameSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	return keep(s, unicode.IsDigit)
}

// Alphanumeric keeps only letters and digits
func Alphanumeric(s string) string {
	return keep(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) })
}

func keep(s string, want func(rune) bool) string {
	return strings.Map(func(r rune) rune {
		if want(r) {
			return r
		}
		return -1
	}, s)
}

var addressStrip = regexp.MustCompile(`[^\w\s#/\-]`)

var addressAbbreviations = map[string]string{
	"street":    "st",
	"avenue":    "ave",
	"boulevard": "blvd",
	"drive":     "dr",
	"road":      "rd",
	"lane":      "ln",
	"court":     "ct",
	"circle":    "cir",
	"place":     "pl",
	"apartment": "apt",
	"suite":     "ste",
	"highway":   "hwy",
	"north":     "n",
	"south":     "s",
	"east":      "e",
	"west":      "w",
}

// NormalizeAddress folds and lowercases free address text, strips punctuation
// except # / and -, and abbreviates street words.
func NormalizeAddress(s string) string {
	s = strings.ToLower(FoldAccents(strings.TrimSpace(s)))
	words := strings.Fields(addressStrip.ReplaceAllString(s, ""))
	for i, w := range words {
		if abbr, ok := addressAbbreviations[w]; ok {
			words[i] = abbr
		}
	}
	return strings.Join(words, " ")
}
