// Package normalizers provides the value normalization functions applied to
// field values before similarity comparison. Chains are resolved by name at
// component construction time so an unknown normalizer fails configuration
// instead of silently passing values through.
package normalizers

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// Chain is a resolved sequence of normalizers applied in order.
type Chain []Normalizer

// Apply runs the chain over a value.
func (c Chain) Apply(value string) string {
	for _, fn := range c {
		value = fn(value)
	}
	return value
}

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("uppercase", Uppercase)
	Register("trim", Trim)
	Register("nphone", NormalizePhone)
	Register("nemail", NormalizeEmail)
	Register("nname", NormalizeName)
	Register("naddress", NormalizeAddress)
	Register("remove_whitespace", RemoveWhitespace)
	Register("remove_punctuation", RemovePunctuation)
	Register("digits_only", DigitsOnly)
	Register("alphanumeric", Alphanumeric)
	Register("soundex", Soundex)
}

// Register adds a normalizer to the registry. Custom normalizers must be
// registered before any component that names them is constructed.
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// ResolveChain resolves a list of normalizer names into a Chain. Unknown
// names error; constructors wrap this into their configuration failure.
func ResolveChain(names []string) (Chain, error) {
	chain := make(Chain, 0, len(names))
	for _, name := range names {
		fn, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown normalizer %q (known: %s)", name, strings.Join(Names(), ", "))
		}
		chain = append(chain, fn)
	}
	return chain, nil
}

// Names lists the registered normalizer names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in normalizers

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Uppercase converts string to uppercase
func Uppercase(s string) string {
	return strings.ToUpper(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// NormalizePhone removes all non-digit characters from a phone number
func NormalizePhone(s string) string {
	return DigitsOnly(s)
}

// NormalizeEmail normalizes an email address (lowercase, trim)
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// RemovePunctuation removes all punctuation characters
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsPunct(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// NormalizeName normalizes a person's name for matching
// - Lowercase
// - Remove common suffixes (Jr., Sr., III, etc.)
// - Remove punctuation
// - Collapse whitespace
func NormalizeName(s string) string {
	s = strings.ToLower(s)

	suffixes := []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md", " dds"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-len(suffix)]
		}
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) {
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// NormalizeAddress normalizes an address string with common US abbreviations
func NormalizeAddress(s string) string {
	s = strings.ToLower(s)

	replacements := map[string]string{
		" street":    " st",
		" avenue":    " ave",
		" boulevard": " blvd",
		" drive":     " dr",
		" road":      " rd",
		" lane":      " ln",
		" court":     " ct",
		" circle":    " cir",
		" place":     " pl",
		" apartment": " apt",
		" suite":     " ste",
		" north":     " n",
		" south":     " s",
		" east":      " e",
		" west":      " w",
	}

	for full, abbr := range replacements {
		s = strings.ReplaceAll(s, full, abbr)
	}

	spaceRe := regexp.MustCompile(`\s+`)
	s = spaceRe.ReplaceAllString(s, " ")

	return strings.TrimSpace(s)
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only alphanumeric characters
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Soundex encodes a string as its four-character Soundex code so that
// similarly pronounced names ("Jon", "John") normalize to the same value.
func Soundex(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	first := rune(s[0])
	if !unicode.IsLetter(first) {
		return ""
	}

	result := string(first)
	prevCode := soundexCode(first)

	for i := 1; i < len(s) && len(result) < 4; i++ {
		char := rune(s[i])
		if !unicode.IsLetter(char) {
			continue
		}

		code := soundexCode(char)
		if code != "0" && code != prevCode {
			result += code
		}
		prevCode = code
	}

	for len(result) < 4 {
		result += "0"
	}

	return result
}

// soundexCode returns the Soundex digit for a character
func soundexCode(char rune) string {
	switch char {
	case 'B', 'F', 'P', 'V':
		return "1"
	case 'C', 'G', 'J', 'K', 'Q', 'S', 'X', 'Z':
		return "2"
	case 'D', 'T':
		return "3"
	case 'L':
		return "4"
	case 'M', 'N':
		return "5"
	case 'R':
		return "6"
	default:
		return "0"
	}
}
