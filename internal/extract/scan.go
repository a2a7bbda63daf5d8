package extract

import (
	"regexp"
	"strings"
)

// deadlinePattern decides whether a line plausibly names a deadline. Dates
// on lines that fail it never become events.
var deadlinePattern = regexp.MustCompile(`(?i)(deadline|due|submit|submission|deliver|delivery|\bby\s+|\bbefore\s+)`)

const (
	monthAlternation = `(?:jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)`
	clockSuffix      = `(?:[ \t]+\d{1,2}:\d{2}(?:[ \t]?(?:am|pm))?)?`
)

// candidateFamily is one independent date pattern. Fields are separated by
// blanks or tabs only, so a candidate never spans a line break. Patterns
// flagged standalone reject matches glued to a further separator+digit, so
// that "05-10" is not lifted out of "2024-05-10" or "05/10/2024".
type candidateFamily struct {
	pattern    *regexp.Regexp
	standalone bool
}

var candidateFamilies = []candidateFamily{
	// 2024-05-10, 2024-05-10 14:30, 2024-05-10T9:00 pm
	{pattern: regexp.MustCompile(`(?i)\b\d{4}-\d{2}-\d{2}(?:[ T]\d{1,2}:\d{2}(?:[ \t]?(?:am|pm))?)?`)},
	// 10/05/2024, 10.05.24 14:30
	{pattern: regexp.MustCompile(`(?i)\b\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4}` + clockSuffix)},
	// 10/05, 10/05 9:00
	{pattern: regexp.MustCompile(`(?i)\b\d{1,2}[/.\-]\d{1,2}\b` + clockSuffix), standalone: true},
	// Friday, May 10, 2024 at 5:00 PM; May 3rd
	{pattern: regexp.MustCompile(`(?i)\b(?:mon|tues|wednes|thurs|fri|satur|sun)?(?:day)?,?[ \t]*` + monthAlternation + `[ \t]+\d{1,2}(?:st|nd|rd|th)?\b(?:,?[ \t]*\d{4})?(?:[ \t]+at[ \t]+\d{1,2}:\d{2}(?:[ \t]?(?:am|pm))?)?`)},
	// 10 May 2024 17:00, 3rd June
	{pattern: regexp.MustCompile(`(?i)\b\d{1,2}(?:st|nd|rd|th)?[ \t]+` + monthAlternation + `\b(?:[ \t]+\d{4})?` + clockSuffix)},
}

// IsDeadlineLine reports whether s contains a deadline keyword.
func IsDeadlineLine(s string) bool {
	return deadlinePattern.MatchString(s)
}

// Lines splits text into trimmed, non-empty lines.
func Lines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Candidates returns every date/time substring any family finds in s,
// trimmed, without duplicates, in first-seen order across families.
func Candidates(s string) []string {
	seen := make(map[string]struct{})
	var out []string

	for _, fam := range candidateFamilies {
		for _, loc := range fam.pattern.FindAllStringIndex(s, -1) {
			if fam.standalone && gluedToDate(s, loc[0], loc[1]) {
				continue
			}
			c := trimCandidate(s[loc[0]:loc[1]])
			if c == "" {
				continue
			}
			if _, dup := seen[c]; dup {
				continue
			}
			seen[c] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

func trimCandidate(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, ",")
	return strings.TrimSpace(s)
}

func gluedToDate(s string, start, end int) bool {
	if start >= 2 && isDateSeparator(s[start-1]) && isDigit(s[start-2]) {
		return true
	}
	if end+1 < len(s) && isDateSeparator(s[end]) && isDigit(s[end+1]) {
		return true
	}
	return false
}

func isDateSeparator(b byte) bool {
	return b == '/' || b == '.' || b == '-'
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
