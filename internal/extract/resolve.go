package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"email2deadline/internal/model"
)

var (
	trailingPunctPattern = regexp.MustCompile(`[,.]+$`)
	fullSlashPattern     = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})[/.\-](\d{2,4})(.*)$`)
	shortSlashPrefix     = regexp.MustCompile(`^\d{1,2}[/.\-]\d{1,2}([ \t]+|$)`)
	shortSlashPattern    = regexp.MustCompile(`^(\d{1,2})[/.\-](\d{1,2})(.*)$`)
	fourDigitYearPattern = regexp.MustCompile(`\b\d{4}\b`)

	clockPattern    = regexp.MustCompile(`(?:^|\D)\d{1,2}:\d{2}(?:\D|$)`)
	meridiemPattern = regexp.MustCompile(`(?i)\b(am|pm)\b`)

	isoPattern       = regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})(?:[T ]\s*(.*))?$`)
	timeTokenPattern = regexp.MustCompile(`(?i)^(\d{1,2}):(\d{2})\s*(am|pm)?$`)
	dayTokenPattern  = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?$`)
	yearTokenPattern = regexp.MustCompile(`^\d{4}$`)
)

var monthsByName = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may": time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var weekdayNames = map[string]struct{}{
	"monday": {}, "mon": {},
	"tuesday": {}, "tues": {}, "tue": {},
	"wednesday": {}, "wed": {},
	"thursday": {}, "thurs": {}, "thur": {}, "thu": {},
	"friday": {}, "fri": {},
	"saturday": {}, "sat": {},
	"sunday": {}, "sun": {},
}

// HasTime reports whether raw carries an explicit HH:MM or a standalone
// am/pm token.
func HasTime(raw string) bool {
	return clockPattern.MatchString(raw) || meridiemPattern.MatchString(raw)
}

// NormalizeCandidate rewrites a raw candidate into a form parseDate accepts.
// Rules, first match wins:
//   - N/N/N is day/month/year; 2-digit years get +2000; when the month is
//     above 12 and the day is not, the two are swapped. Emitted as ISO.
//   - N/N without a year is day/month in fallbackYear, emitted as ISO.
//   - A month name without a 4-digit year gets fallbackYear appended.
//   - Anything else is returned unchanged.
func NormalizeCandidate(cleaned string, fallbackYear int) string {
	if m := fullSlashPattern.FindStringSubmatch(cleaned); m != nil {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		rest := strings.TrimSpace(m[4])

		if year < 100 {
			year += 2000
		}
		if month > 12 && day <= 12 {
			day, month = month, day
		}

		out := fmt.Sprintf("%04d-%02d-%02d", year, month, day)
		if rest != "" {
			out += " " + rest
		}
		return out
	}

	if m := shortSlashPattern.FindStringSubmatch(cleaned); m != nil && shortSlashPrefix.MatchString(cleaned) {
		day, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		return fmt.Sprintf("%04d-%02d-%02d%s", fallbackYear, month, day, m[3])
	}

	if containsMonthName(cleaned) && !fourDigitYearPattern.MatchString(cleaned) {
		return cleaned + " " + strconv.Itoa(fallbackYear)
	}

	return cleaned
}

// Resolve converts one raw candidate into a timestamp in loc. The second
// return value is false when the candidate cannot be parsed; callers drop
// such candidates.
func Resolve(raw string, fallbackYear int, loc *time.Location) (model.ResolvedDate, bool) {
	if loc == nil {
		loc = time.UTC
	}

	cleaned := strings.TrimSpace(trailingPunctPattern.ReplaceAllString(strings.TrimSpace(raw), ""))
	if cleaned == "" {
		return model.ResolvedDate{}, false
	}

	t, ok := parseDate(NormalizeCandidate(cleaned, fallbackYear), loc)
	if !ok {
		return model.ResolvedDate{}, false
	}
	return model.ResolvedDate{Time: t, HasTime: HasTime(cleaned)}, true
}

func containsMonthName(s string) bool {
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r < 'a' || r > 'z'
	}) {
		if _, ok := monthsByName[tok]; ok {
			return true
		}
	}
	return false
}

// parseDate accepts exactly the normalized shapes NormalizeCandidate
// produces: ISO "YYYY-MM-DD[( |T)HH:MM[ am|pm]]", or a token list made of an
// optional weekday, a month name, a day, a 4-digit year, an optional "at"
// and an optional HH:MM[ am|pm], in any order. Dates that would roll over
// (Feb 30) are rejected.
func parseDate(s string, loc *time.Location) (time.Time, bool) {
	if m := isoPattern.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])

		hour, minute := 0, 0
		if rest := strings.TrimSpace(m[4]); rest != "" {
			var ok bool
			if hour, minute, ok = parseClock(rest); !ok {
				return time.Time{}, false
			}
		}
		return buildTime(year, month, day, hour, minute, loc)
	}

	return parseWords(s, loc)
}

func parseWords(s string, loc *time.Location) (time.Time, bool) {
	var (
		month        time.Month
		day, year    int
		hour, minute int
		haveClock    bool
		meridiem     string
	)

	tokens := strings.Fields(strings.ToLower(strings.ReplaceAll(s, ",", " ")))
	for _, tok := range tokens {
		word := strings.TrimSuffix(tok, ".")
		switch {
		case word == "at":
		case isWeekday(word):
		case monthsByName[word] != 0:
			if month != 0 {
				return time.Time{}, false
			}
			month = monthsByName[word]
		case timeTokenPattern.MatchString(tok):
			if haveClock {
				return time.Time{}, false
			}
			h, m, ok := parseClock(tok)
			if !ok {
				return time.Time{}, false
			}
			hour, minute, haveClock = h, m, true
		case word == "am" || word == "pm":
			if !haveClock || meridiem != "" {
				return time.Time{}, false
			}
			meridiem = word
		case yearTokenPattern.MatchString(word):
			if year != 0 {
				return time.Time{}, false
			}
			year, _ = strconv.Atoi(word)
		case dayTokenPattern.MatchString(word):
			if day != 0 {
				return time.Time{}, false
			}
			day, _ = strconv.Atoi(dayTokenPattern.FindStringSubmatch(word)[1])
		default:
			return time.Time{}, false
		}
	}

	if month == 0 || day == 0 || year == 0 {
		return time.Time{}, false
	}
	if meridiem != "" {
		var ok bool
		if hour, ok = applyMeridiem(hour, meridiem); !ok {
			return time.Time{}, false
		}
	}
	return buildTime(year, int(month), day, hour, minute, loc)
}

func isWeekday(s string) bool {
	_, ok := weekdayNames[s]
	return ok
}

// parseClock parses "14:30", "2:30pm" or "2:30 PM".
func parseClock(s string) (hour, minute int, ok bool) {
	m := timeTokenPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, false
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if minute > 59 || hour > 23 {
		return 0, 0, false
	}
	if m[3] != "" {
		return applyMeridiemClock(hour, minute, strings.ToLower(m[3]))
	}
	return hour, minute, true
}

func applyMeridiemClock(hour, minute int, meridiem string) (int, int, bool) {
	h, ok := applyMeridiem(hour, meridiem)
	return h, minute, ok
}

func applyMeridiem(hour int, meridiem string) (int, bool) {
	if hour < 1 || hour > 12 {
		return 0, false
	}
	switch {
	case meridiem == "am" && hour == 12:
		return 0, true
	case meridiem == "pm" && hour < 12:
		return hour + 12, true
	default:
		return hour, true
	}
}

func buildTime(year, month, day, hour, minute int, loc *time.Location) (time.Time, bool) {
	if month < 1 || month > 12 || day < 1 {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, loc)
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	return t, true
}
