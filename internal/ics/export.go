package ics

import (
	"errors"
	"math"
	"strconv"
	"time"

	ical "github.com/arran4/golang-ical"

	"email2deadline/internal/model"
)

const (
	DefaultCalendarName = "Email Deadlines"

	// ProductID is written as PRODID on every exported calendar.
	ProductID = "-//Email2Deadline//Deadline Export//EN"

	uidDomain          = "email2deadline.local"
	descriptionPrefix  = "Source email: "
	defaultLineLength  = 75
	unfoldedLineLength = math.MaxInt32
)

// ErrNoEvents is returned by callers that refuse to write an empty calendar.
var ErrNoEvents = errors.New("no deadline found in selected emails")

// ExportConfig controls calendar generation.
type ExportConfig struct {
	// CalendarName becomes X-WR-CALNAME. Empty means DefaultCalendarName.
	CalendarName string

	// Now stamps DTSTAMP and seeds the UIDs. Nil means time.Now.
	Now func() time.Time

	// LineLength folds content lines longer than this many octets.
	// Zero or negative disables folding.
	LineLength int
}

// DefaultExportConfig folds at 75 octets like most calendar clients expect.
func DefaultExportConfig() ExportConfig {
	return ExportConfig{CalendarName: DefaultCalendarName, LineLength: defaultLineLength}
}

// Build serializes events into a VCALENDAR document with CRLF line endings.
// Events keep their input order. All-day events carry VALUE=DATE start/end
// in their own zone; timed events are written in UTC.
func Build(events []model.Event, cfg ExportConfig) string {
	now := time.Now
	if cfg.Now != nil {
		now = cfg.Now
	}
	generated := now()

	name := cfg.CalendarName
	if name == "" {
		name = DefaultCalendarName
	}

	cal := ical.NewCalendarFor("Email2Deadline")
	cal.SetProductId(ProductID)
	cal.SetCalscale("GREGORIAN")
	cal.SetXWRCalName(name)

	stampMillis := strconv.FormatInt(generated.UnixMilli(), 10)
	for i, ev := range events {
		ve := cal.AddEvent(stampMillis + "." + strconv.Itoa(i) + "@" + uidDomain)
		ve.SetDtStampTime(generated)
		ve.SetSummary(ev.Summary)
		ve.SetDescription(descriptionPrefix + ev.SourceSubject)
		if ev.AllDay {
			ve.SetAllDayStartAt(ev.Start)
			ve.SetAllDayEndAt(ev.End)
		} else {
			ve.SetStartAt(ev.Start)
			ve.SetEndAt(ev.End)
		}
	}

	lineLength := cfg.LineLength
	if lineLength <= 0 {
		lineLength = unfoldedLineLength
	}
	return cal.Serialize(ical.WithLineLength(lineLength), ical.WithNewLineWindows)
}
