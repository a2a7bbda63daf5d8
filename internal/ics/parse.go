package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"email2deadline/internal/extract"
	appLog "email2deadline/internal/log"
	"email2deadline/internal/model"
)

// ParseEvents reads a calendar produced by Build (or any compatible client)
// back into events. Date-only values are interpreted in loc; a nil loc means
// UTC. VEVENTs without a usable DTSTART are logged and skipped.
func ParseEvents(body []byte, loc *time.Location) ([]model.Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.UTC
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err)
		return nil, err
	}

	events := make([]model.Event, 0)
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve, loc)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			uid := ""
			if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
				uid = p.Value
			}
			appLog.Warn("ics vevent skipped", "uid", uid, "reason", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (model.Event, error) {
	var out model.Event

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.SourceSubject = strings.TrimPrefix(p.Value, descriptionPrefix)
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	out.AllDay = isDateValue(dtStart)

	var err error
	if out.AllDay {
		if out.Start, err = parseDate(dtStart.Value, loc); err != nil {
			return out, err
		}
		out.End = out.Start.AddDate(0, 0, 1)
		if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
			if end, err := parseDate(dtEnd.Value, loc); err == nil && end.After(out.Start) {
				out.End = end
			}
		}
		return out, nil
	}

	// Timed values go through the library so TZID parameters are honored.
	if out.Start, err = ve.GetStartAt(); err != nil {
		return out, err
	}
	out.End = out.Start.Add(time.Hour)
	if end, err := ve.GetEndAt(); err == nil && end.After(out.Start) {
		out.End = end
	}
	return out, nil
}

// isDateValue detects all-day values: VALUE=DATE or a bare YYYYMMDD.
func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func parseDate(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) < 8 {
		return time.Time{}, fmt.Errorf("invalid date value %q", v)
	}
	return time.ParseInLocation("20060102", v[:8], loc)
}

// Merge appends fresh to existing and drops structural duplicates, so that
// re-exporting the same messages into one calendar is idempotent.
func Merge(existing, fresh []model.Event) []model.Event {
	all := make([]model.Event, 0, len(existing)+len(fresh))
	all = append(all, existing...)
	all = append(all, fresh...)
	return extract.Dedupe(all)
}
