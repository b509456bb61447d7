package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "pcal/internal/log"
)

// ParsedEvent is the normalized representation of a VEVENT. Times are
// resolved against the property's TZID; all-day values are UTC midnights.
type ParsedEvent struct {
	Source Source

	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool
	// TZID of DTSTART, empty for UTC, floating and all-day values.
	TZID string

	RawRRule string
	ExDates  []time.Time
	// Recurrence is the RECURRENCE-ID of an override, nil otherwise.
	Recurrence *time.Time
	Cancelled  bool
	Reminders  []time.Duration
}

// IsOverride reports whether the VEVENT overrides one recurring instance.
func (p ParsedEvent) IsOverride() bool { return p.Recurrence != nil }

// ParseICS parses one payload. Broken VEVENTs are logged and skipped.
func ParseICS(src Source, body []byte) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(src, comp)
		if perr != nil {
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events))
	return events, nil
}

func parseVEvent(src Source, ve *ical.VEvent) (ParsedEvent, error) {
	out := ParsedEvent{Source: src}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if seqProp := ve.GetProperty(ical.ComponentPropertySequence); seqProp != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(seqProp.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty("STATUS"); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, allDay, tzid, err := propTime(dtStart, dtStart.Value)
	if err != nil {
		return out, fmt.Errorf("DTSTART: %w", err)
	}
	out.Start, out.AllDay, out.TZID = start, allDay, tzid

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		end, _, _, err := propTime(dtEnd, dtEnd.Value)
		if err != nil {
			return out, fmt.Errorf("DTEND: %w", err)
		}
		out.End = end
	case allDay:
		out.End = start.AddDate(0, 0, 1)
	default:
		out.End = start
	}
	if out.End.Before(out.Start) {
		return out, fmt.Errorf("DTEND %s is before DTSTART %s", out.End, out.Start)
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, _, _, err := propTime(p, part)
			if err != nil {
				appLog.Debug("ics exdate skipped", "uid", out.UID, "value", part)
				continue
			}
			out.ExDates = append(out.ExDates, t)
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, _, _, err := propTime(p, p.Value)
		if err != nil {
			return out, fmt.Errorf("RECURRENCE-ID: %w", err)
		}
		out.Recurrence = &t
	}

	for _, alarm := range ve.Alarms() {
		trig := alarm.GetProperty("TRIGGER")
		if trig == nil {
			continue
		}
		if d, err := parseTrigger(trig.Value); err == nil {
			out.Reminders = append(out.Reminders, d)
		}
	}

	return out, nil
}

// propTime parses a DATE or DATE-TIME value of prop. DATE values become UTC
// midnight. DATE-TIME values honor a trailing Z, then the TZID parameter,
// and are otherwise floating, which is read as UTC.
func propTime(prop *ical.IANAProperty, v string) (time.Time, bool, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, "", errors.New("empty time value")
	}

	isDate := !strings.Contains(v, "T")
	if vs, ok := prop.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		isDate = true
	}
	if isDate {
		t, err := time.ParseInLocation("20060102", v[:min(len(v), 8)], time.UTC)
		return t, true, "", err
	}

	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, "", err
	}

	if tzs, ok := prop.ICalParameters["TZID"]; ok && len(tzs) > 0 {
		tzid := strings.Trim(tzs[0], `"`)
		loc, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, false, "", fmt.Errorf("unknown TZID %q: %w", tzid, err)
		}
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, tzid, err
	}

	t, err := time.ParseInLocation("20060102T150405", v, time.UTC)
	return t, false, "", err
}

// parseTrigger reads a relative VALARM TRIGGER such as "-PT15M" or "-P1D"
// and returns how long before the start the alarm fires.
func parseTrigger(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	neg := strings.HasPrefix(v, "-")
	v = strings.TrimLeft(v, "+-")
	if !strings.HasPrefix(v, "P") {
		return 0, fmt.Errorf("unsupported trigger %q", v)
	}
	v = v[1:]

	var d time.Duration
	inTime := false
	num := ""
	for _, r := range v {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("bad trigger %q", v)
			}
			num = ""
			switch {
			case r == 'W':
				d += time.Duration(n) * 7 * 24 * time.Hour
			case r == 'D':
				d += time.Duration(n) * 24 * time.Hour
			case r == 'H' && inTime:
				d += time.Duration(n) * time.Hour
			case r == 'M' && inTime:
				d += time.Duration(n) * time.Minute
			case r == 'S' && inTime:
				d += time.Duration(n) * time.Second
			default:
				return 0, fmt.Errorf("bad trigger unit %q", r)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("dangling number in trigger %q", v)
	}
	if !neg {
		// Alarms after the start are not reminders.
		return 0, fmt.Errorf("trigger %q fires after the start", v)
	}
	return d, nil
}
