// Package calendar extracts the facts the invite tracker needs from iCalendar payloads.
package calendar

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

// MethodCancel is the iTIP method cancelling an event.
const MethodCancel = "CANCEL"

// horizon bounds how far a recurring series is projected forward.
const horizon = 5 * 365 * 24 * time.Hour

// ErrNoEvent indicates the payload holds no VEVENT.
var ErrNoEvent = errors.New("calendar has no event")

// Invite holds the facts of the first VEVENT of a calendar.
type Invite struct {
	UID          string
	Title        string
	Organizer    string
	Method       string
	RecurrenceID string
	Recurring    bool
	RRule        string
	Start        time.Time
	End          time.Time
	// Expiry is the end of the last occurrence, or of the single event.
	Expiry time.Time
}

// IsOverride reports whether this invite updates one instance of a series.
func (inv *Invite) IsOverride() bool {
	return inv.RecurrenceID != ""
}

// IsCancel reports whether the series is being cancelled.
func (inv *Invite) IsCancel() bool {
	return strings.EqualFold(inv.Method, MethodCancel)
}

// Decode parses payload, normalizing every time zone reference.
func Decode(payload []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(payload)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	for _, child := range cal.Children {
		normalizeZones(child)
	}
	return cal, nil
}

// firstEvent returns the first VEVENT of cal.
func firstEvent(cal *ical.Calendar) (*ical.Event, error) {
	events := cal.Events()
	if len(events) == 0 {
		return nil, ErrNoEvent
	}
	return &events[0], nil
}

// Parse extracts the Invite from payload, projecting recurrences from now.
func Parse(payload []byte, now time.Time) (*Invite, error) {
	cal, err := Decode(payload)
	if err != nil {
		return nil, err
	}
	ev, err := firstEvent(cal)
	if err != nil {
		return nil, err
	}
	inv := &Invite{}
	if p := cal.Props.Get(ical.PropMethod); p != nil {
		inv.Method = strings.ToUpper(p.Value)
	}
	if p := ev.Props.Get(ical.PropUID); p != nil {
		inv.UID = strings.TrimSpace(p.Value)
	}
	if inv.UID == "" {
		return nil, errors.New("calendar event has no UID")
	}
	inv.Title, _ = ev.Props.Text(ical.PropSummary)
	if p := ev.Props.Get(ical.PropOrganizer); p != nil {
		inv.Organizer = mailtoAddress(p.Value)
	}
	if p := ev.Props.Get(ical.PropRecurrenceID); p != nil {
		inv.RecurrenceID = p.Value
	}
	if p := ev.Props.Get(ical.PropRecurrenceRule); p != nil {
		inv.Recurring = true
		inv.RRule = p.Value
	}

	inv.Start, err = ev.DateTimeStart(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("event %s start: %w", inv.UID, err)
	}
	inv.End, err = ev.DateTimeEnd(time.UTC)
	if err != nil || inv.End.IsZero() {
		inv.End = inv.Start
	}
	inv.Expiry = inv.End
	if inv.Recurring {
		inv.Expiry, err = seriesExpiry(ev, inv.End.Sub(inv.Start), now)
		if err != nil {
			return nil, fmt.Errorf("event %s recurrence: %w", inv.UID, err)
		}
	}
	return inv, nil
}

// seriesExpiry finds the last occurrence within the horizon and adds the event duration. A series
// with no remaining occurrence expires at the end of its last past occurrence.
func seriesExpiry(ev *ical.Event, duration time.Duration, now time.Time) (time.Time, error) {
	set, err := ev.RecurrenceSet(time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	if set == nil {
		return time.Time{}, errors.New("no recurrence set")
	}
	occurrences := set.Between(now, now.Add(horizon), true)
	if len(occurrences) > 0 {
		return occurrences[len(occurrences)-1].Add(duration), nil
	}
	if last := set.Before(now, true); !last.IsZero() {
		return last.Add(duration), nil
	}
	start, err := ev.DateTimeStart(time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return start.Add(duration), nil
}

// IsOver reports whether no occurrence of the event remains after now. A recurring series is over
// only once its UNTIL has passed; an open ended series never is; a COUNT bounded series is judged
// by its projected expiry.
func IsOver(payload []byte, now time.Time) (bool, error) {
	inv, err := Parse(payload, now)
	if err != nil {
		return false, err
	}
	return inv.IsOverAt(now), nil
}

// IsOverAt applies the IsOver rules to an already parsed invite.
func (inv *Invite) IsOverAt(now time.Time) bool {
	if !inv.Recurring {
		return inv.End.Before(now)
	}
	opt, err := rrule.StrToROption(inv.RRule)
	if err != nil {
		return inv.Expiry.Before(now)
	}
	switch {
	case !opt.Until.IsZero():
		return opt.Until.Before(now)
	case opt.Count == 0:
		return false
	}
	return inv.Expiry.Before(now)
}

// RewriteAttendees replaces the ATTENDEE list of every VEVENT with attendees, leaving all other
// properties as they were. Time zone names are not altered.
func RewriteAttendees(payload []byte, attendees []string) ([]byte, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(payload)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar: %w", err)
	}
	events := cal.Events()
	if len(events) == 0 {
		return nil, ErrNoEvent
	}
	for _, ev := range events {
		ev.Props.Del(ical.PropAttendee)
		for _, a := range attendees {
			p := ical.NewProp(ical.PropAttendee)
			p.Value = "mailto:" + a
			ev.Props.Add(p)
		}
	}
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// mailtoAddress strips a mailto: scheme and lowercases the address.
func mailtoAddress(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		v = v[7:]
	}
	return strings.ToLower(v)
}
