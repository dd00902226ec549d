package calendar_test

import (
	"strings"
	"testing"
	"time"

	"github.com/inbucket/listgate/pkg/calendar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

func ics(method string, event ...string) []byte {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//listgate//test//EN",
	}
	if method != "" {
		lines = append(lines, "METHOD:"+method)
	}
	lines = append(lines, "BEGIN:VEVENT")
	lines = append(lines, event...)
	lines = append(lines, "END:VEVENT", "END:VCALENDAR", "")
	return []byte(strings.Join(lines, "\r\n"))
}

func single(start, end string) []byte {
	return ics("REQUEST",
		"UID:123",
		"DTSTAMP:20291201T000000Z",
		"SUMMARY:Planning",
		"ORGANIZER;CN=Ann:mailto:Ann@Example.com",
		"ATTENDEE:mailto:old@example.com",
		"DTSTART:"+start,
		"DTEND:"+end,
	)
}

func recurring(rule string) []byte {
	return ics("REQUEST",
		"UID:series-1",
		"DTSTAMP:20291201T000000Z",
		"SUMMARY:Standup",
		"ORGANIZER:mailto:lead@example.com",
		"DTSTART:20300107T100000Z",
		"DTEND:20300107T110000Z",
		"RRULE:"+rule,
	)
}

func TestParseSingle(t *testing.T) {
	inv, err := calendar.Parse(single("20300105T090000Z", "20300105T100000Z"), now)
	require.NoError(t, err)
	assert.Equal(t, "123", inv.UID)
	assert.Equal(t, "Planning", inv.Title)
	assert.Equal(t, "ann@example.com", inv.Organizer)
	assert.Equal(t, "REQUEST", inv.Method)
	assert.False(t, inv.Recurring)
	assert.False(t, inv.IsOverride())
	assert.False(t, inv.IsCancel())
	assert.Equal(t, time.Date(2030, 1, 5, 10, 0, 0, 0, time.UTC), inv.Expiry)
}

func TestParseWindowsZone(t *testing.T) {
	payload := ics("REQUEST",
		"UID:tz",
		"DTSTART;TZID=Eastern Standard Time:20300105T090000",
		"DTEND;TZID=Eastern Standard Time:20300105T100000",
	)
	inv, err := calendar.Parse(payload, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2030, 1, 5, 14, 0, 0, 0, time.UTC), inv.Start.UTC())
	assert.Equal(t, "America/New_York", calendar.ZoneName("Eastern Standard Time"))
	assert.Equal(t, "Europe/Oslo", calendar.ZoneName("Europe/Oslo"))
}

func TestParseRecurringCount(t *testing.T) {
	inv, err := calendar.Parse(recurring("FREQ=WEEKLY;COUNT=3"), now)
	require.NoError(t, err)
	assert.True(t, inv.Recurring)
	assert.Equal(t, time.Date(2030, 1, 21, 11, 0, 0, 0, time.UTC), inv.Expiry.UTC())
	assert.False(t, inv.IsOverAt(now))
	assert.True(t, inv.IsOverAt(time.Date(2030, 2, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseRecurringOpenEnded(t *testing.T) {
	inv, err := calendar.Parse(recurring("FREQ=WEEKLY;BYDAY=MO"), now)
	require.NoError(t, err)
	assert.True(t, inv.Expiry.After(now.Add(4*365*24*time.Hour)), "expiry projected years ahead")

	over, err := calendar.IsOver(recurring("FREQ=WEEKLY;BYDAY=MO"), now.AddDate(10, 0, 0))
	require.NoError(t, err)
	assert.False(t, over, "a series without UNTIL or COUNT never ends")
}

func TestIsOverUntil(t *testing.T) {
	payload := recurring("FREQ=DAILY;UNTIL=20300110T000000Z")
	over, err := calendar.IsOver(payload, now)
	require.NoError(t, err)
	assert.False(t, over)

	over, err = calendar.IsOver(payload, time.Date(2030, 1, 11, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, over)
}

func TestIsOverSingle(t *testing.T) {
	over, err := calendar.IsOver(single("20291201T090000Z", "20291201T100000Z"), now)
	require.NoError(t, err)
	assert.True(t, over)

	over, err = calendar.IsOver(single("20300201T090000Z", "20300201T100000Z"), now)
	require.NoError(t, err)
	assert.False(t, over)
}

func TestParseOverrideAndCancel(t *testing.T) {
	payload := ics("CANCEL",
		"UID:series-1",
		"RECURRENCE-ID:20300114T100000Z",
		"DTSTART:20300114T100000Z",
		"DTEND:20300114T110000Z",
	)
	inv, err := calendar.Parse(payload, now)
	require.NoError(t, err)
	assert.True(t, inv.IsOverride())
	assert.True(t, inv.IsCancel())
}

func TestParseErrors(t *testing.T) {
	_, err := calendar.Parse([]byte("not a calendar"), now)
	assert.Error(t, err)

	_, err = calendar.Parse(ics("REQUEST", "DTSTART:20300105T090000Z"), now)
	assert.Error(t, err, "UID is required")
}

func TestRewriteAttendees(t *testing.T) {
	out, err := calendar.RewriteAttendees(
		single("20300105T090000Z", "20300105T100000Z"),
		[]string{"a@x.org", "b@x.org"})
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "ATTENDEE:mailto:a@x.org")
	assert.Contains(t, s, "ATTENDEE:mailto:b@x.org")
	assert.NotContains(t, s, "old@example.com")
	assert.Contains(t, s, "SUMMARY:Planning")
	assert.Contains(t, s, "METHOD:REQUEST")

	inv, err := calendar.Parse(out, now)
	require.NoError(t, err)
	assert.Equal(t, "123", inv.UID)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "Frequency: WEEKLY Interval: 2 No End Date Days: MO,WE",
		calendar.Describe("FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE"))
	assert.Equal(t, "Frequency: DAILY Until: 2030-01-10 00:00:00",
		calendar.Describe("FREQ=DAILY;UNTIL=20300110T000000Z"))
	assert.Equal(t, "Frequency: MONTHLY No End Date Count: 4",
		calendar.Describe("FREQ=MONTHLY;COUNT=4"))
	assert.Equal(t, "", calendar.Describe(""))
}
