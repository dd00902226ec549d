package test

import (
	"encoding/base64"
	"strings"
	"time"
)

const icsTime = "20060102T150405Z"

// ICS builds a calendar holding a single VEVENT. extra lines, such as an RRULE, are added to the
// event.
func ICS(method, uid, summary string, start, end time.Time, extra ...string) string {
	lines := []string{
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//listgate//test//EN",
		"METHOD:" + method,
		"BEGIN:VEVENT",
		"UID:" + uid,
		"SUMMARY:" + summary,
		"DTSTAMP:" + start.UTC().Format(icsTime),
		"DTSTART:" + start.UTC().Format(icsTime),
		"DTEND:" + end.UTC().Format(icsTime),
	}
	lines = append(lines, extra...)
	lines = append(lines, "END:VEVENT", "END:VCALENDAR", "")
	return strings.Join(lines, "\r\n")
}

// CalendarMessage wraps payload in an invitation with a plain text description.
func CalendarMessage(from string, to []string, subject, payload string) []byte {
	method := "REQUEST"
	for _, line := range strings.Split(payload, "\r\n") {
		if strings.HasPrefix(line, "METHOD:") {
			method = line[len("METHOD:"):]
		}
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(payload))
	return crlf("From: " + from + "\n" +
		"To: " + strings.Join(to, ", ") + "\n" +
		"Subject: " + subject + "\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\n" +
		"\n" +
		"--b1\n" +
		"Content-Type: text/plain; charset=utf-8\n" +
		"\n" +
		"Please join.\n" +
		"--b1\n" +
		"Content-Type: text/calendar; charset=utf-8; method=" + method + "\n" +
		"Content-Transfer-Encoding: base64\n" +
		"Content-Disposition: attachment; filename=\"invite.ics\"\n" +
		"\n" +
		encoded + "\n" +
		"--b1--\n")
}

// TextMessage builds a plain text message.
func TextMessage(from string, to []string, subject, body string) []byte {
	return crlf("From: " + from + "\n" +
		"To: " + strings.Join(to, ", ") + "\n" +
		"Subject: " + subject + "\n" +
		"Content-Type: text/plain; charset=utf-8\n" +
		"\n" +
		body + "\n")
}

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}
