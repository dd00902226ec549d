package calendar

import (
	"strconv"
	"strings"

	"github.com/teambition/rrule-go"
)

var frequencyNames = map[rrule.Frequency]string{
	rrule.YEARLY:   "YEARLY",
	rrule.MONTHLY:  "MONTHLY",
	rrule.WEEKLY:   "WEEKLY",
	rrule.DAILY:    "DAILY",
	rrule.HOURLY:   "HOURLY",
	rrule.MINUTELY: "MINUTELY",
	rrule.SECONDLY: "SECONDLY",
}

var dayNames = []string{"MO", "TU", "WE", "TH", "FR", "SA", "SU"}

// Describe summarizes a recurrence rule for people, e.g.
// "Frequency: WEEKLY Interval: 2 No End Date Days: MO,WE". An empty or invalid rule yields "".
func Describe(rule string) string {
	if rule == "" {
		return ""
	}
	opt, err := rrule.StrToROption(rule)
	if err != nil {
		return ""
	}
	var parts []string
	if f, ok := frequencyNames[opt.Freq]; ok {
		parts = append(parts, "Frequency: "+f)
	}
	if opt.Interval > 1 {
		parts = append(parts, "Interval: "+strconv.Itoa(opt.Interval))
	}
	if opt.Until.IsZero() {
		parts = append(parts, "No End Date")
	} else {
		parts = append(parts, "Until: "+opt.Until.Format("2006-01-02 15:04:05"))
	}
	if opt.Count > 0 {
		parts = append(parts, "Count: "+strconv.Itoa(opt.Count))
	}
	if len(opt.Byweekday) > 0 {
		days := make([]string, 0, len(opt.Byweekday))
		for _, wd := range opt.Byweekday {
			d := dayNames[wd.Day()%7]
			if n := wd.N(); n != 0 {
				d = strconv.Itoa(n) + d
			}
			days = append(days, d)
		}
		parts = append(parts, "Days: "+strings.Join(days, ","))
	}
	return strings.Join(parts, " ")
}
