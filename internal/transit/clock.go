package transit

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// ClockTime is a time of day in seconds since midnight. Hours may exceed 24
// for trips running past midnight.
type ClockTime int

// ParseClockTime parses HH:MM or HH:MM:SS.
func ParseClockTime(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, Validationf("invalid time of day %q", s)
	}
	var vals [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, Validationf("invalid time of day %q", s)
		}
		vals[i] = n
	}
	if vals[1] > 59 || vals[2] > 59 {
		return 0, Validationf("invalid time of day %q", s)
	}
	return ClockTime(vals[0]*3600 + vals[1]*60 + vals[2]), nil
}

func (c ClockTime) String() string {
	sec := int(c)
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
}

func (c ClockTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

func (c *ClockTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return Validationf("time of day must be a string")
	}
	v, err := ParseClockTime(s)
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// ParseDate parses YYYY-MM-DD into midnight UTC.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, Validationf("invalid date %q", s)
	}
	return d, nil
}

// DateOf returns the calendar date of t in its own location as midnight UTC.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func SameDate(a, b time.Time) bool {
	return DateOf(a).Equal(DateOf(b))
}
