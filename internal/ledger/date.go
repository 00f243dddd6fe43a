package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateFormat is the ISO-8601 layout used to write dates.
const DateFormat = "2006-01-02"

const readDateFormat = "2006-1-2" // permissive: allows single-digit month/day

// Date is a calendar day in UTC.
type Date struct {
	y int
	m time.Month
	d int
}

// NewDate returns a normalized Date for the given year, month, and day.
func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{t.Year(), t.Month(), t.Day()}
}

// DateOf returns the UTC calendar day of t.
func DateOf(t time.Time) Date {
	t = t.UTC()
	return Date{t.Year(), t.Month(), t.Day()}
}

// ParseDate reads "2006-01-02" (single digits allowed) or an RFC3339 timestamp.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(readDateFormat, s); err == nil {
		return DateOf(t), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return DateOf(t), nil
	}
	return Date{}, fmt.Errorf("%w: invalid date %q, want YYYY-MM-DD", ErrValidation, s)
}

func (d Date) IsZero() bool { return d.y == 0 && d.m == 0 && d.d == 0 }

// Time returns midnight UTC of the day.
func (d Date) Time() time.Time { return time.Date(d.y, d.m, d.d, 0, 0, 0, 0, time.UTC) }

func (d Date) String() string { return d.Time().Format(DateFormat) }

func (d Date) Before(x Date) bool { return d.Time().Before(x.Time()) }

func (d Date) After(x Date) bool { return d.Time().After(x.Time()) }

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: date must be a string", ErrValidation)
	}
	if strings.TrimSpace(s) == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
