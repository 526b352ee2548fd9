package core

import (
	"fmt"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day without a time component. The zero Date means
// "unset" and serializes to the empty string.
type Date struct {
	time.Time
}

// ParseDate parses an ISO 8601 "YYYY-MM-DD" string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	return Date{Time: t}, nil
}

// NewDate builds a Date from year, month and day.
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

// MonthKey derives the grouping key for this date.
func (d Date) MonthKey() MonthKey {
	return MonthKey(d.Format("2006-01"))
}

func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
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

// MonthKey is a derived "YYYY-MM" grouping index. It is always recomputed
// from transaction dates, never stored as its own entity.
type MonthKey string

// MonthKeyFor builds the key for a given year and month.
func MonthKeyFor(year, month int) MonthKey {
	return MonthKey(fmt.Sprintf("%04d-%02d", year, month))
}

// CurrentMonthKey returns the key for the current calendar month.
func CurrentMonthKey() MonthKey {
	now := time.Now()
	return MonthKeyFor(now.Year(), int(now.Month()))
}

func (k MonthKey) Validate() error {
	if _, err := time.Parse("2006-01", string(k)); err != nil {
		return ErrInvalidDate
	}
	return nil
}

// Year returns the year component, or 0 for a malformed key.
func (k MonthKey) Year() int {
	t, err := time.Parse("2006-01", string(k))
	if err != nil {
		return 0
	}
	return t.Year()
}

// Month returns the month component (1-12), or 0 for a malformed key.
func (k MonthKey) Month() int {
	t, err := time.Parse("2006-01", string(k))
	if err != nil {
		return 0
	}
	return int(t.Month())
}
