package extract

import (
	"fmt"
	"time"
)

// dateLayout is the calendar date format used throughout the pipeline
const dateLayout = "2006-01-02"

// Window is a closed date interval [Start, End], both inclusive calendar
// days with no time component.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window from two calendar dates
func NewWindow(start, end time.Time) (Window, error) {
	start = truncateToDay(start)
	end = truncateToDay(end)
	if end.Before(start) {
		return Window{}, fmt.Errorf("invalid window: start %s after end %s",
			start.Format(dateLayout), end.Format(dateLayout))
	}
	return Window{Start: start, End: end}, nil
}

// ParseWindow builds a window from YYYY-MM-DD strings
func ParseWindow(start, end string) (Window, error) {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return Window{}, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return Window{}, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	return NewWindow(s, e)
}

// SingleDay returns a window covering one calendar date
func SingleDay(date time.Time) Window {
	d := truncateToDay(date)
	return Window{Start: d, End: d}
}

// IsSingleDay reports whether the window covers exactly one date
func (w Window) IsSingleDay() bool {
	return w.Start.Equal(w.End)
}

// Label returns the date label used for output grouping: the single date
// for one-day windows, otherwise "{start}_to_{end}".
func (w Window) Label() string {
	if w.IsSingleDay() {
		return w.Start.Format(dateLayout)
	}
	return fmt.Sprintf("%s_to_%s", w.Start.Format(dateLayout), w.End.Format(dateLayout))
}

// FromTime returns the RFC3339 start-of-day boundary for query bodies
func (w Window) FromTime() time.Time {
	return w.Start
}

// ToTime returns the RFC3339 end-of-day boundary for query bodies
func (w Window) ToTime() time.Time {
	return w.End.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
