package classifier

import (
	"regexp"
	"time"

	"github.com/araddon/dateparse"
)

// Status pages write dates a handful of ways; only forms that carry a year are
// trusted, since a bare "March 3" cannot be placed relative to the observation.
var datePattern = regexp.MustCompile(`(?i)\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b\d{4}-\d{2}-\d{2}\b|\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2},?\s+\d{4}\b`)

// latestDate returns the latest parseable date in text.
func latestDate(text string, loc *time.Location) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, candidate := range datePattern.FindAllString(text, -1) {
		d, err := dateparse.ParseIn(candidate, loc)
		if err != nil {
			continue
		}
		if !found || d.After(latest) {
			latest = d
			found = true
		}
	}
	return latest, found
}

// isPastDay compares calendar days in loc, so a hearing later today is not past.
func isPastDay(d, observed time.Time, loc *time.Location) bool {
	dy, dm, dd := d.In(loc).Date()
	oy, om, od := observed.In(loc).Date()
	return time.Date(dy, dm, dd, 0, 0, 0, 0, loc).Before(time.Date(oy, om, od, 0, 0, 0, 0, loc))
}
