package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// leadingTimestamp recognizes the ISO-ish stamps device and app logs
// start lines with: "2024-01-02 03:04:05", "2024/01/02T03:04:05.123".
var leadingTimestamp = regexp.MustCompile(`^\s*\[?(\d{4})[-/](\d{2})[-/](\d{2})[ T]`)

// withinDay reports whether the line's leading timestamp falls within
// one calendar day of the problem date. Lines without a recognizable
// stamp pass the filter: continuation lines and stack traces must not
// be dropped.
func withinDay(line string, problemDate time.Time) bool {
	m := leadingTimestamp.FindStringSubmatch(line)
	if m == nil {
		return true
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	stamp := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	ref := time.Date(problemDate.Year(), problemDate.Month(), problemDate.Day(), 0, 0, 0, 0, time.UTC)

	diff := stamp.Sub(ref)
	if diff < 0 {
		diff = -diff
	}
	return diff <= 24*time.Hour
}

// Date expressions users actually write in tickets, most specific
// first: explicit dates, then relative words in English and Chinese.
var (
	explicitDate = regexp.MustCompile(`(\d{4})[-/年.](\d{1,2})[-/月.](\d{1,2})日?`)
	monthDay     = regexp.MustCompile(`(\d{1,2})月(\d{1,2})日`)
)

// GuessProblemDate extracts the likely incident date from a ticket
// description. Returns nil when the text names no date; date-filtered
// pre-extraction then runs unfiltered.
func GuessProblemDate(description string, now time.Time) *time.Time {
	if m := explicitDate.FindStringSubmatch(description); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		if validDate(year, month, day) {
			d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	if m := monthDay.FindStringSubmatch(description); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		if validDate(now.Year(), month, day) {
			d := time.Date(now.Year(), time.Month(month), day, 0, 0, 0, 0, time.UTC)
			// A month/day past today means last year's incident.
			if d.After(now) {
				d = d.AddDate(-1, 0, 0)
			}
			return &d
		}
	}

	lower := strings.ToLower(description)
	switch {
	case strings.Contains(lower, "today") || strings.Contains(description, "今天"):
		d := now.UTC().Truncate(24 * time.Hour)
		return &d
	case strings.Contains(lower, "yesterday") || strings.Contains(description, "昨天"):
		d := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1)
		return &d
	case strings.Contains(description, "前天"):
		d := now.UTC().Truncate(24 * time.Hour).AddDate(0, 0, -2)
		return &d
	}
	return nil
}

func validDate(year, month, day int) bool {
	if year < 2000 || year > 2100 || month < 1 || month > 12 || day < 1 || day > 31 {
		return false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return d.Day() == day && int(d.Month()) == month
}
