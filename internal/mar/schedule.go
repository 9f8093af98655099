package mar

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const dayKeyLayout = "2006-01-02"

// DayKey formats a time as the history map key (YYYY-MM-DD).
func DayKey(t time.Time) string {
	return t.Format(dayKeyLayout)
}

// HHMM formats a time as the wall-clock value stored in dose records.
func HHMM(t time.Time) string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

// MinutesOfDay parses an HH:MM value into minutes since midnight.
func MinutesOfDay(value string) (int, bool) {
	trimmed := strings.TrimSpace(value)
	var hours, minutes int
	if _, err := fmt.Sscanf(trimmed, "%d:%d", &hours, &minutes); err != nil {
		return 0, false
	}
	if hours < 0 || hours > 23 || minutes < 0 || minutes > 59 {
		return 0, false
	}
	if fmt.Sprintf("%d:%02d", hours, minutes) != trimmed && fmt.Sprintf("%02d:%02d", hours, minutes) != trimmed {
		return 0, false
	}
	return hours*60 + minutes, true
}

// ParseTimesCSV parses a comma separated list of HH:MM values, dropping
// invalid entries and returning the remainder deduplicated and sorted.
func ParseTimesCSV(input string) []string {
	seen := map[string]bool{}
	times := make([]string, 0, 4)
	for _, part := range strings.Split(input, ",") {
		trimmed := strings.TrimSpace(part)
		if len(trimmed) != 5 || trimmed[2] != ':' {
			continue
		}
		if _, ok := MinutesOfDay(trimmed); !ok {
			continue
		}
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		times = append(times, trimmed)
	}
	sort.Strings(times)
	return times
}

// ActiveOnDate reports whether the medication is scheduled on the given day.
// A missing schedule means every day.
func ActiveOnDate(med *Medication, date time.Time) bool {
	if med == nil || med.Schedule == nil {
		return true
	}
	switch med.Schedule.Type {
	case ScheduleWeekly:
		weekday := int(date.Weekday())
		for _, day := range med.Schedule.Days {
			if day == weekday {
				return true
			}
		}
		return false
	case ScheduleInterval:
		every := med.Schedule.Every
		start, err := time.ParseInLocation(dayKeyLayout, med.Schedule.Start, date.Location())
		if every <= 0 || err != nil {
			return false
		}
		day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
		diff := int(day.Sub(start).Hours() / 24)
		if diff < 0 {
			return false
		}
		return diff%every == 0
	default:
		return true
	}
}
