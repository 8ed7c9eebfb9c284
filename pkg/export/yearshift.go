package export

import (
	"fmt"
	"strconv"
	"strings"
)

// genYearMap maps every real calendar year in [start, end] to a synthetic
// year starting at base. Only the year number changes; callers lay
// measurements out back-to-back by advancing base between calls.
func genYearMap(start, end, base int) map[string]string {
	yearMap := make(map[string]string, end-start+1)
	for x := 0; x <= end-start; x++ {
		yearMap[strconv.Itoa(start+x)] = strconv.Itoa(base + x)
	}
	return yearMap
}

// shiftYear rewrites the year component of an ISO-8601 timestamp according
// to yearMap. Month, day, time of day and sub-second precision stay verbatim.
func shiftYear(timestamp string, yearMap map[string]string) (string, error) {
	year, rest, ok := strings.Cut(timestamp, "-")
	if !ok {
		return "", fmt.Errorf("malformed timestamp %q", timestamp)
	}
	shifted, ok := yearMap[year]
	if !ok {
		return "", fmt.Errorf("year %s not covered by year map", year)
	}
	return shifted + "-" + rest, nil
}

// yearOf extracts the calendar year from an ISO-8601 timestamp.
func yearOf(timestamp string) (int, error) {
	year, _, ok := strings.Cut(timestamp, "-")
	if !ok {
		return 0, fmt.Errorf("malformed timestamp %q", timestamp)
	}
	y, err := strconv.Atoi(year)
	if err != nil {
		return 0, fmt.Errorf("malformed timestamp %q: %w", timestamp, err)
	}
	return y, nil
}
