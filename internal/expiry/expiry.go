// Package expiry handles card expiry dates in the YYMM form used on the
// acquirer link.
package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FromCard builds YYMM from the month and year of a checkout payment
// method. Month may be "3" or "03"; year may be "30" or "2030".
func FromCard(month, year string) (string, error) {
	mm, err := strconv.Atoi(strings.TrimSpace(month))
	if err != nil || mm < 1 || mm > 12 {
		return "", fmt.Errorf("invalid expiry month %q", month)
	}

	yy := strings.TrimSpace(year)
	if len(yy) == 4 {
		yy = yy[2:]
	}
	if len(yy) != 2 || !digits(yy) {
		return "", fmt.Errorf("invalid expiry year %q", year)
	}

	return fmt.Sprintf("%s%02d", yy, mm), nil
}

// Validate checks that yymm is four digits with a month in 01..12.
func Validate(yymm string) error {
	if len(yymm) != 4 || !digits(yymm) {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	mm, _ := strconv.Atoi(yymm[2:])
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}

// EndOfMonth returns the last instant of the YYMM month in loc (UTC when
// nil). Cards are valid through the end of their expiry month.
func EndOfMonth(yymm string, loc *time.Location) (time.Time, error) {
	if err := Validate(yymm); err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])

	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, loc).AddDate(0, 1, 0)
	return firstNext.Add(-time.Nanosecond), nil
}

// IsExpired reports whether at is after the end of the YYMM month.
func IsExpired(yymm string, at time.Time, loc *time.Location) (bool, error) {
	end, err := EndOfMonth(yymm, loc)
	if err != nil {
		return false, err
	}
	return at.In(end.Location()).After(end), nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
