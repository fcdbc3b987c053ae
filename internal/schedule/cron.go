// Package schedule fires cron-based builds. Expressions use seven
// space-separated fields: second minute hour day-of-month month day-of-week
// year. Day-of-month and day-of-week combine with OR when both are
// restricted, and evaluation happens in the schedule's own timezone.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	ferr "github.com/forgeworks/foundry/internal/errors"
)

const (
	yearMin = 1970
	yearMax = 2099
)

var sixFieldParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// CronSchedule computes fire times for a seven-field cron expression.
type CronSchedule struct {
	expr  string
	inner cron.Schedule
	years map[int]bool // nil means every year
}

// ParseCron validates and compiles a seven-field cron expression.
func ParseCron(expr string) (*CronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 7 {
		return nil, ferr.Newf(ferr.KindBadRequest,
			"cron expression needs 7 fields (sec min hour dom month dow year), got %d", len(fields))
	}

	inner, err := sixFieldParser.Parse(strings.Join(fields[:6], " "))
	if err != nil {
		return nil, ferr.Newf(ferr.KindBadRequest, "invalid cron expression %q: %v", expr, err)
	}
	years, err := parseYearField(fields[6])
	if err != nil {
		return nil, err
	}
	return &CronSchedule{expr: expr, inner: inner, years: years}, nil
}

// parseYearField handles *, lists, ranges, and steps over the year field.
// Returns nil for an unrestricted field.
func parseYearField(field string) (map[int]bool, error) {
	if field == "*" {
		return nil, nil
	}
	years := make(map[int]bool)
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := yearMin, yearMax, 1
		rangeExpr := part
		if slash := strings.IndexByte(part, '/'); slash >= 0 {
			rangeExpr = part[:slash]
			n, err := strconv.Atoi(part[slash+1:])
			if err != nil || n < 1 {
				return nil, ferr.Newf(ferr.KindBadRequest, "invalid year step in %q", part)
			}
			step = n
		}
		switch {
		case rangeExpr == "*":
			// full range with a step
		case strings.Contains(rangeExpr, "-"):
			bounds := strings.SplitN(rangeExpr, "-", 2)
			a, err1 := strconv.Atoi(bounds[0])
			b, err2 := strconv.Atoi(bounds[1])
			if err1 != nil || err2 != nil || a > b {
				return nil, ferr.Newf(ferr.KindBadRequest, "invalid year range %q", rangeExpr)
			}
			lo, hi = a, b
		default:
			n, err := strconv.Atoi(rangeExpr)
			if err != nil {
				return nil, ferr.Newf(ferr.KindBadRequest, "invalid year %q", rangeExpr)
			}
			lo, hi = n, n
		}
		if lo < yearMin || hi > yearMax {
			return nil, ferr.Newf(ferr.KindBadRequest, "year out of range %d-%d in %q", yearMin, yearMax, part)
		}
		for y := lo; y <= hi; y += step {
			years[y] = true
		}
	}
	if len(years) == 0 {
		return nil, ferr.Newf(ferr.KindBadRequest, "year field %q matches no years", field)
	}
	return years, nil
}

// Next returns the first fire time strictly after t, or the zero time when
// the year constraint has no remaining matches.
func (c *CronSchedule) Next(t time.Time) time.Time {
	next := t
	// Each pass either returns a match or skips a whole excluded year, so the
	// bound covers the full supported year range.
	for i := 0; i < yearMax-yearMin+2; i++ {
		next = c.inner.Next(next)
		if next.IsZero() {
			return time.Time{}
		}
		if c.years == nil || c.years[next.Year()] {
			return next
		}
		if next.Year() > yearMax {
			return time.Time{}
		}
		// Jump to the start of the next candidate year instead of walking
		// fire-by-fire through an excluded one.
		next = time.Date(next.Year()+1, 1, 1, 0, 0, 0, 0, next.Location()).Add(-time.Second)
	}
	return time.Time{}
}

// String returns the original expression.
func (c *CronSchedule) String() string { return c.expr }

// NextInZone computes the next fire after t evaluated in the named timezone.
func NextInZone(expr, timezone string, t time.Time) (time.Time, error) {
	cs, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, ferr.Newf(ferr.KindBadRequest, "invalid timezone %q", timezone)
	}
	next := cs.Next(t.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("expression %q has no future fire time", expr)
	}
	return next, nil
}
