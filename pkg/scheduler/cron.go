/*
Copyright 2025 Jenna Labs.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed five-field cron expression
// (minute hour day-of-month month day-of-week).
type Schedule struct {
	minute, hour, dom, month, dow fieldSet
	expr                          string
}

type fieldSet struct {
	any  bool
	bits uint64
}

func (f fieldSet) match(v int) bool {
	return f.any || f.bits&(1<<uint(v)) != 0
}

// ParseCron parses a standard five-field expression. Supported syntax:
// "*", single values, comma lists, ranges (a-b), and steps (*/n, a-b/n).
func ParseCron(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron %q: want 5 fields, got %d", expr, len(fields))
	}

	bounds := []struct{ min, max int }{
		{0, 59}, // minute
		{0, 23}, // hour
		{1, 31}, // day of month
		{1, 12}, // month
		{0, 6},  // day of week, 0 = Sunday
	}

	sets := make([]fieldSet, 5)
	for i, field := range fields {
		set, err := parseField(field, bounds[i].min, bounds[i].max)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		sets[i] = set
	}
	return &Schedule{
		minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4],
		expr: expr,
	}, nil
}

func parseField(field string, min, max int) (fieldSet, error) {
	if field == "*" {
		return fieldSet{any: true}, nil
	}
	var set fieldSet
	for _, part := range strings.Split(field, ",") {
		step := 1
		if slash := strings.IndexByte(part, '/'); slash >= 0 {
			n, err := strconv.Atoi(part[slash+1:])
			if err != nil || n < 1 {
				return set, fmt.Errorf("bad step in %q", part)
			}
			step = n
			part = part[:slash]
		}

		lo, hi := min, max
		switch {
		case part == "*":
			// full range with step
		case strings.Contains(part, "-"):
			var err error
			lo, hi, err = parseRange(part)
			if err != nil {
				return set, err
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return set, fmt.Errorf("bad value %q", part)
			}
			lo, hi = v, v
		}
		if lo < min || hi > max || lo > hi {
			return set, fmt.Errorf("value %q out of range %d-%d", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			set.bits |= 1 << uint(v)
		}
	}
	return set, nil
}

func parseRange(part string) (int, int, error) {
	lo, hi, ok := strings.Cut(part, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad range %q", part)
	}
	a, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range %q", part)
	}
	b, err := strconv.Atoi(hi)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range %q", part)
	}
	return a, b, nil
}

// Matches reports whether the schedule fires in t's minute. Seconds are
// ignored; callers pass times truncated to the minute.
func (s *Schedule) Matches(t time.Time) bool {
	if !s.minute.match(t.Minute()) || !s.hour.match(t.Hour()) || !s.month.match(int(t.Month())) {
		return false
	}
	// Standard cron: when both day fields are restricted, either may
	// match; when only one is restricted it alone decides.
	domOK := s.dom.match(t.Day())
	dowOK := s.dow.match(int(t.Weekday()))
	switch {
	case s.dom.any && s.dow.any:
		return true
	case s.dom.any:
		return dowOK
	case s.dow.any:
		return domOK
	default:
		return domOK || dowOK
	}
}

// String returns the original expression.
func (s *Schedule) String() string { return s.expr }
