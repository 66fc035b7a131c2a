package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tcmartin/convoflow/pkg/flow"
)

// Schedule branches
const (
	BranchInside  = "inside"
	BranchOutside = "outside"
)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

func handleSchedule(ctx context.Context, req Request) (Result, error) {
	cfg, err := configOf[*flow.ScheduleConfig](req.Node)
	if err != nil {
		return failed(err)
	}
	inside, err := WithinSchedule(cfg, req.Now)
	if err != nil {
		return failed(err)
	}
	if inside {
		return Result{Outcome: Continue{Branch: BranchInside}}, nil
	}
	return Result{Outcome: Continue{Branch: BranchOutside}}, nil
}

// WithinSchedule reports whether t falls inside one of the windows of cfg
// and is not a holiday, evaluated in the configured timezone
func WithinSchedule(cfg *flow.ScheduleConfig, t time.Time) (bool, error) {
	loc := time.UTC
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	local := t.In(loc)

	today := local.Format("2006-01-02")
	for _, h := range cfg.Holidays {
		if strings.TrimSpace(h) == today {
			return false, nil
		}
	}

	minute := local.Hour()*60 + local.Minute()
	for _, w := range cfg.Windows {
		if !windowHasDay(w, local.Weekday()) {
			continue
		}
		start, err := parseClock(w.Start)
		if err != nil {
			return false, err
		}
		end, err := parseClock(w.End)
		if err != nil {
			return false, err
		}
		if start <= end {
			if minute >= start && minute < end {
				return true, nil
			}
		} else if minute >= start || minute < end {
			// window wraps past midnight
			return true, nil
		}
	}
	return false, nil
}

func windowHasDay(w flow.TimeWindow, day time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, d := range w.Days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		if wd, ok := weekdays[key]; ok && wd == day {
			return true
		}
	}
	return false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
