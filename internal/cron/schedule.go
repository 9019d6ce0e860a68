// Package cron runs named scheduled jobs: interval ("every:30m"), daily
// wall-clock ("at:07:30"), or raw 5-field cron expressions evaluated with
// gronx. Job payloads either dispatch an agent run through the scheduler's
// cron lane or send a fixed message straight to a channel.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule is a parsed job schedule of one of three kinds.
type Schedule struct {
	kind  string        // "every" | "at" | "cron"
	every time.Duration // kind=every
	hour  int           // kind=at
	min   int           // kind=at
	expr  string        // kind=cron
}

// ParseSchedule parses the schedule grammar used in CronJob.Schedule.
//
//	every:<duration>   e.g. "every:30m", "every:6h"
//	at:HH:MM           daily at local wall-clock time
//	<cron expression>  e.g. "*/15 * * * *"
func ParseSchedule(s string) (*Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("cron: empty schedule")
	}

	if rest, ok := strings.CutPrefix(s, "every:"); ok {
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("cron: bad interval %q", rest)
		}
		return &Schedule{kind: "every", every: d}, nil
	}

	if rest, ok := strings.CutPrefix(s, "at:"); ok {
		var hh, mm int
		if _, err := fmt.Sscanf(rest, "%d:%d", &hh, &mm); err != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
			return nil, fmt.Errorf("cron: bad wall-clock time %q", rest)
		}
		return &Schedule{kind: "at", hour: hh, min: mm}, nil
	}

	if !gronx.New().IsValid(s) {
		return nil, fmt.Errorf("cron: invalid cron expression %q", s)
	}
	return &Schedule{kind: "cron", expr: s}, nil
}

// Due reports whether the schedule fires in the minute containing now,
// given the time the job last fired (zero = never).
func (s *Schedule) Due(now, lastFired time.Time) bool {
	switch s.kind {
	case "every":
		return lastFired.IsZero() || now.Sub(lastFired) >= s.every
	case "at":
		if now.Hour() != s.hour || now.Minute() != s.min {
			return false
		}
		// Fire at most once per day.
		return lastFired.IsZero() || !sameDay(now, lastFired)
	default:
		due, err := gronx.IsDue(s.expr, now)
		if err != nil || !due {
			return false
		}
		// gronx resolves per-minute; dedupe within the same minute.
		return lastFired.IsZero() || now.Truncate(time.Minute).After(lastFired.Truncate(time.Minute))
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
