package cron

import (
	"testing"
	"time"
)

func TestParseScheduleEvery(t *testing.T) {
	s, err := ParseSchedule("every:30m")
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if !s.Due(now, time.Time{}) {
		t.Fatal("never-fired interval job is due")
	}
	if s.Due(now, now.Add(-10*time.Minute)) {
		t.Fatal("job fired 10m ago with 30m interval is not due")
	}
	if !s.Due(now, now.Add(-31*time.Minute)) {
		t.Fatal("job fired 31m ago with 30m interval is due")
	}
}

func TestParseScheduleAt(t *testing.T) {
	s, err := ParseSchedule("at:07:30")
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 8, 2, 7, 30, 10, 0, time.Local)
	if !s.Due(at, time.Time{}) {
		t.Fatal("wall-clock job is due inside its minute")
	}
	if s.Due(at, at) {
		t.Fatal("wall-clock job must fire at most once per day")
	}
	yesterday := at.AddDate(0, 0, -1)
	if !s.Due(at, yesterday) {
		t.Fatal("a job that fired yesterday is due again today")
	}
	off := time.Date(2026, 8, 2, 8, 0, 0, 0, time.Local)
	if s.Due(off, time.Time{}) {
		t.Fatal("wrong minute must not fire")
	}
}

func TestParseScheduleCronExpression(t *testing.T) {
	s, err := ParseSchedule("*/15 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 8, 2, 12, 15, 5, 0, time.UTC)
	if !s.Due(at, time.Time{}) {
		t.Fatal("*/15 is due at :15")
	}
	if s.Due(at, at) {
		t.Fatal("must not double-fire within the same minute")
	}
}

func TestParseScheduleRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "every:", "every:-5m", "at:25:99", "not a cron"} {
		if _, err := ParseSchedule(bad); err == nil {
			t.Errorf("%q should be rejected", bad)
		}
	}
}
