package scheduler

import (
	"fmt"
	"time"
)

// minInterval bounds Every so a misconfigured zero never spins the loop.
const minInterval = time.Second

// IntervalSchedule runs a job at a fixed period.
type IntervalSchedule struct {
	Interval time.Duration
}

// Every returns a schedule firing every d, at least once per second.
func Every(d time.Duration) IntervalSchedule {
	if d < minInterval {
		d = minInterval
	}
	return IntervalSchedule{Interval: d}
}

// Next returns t plus the interval.
func (s IntervalSchedule) Next(t time.Time) time.Time {
	return t.Add(s.Interval)
}

func (s IntervalSchedule) String() string {
	return fmt.Sprintf("@every %s", s.Interval)
}
