package scheduler

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

// maxStagger caps how far the first run of an interval task is pushed out.
const maxStagger = 30 * time.Second

// staggerOffset derives a stable whole-second first-run offset from the
// schedule name, so interval tasks registered together do not all fire on
// the same tick and a restart keeps the same phase.
func staggerOffset(name string, every time.Duration) time.Duration {
	secs := uint64(min(every, maxStagger) / time.Second)
	if secs == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64()%secs) * time.Second
}

// offsetFirst fires once at first, then follows every.
type offsetFirst struct {
	every cron.ConstantDelaySchedule
	first time.Time
}

func (s offsetFirst) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.every.Next(t)
}

func staggeredEvery(name string, every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	off := staggerOffset(name, every)
	if off == 0 {
		return base, 0
	}
	return offsetFirst{every: base, first: now.Add(every + off)}, off
}
