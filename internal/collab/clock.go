package collab

import "time"

// Clock schedules the session timers. Tests replace it with a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type timerKind int

const (
	timerDebounce timerKind = iota
	timerInterval
	timerTTL
)

func (k timerKind) String() string {
	switch k {
	case timerDebounce:
		return "debounce"
	case timerInterval:
		return "interval"
	case timerTTL:
		return "ttl"
	}
	return "unknown"
}

// timerSlot holds at most one pending timer. gen invalidates callbacks of
// timers that were stopped too late to be prevented from running.
type timerSlot struct {
	timer Timer
	gen   uint64
}

func (t *timerSlot) armed() bool {
	return t.timer != nil
}

func (t *timerSlot) disarm() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}
