package reconcile

import "time"

// Clock schedules the wait between poll attempts
type Clock interface {
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock waits on wall-clock time
func RealClock() Clock { return realClock{} }
