// internal/coordinator/clock.go
package coordinator

import "time"

// Timer is the part of *time.Timer the coordinator needs.
type Timer interface {
	Stop() bool
}

// Clock supplies the current time and schedules release callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
