package login

import "time"

// Timer is a scheduled task that can be cancelled.
type Timer interface {
	// Stop cancels the task. It reports false if the task already ran or was stopped.
	Stop() bool
}

// Scheduler runs fn once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(d time.Duration, fn func()) Timer

// AfterFunc implements Scheduler.
func (f SchedulerFunc) AfterFunc(d time.Duration, fn func()) Timer {
	return f(d, fn)
}

// WallClock schedules tasks with time.AfterFunc.
var WallClock Scheduler = SchedulerFunc(func(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
})

// Navigator moves the browser to another route.
type Navigator interface {
	Navigate(route string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(route string)

// Navigate implements Navigator.
func (f NavigatorFunc) Navigate(route string) {
	f(route)
}
