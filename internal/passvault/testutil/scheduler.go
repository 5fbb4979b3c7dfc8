package testutil

import (
	"sync"
	"time"

	"finitefield.org/passvault/internal/passvault/login"
)

// ManualScheduler queues tasks until Fire is called, so tests control when
// the post-success delay elapses.
type ManualScheduler struct {
	mu     sync.Mutex
	tasks  []*manualTask
	delays []time.Duration
}

type manualTask struct {
	mu    sync.Mutex
	fn    func()
	delay time.Duration
	done  bool
}

// AfterFunc implements login.Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) login.Timer {
	task := &manualTask{fn: fn, delay: d}
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return task
}

// Fire runs every queued task that has not been stopped and reports how many ran.
func (s *ManualScheduler) Fire() int {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = nil
	s.mu.Unlock()

	ran := 0
	for _, task := range tasks {
		if task.claim() {
			task.fn()
			ran++
		}
	}
	return ran
}

// Pending reports how many tasks are queued and not stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, task := range s.tasks {
		task.mu.Lock()
		if !task.done {
			n++
		}
		task.mu.Unlock()
	}
	return n
}

// Delays returns the delay of every task ever scheduled, in order.
func (s *ManualScheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (t *manualTask) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Stop implements login.Timer.
func (t *manualTask) Stop() bool {
	return t.claim()
}
