package phx

import (
	"sync"
	"time"
)

// Scheduler posts delayed work. Production sockets use the runtime
// timers; tests substitute a virtual clock that records pending tasks
// and advances by explicit ticks.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) ScheduledTask
}

// ScheduledTask is a handle to pending work posted on a Scheduler.
type ScheduledTask interface {
	Cancel()
}

type runtimeScheduler struct{}

func (runtimeScheduler) AfterFunc(d time.Duration, fn func()) ScheduledTask {
	return runtimeTask{time.AfterFunc(d, fn)}
}

type runtimeTask struct{ t *time.Timer }

func (rt runtimeTask) Cancel() { rt.t.Stop() }

// TimeoutTimer schedules a callback with a stepped back-off. It backs
// both the socket's reconnect timer and each channel's rejoin timer.
type TimeoutTimer struct {
	mu        sync.Mutex
	scheduler Scheduler
	callback  func()
	afterFn   func(tries int) time.Duration
	tries     int
	task      ScheduledTask
}

// NewTimeoutTimer creates a timer that invokes callback after
// afterFn(tries+1), incrementing tries on every expiry.
func NewTimeoutTimer(callback func(), afterFn func(tries int) time.Duration, scheduler Scheduler) *TimeoutTimer {
	return &TimeoutTimer{
		scheduler: scheduler,
		callback:  callback,
		afterFn:   afterFn,
	}
}

// Reset cancels any in-flight task and zeroes the tries counter. After
// Reset no previously scheduled callback fires.
func (t *TimeoutTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tries = 0
	t.cancelTask()
}

// ScheduleTimeout replaces any in-flight task with a new one due after
// the next back-off interval.
func (t *TimeoutTimer) ScheduleTimeout() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelTask()
	delay := t.afterFn(t.tries + 1)
	task := &timeoutTask{timer: t}
	task.inner = t.scheduler.AfterFunc(delay, task.fire)
	t.task = task
}

// Tries reports how many scheduled timeouts have fired since the last
// Reset.
func (t *TimeoutTimer) Tries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tries
}

func (t *TimeoutTimer) cancelTask() {
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
}

// timeoutTask guards against a task firing after it was replaced or
// the timer was reset.
type timeoutTask struct {
	mu       sync.Mutex
	timer    *TimeoutTimer
	inner    ScheduledTask
	canceled bool
}

func (tt *timeoutTask) Cancel() {
	tt.mu.Lock()
	tt.canceled = true
	inner := tt.inner
	tt.mu.Unlock()
	if inner != nil {
		inner.Cancel()
	}
}

func (tt *timeoutTask) fire() {
	tt.mu.Lock()
	if tt.canceled {
		tt.mu.Unlock()
		return
	}
	tt.mu.Unlock()

	t := tt.timer
	t.mu.Lock()
	if t.task != tt {
		t.mu.Unlock()
		return
	}
	t.task = nil
	t.tries++
	t.mu.Unlock()

	t.callback()
}

// HeartbeatTimer is a fixed-interval repeating timer. Start is
// idempotent: starting an already running timer replaces the prior
// schedule. Timer identity is pointer identity.
type HeartbeatTimer struct {
	mu        sync.Mutex
	scheduler Scheduler
	interval  time.Duration
	task      ScheduledTask
	valid     bool
	gen       int
}

func NewHeartbeatTimer(interval time.Duration, scheduler Scheduler) *HeartbeatTimer {
	return &HeartbeatTimer{
		scheduler: scheduler,
		interval:  interval,
	}
}

// Start installs a live periodic schedule invoking handler every
// interval until Stop.
func (t *HeartbeatTimer) Start(handler func()) {
	t.mu.Lock()
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
	t.valid = true
	t.gen++
	gen := t.gen
	t.mu.Unlock()

	t.arm(gen, handler)
}

// Stop cancels the periodic schedule and marks the timer invalid.
func (t *HeartbeatTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid = false
	t.gen++
	if t.task != nil {
		t.task.Cancel()
		t.task = nil
	}
}

// IsValid reports whether a live periodic schedule is installed.
func (t *HeartbeatTimer) IsValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid
}

func (t *HeartbeatTimer) arm(gen int, handler func()) {
	t.mu.Lock()
	if !t.valid || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.task = t.scheduler.AfterFunc(t.interval, func() {
		t.mu.Lock()
		live := t.valid && gen == t.gen
		t.mu.Unlock()
		if !live {
			return
		}
		handler()
		t.arm(gen, handler)
	})
	t.mu.Unlock()
}
