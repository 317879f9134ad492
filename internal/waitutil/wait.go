// Package waitutil implements the reusable bounded-wait primitive
// (spec §4.7 "wait", §5 "wait_default") used by the snapshot state-transit
// guard, the task manager's state-change spin, and the clone system's
// abort latch.
//
// The primitive releases a caller-held mutex during each sleep increment
// and re-acquires it before re-evaluating the condition, fires an alert
// callback on a fixed cadence, and reports whether it gave up due to
// timeout versus the condition being satisfied.
package waitutil

import (
	"sync"
	"time"
)

const (
	// DefaultSleep is the polling increment used when a caller does not
	// specify one (spec §5: "sleeps in 100ms increments").
	DefaultSleep = 100 * time.Millisecond

	// DefaultTimeout is the wait ceiling used when a caller does not
	// specify one (spec §5: "default 30-minute timeout").
	DefaultTimeout = 30 * time.Minute

	// DefaultAlertInterval is how often the alert callback fires while
	// waiting (spec §5: "5-second alert interval").
	DefaultAlertInterval = 5 * time.Second
)

// Cond is evaluated under mtx on every wake-up. It returns wait=false once
// the condition the caller is waiting for has been satisfied, and a non-nil
// err to abort the wait early (e.g. ErrInterrupted).
//
// alert is true on cadence boundaries (every AlertInterval), allowing the
// caller to log a heartbeat or check a kill flag without changing the
// wait decision itself.
type Cond func(alert bool) (wait bool, err error)

// Options configures a single Wait call. Zero values fall back to the
// package defaults.
type Options struct {
	Sleep         time.Duration
	Timeout       time.Duration
	AlertInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Sleep <= 0 {
		o.Sleep = DefaultSleep
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.AlertInterval <= 0 {
		o.AlertInterval = DefaultAlertInterval
	}
	return o
}

// Wait polls cond while holding mtx, releasing it for each Sleep increment.
// It returns isTimeout=true if Timeout elapsed before cond reported
// wait=false, and any error cond returned.
//
// mtx must be held by the caller on entry and is held again on return,
// regardless of outcome.
func Wait(mtx *sync.Mutex, cond Cond, opts Options) (isTimeout bool, err error) {
	opts = opts.withDefaults()

	deadline := time.Now().Add(opts.Timeout)
	nextAlert := time.Now().Add(opts.AlertInterval)

	for {
		alert := false
		now := time.Now()
		if !now.Before(nextAlert) {
			alert = true
			nextAlert = now.Add(opts.AlertInterval)
		}

		wait, cerr := cond(alert)
		if cerr != nil {
			return false, cerr
		}
		if !wait {
			return false, nil
		}
		if !now.Before(deadline) {
			return true, nil
		}

		mtx.Unlock()
		time.Sleep(opts.Sleep)
		mtx.Lock()
	}
}

// WaitChan blocks on a condition variable expressed as a channel close
// signal (done) or a bounded deadline, firing alert on AlertInterval
// boundaries. Used by components with no natural mutex to release (e.g.
// the clone system's mark_abort heartbeat over a set of handles).
func WaitChan(done <-chan struct{}, timeout time.Duration, alertInterval time.Duration, alert func()) (isTimeout bool) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if alertInterval <= 0 {
		alertInterval = DefaultAlertInterval
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(alertInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return false
		case <-deadline:
			return true
		case <-ticker.C:
			if alert != nil {
				alert()
			}
		}
	}
}
