package timectrl

import (
	"context"
	"sync"
	"time"
)

// DayTicks is the number of simulation ticks in one day.
const DayTicks = 74

// Date counts days since the start of the calendar.
type Date int32

// InvalidDate marks an unset date.
const InvalidDate Date = -1

// DateFract is the tick within the current day, in [0, DayTicks).
type DateFract uint16

// SimClock gives components read access to simulation time without
// depending on the concrete controller.
type SimClock interface {
	// Now returns the current simulation date.
	Now() Date
	// Fract returns the tick within the current day.
	Fract() DateFract
}

// Mode describes how the TimeController paces ticks when started.
type Mode int

const (
	// RealTime waits for a wall clock ticker between ticks.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run.
	Accelerated
)

// TimeController drives simulation time and notifies registered listeners.
// It implements SimClock.
type TimeController struct {
	mu    sync.RWMutex
	Start Date
	Tick  time.Duration
	Mode  Mode

	date  Date
	fract DateFract

	listeners     []func(Date, DateFract)
	jumpListeners []func(interval int32)
}

// NewTimeController constructs a controller starting at the first tick of start.
func NewTimeController(start Date, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		Start: start,
		Tick:  tick,
		Mode:  mode,
		date:  start,
	}
}

// Now returns the current simulation date. Implements SimClock.
func (tc *TimeController) Now() Date {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.date
}

// Fract returns the tick within the current day. Implements SimClock.
func (tc *TimeController) Fract() DateFract {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.fract
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(Date, DateFract)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// AddJumpListener registers a callback invoked when SetDate moves the
// calendar. The callback receives the signed number of days jumped.
func (tc *TimeController) AddJumpListener(fn func(interval int32)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.jumpListeners = append(tc.jumpListeners, fn)
}

// SetDate moves the calendar to d, keeping the tick within the day.
func (tc *TimeController) SetDate(d Date) {
	tc.mu.Lock()
	interval := int32(d - tc.date)
	tc.date = d
	fns := append([]func(int32){}, tc.jumpListeners...)
	tc.mu.Unlock()

	if interval == 0 {
		return
	}
	for _, fn := range fns {
		fn(interval)
	}
}

// Step advances simulation time by one tick and notifies listeners.
func (tc *TimeController) Step() {
	tc.mu.Lock()
	tc.fract++
	if tc.fract >= DayTicks {
		tc.fract = 0
		tc.date++
	}
	date, fract := tc.date, tc.fract
	fns := append([]func(Date, DateFract){}, tc.listeners...)
	tc.mu.Unlock()

	for _, fn := range fns {
		fn(date, fract)
	}
}

// Run advances ticks steps synchronously on the calling goroutine.
func (tc *TimeController) Run(ticks int) {
	for i := 0; i < ticks; i++ {
		tc.Step()
	}
}

// StartTicks runs the controller for the given number of ticks in a
// separate goroutine. A non-positive count runs until ctx is cancelled.
// The returned channel is closed when the controller stops.
func (tc *TimeController) StartTicks(ctx context.Context, ticks int) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		var pace <-chan time.Time
		if tc.Mode == RealTime && tc.Tick > 0 {
			ticker := time.NewTicker(tc.Tick)
			defer ticker.Stop()
			pace = ticker.C
		}

		for n := 0; ticks <= 0 || n < ticks; n++ {
			if pace != nil {
				select {
				case <-ctx.Done():
					return
				case <-pace:
				}
			} else if ctx.Err() != nil {
				return
			}
			tc.Step()
		}
	}()
	return done
}
