package clock

import (
	"sync"
	"time"
)

// Clock is a monotonic millisecond timestamp source
type Clock interface {
	NowMillis() float64
}

// Sleeper blocks for a duration
type Sleeper interface {
	Sleep(time.Duration)
}

// System is the real monotonic clock. Timestamps count from when it was created
type System struct {
	origin time.Time
}

var (
	_ Clock   = System{}
	_ Sleeper = System{}
)

// NewSystem creates a System clock with its origin at now
func NewSystem() System {
	return System{origin: time.Now()}
}

func (s System) NowMillis() float64 {
	return float64(time.Since(s.origin)) / float64(time.Millisecond)
}

func (System) Sleep(d time.Duration) {
	time.Sleep(d)
}

// Fake is a manually controlled Clock and Sleeper. Sleep advances the clock instead of blocking,
// and every NowMillis call advances it by Step, which lets busy polls make progress
type Fake struct {
	mtx  sync.Mutex
	now  time.Duration
	step time.Duration

	sleeps []time.Duration
}

var (
	_ Clock   = &Fake{}
	_ Sleeper = &Fake{}
)

// NewFake creates a Fake starting at zero that advances by step on every read
func NewFake(step time.Duration) *Fake {
	return &Fake{step: step}
}

func (f *Fake) NowMillis() float64 {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	now := f.now
	f.now += f.step
	return float64(now.Microseconds()) / 1000
}

// Sleep advances the clock by d
func (f *Fake) Sleep(d time.Duration) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.sleeps = append(f.sleeps, d)
	if d > 0 {
		f.now += d
	}
}

// Advance moves the clock forward by d
func (f *Fake) Advance(d time.Duration) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.now += d
}

// Set moves the clock to an absolute time
func (f *Fake) Set(d time.Duration) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.now = d
}

// Elapsed returns the current time without advancing the clock
func (f *Fake) Elapsed() time.Duration {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.now
}

// Sleeps returns every duration passed to Sleep
func (f *Fake) Sleeps() []time.Duration {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}
