package clock

import (
	"sync"
	"time"
)

type (
	// TimeSource provides the current time; abstracted so staleness windows
	// and grace periods can be tested without sleeping
	TimeSource interface {
		Now() time.Time
	}

	realTimeSource struct{}

	// FakeTimeSource is a manually advanced time source for tests
	FakeTimeSource struct {
		sync.Mutex
		now time.Time
	}
)

func NewRealTimeSource() TimeSource {
	return &realTimeSource{}
}

func (r *realTimeSource) Now() time.Time {
	return time.Now().UTC()
}

func NewFakeTimeSource(start time.Time) *FakeTimeSource {
	return &FakeTimeSource{now: start.UTC()}
}

func (f *FakeTimeSource) Now() time.Time {
	f.Lock()
	defer f.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d
func (f *FakeTimeSource) Advance(d time.Duration) {
	f.Lock()
	defer f.Unlock()
	f.now = f.now.Add(d)
}
