// Package lifecycle tracks whether the gateway is draining for shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is shared by the handlers that must refuse new sessions during a drain.
// A nil *Lifecycle never drains.
type Lifecycle struct {
	drainingSince atomic.Int64 // unix nanos; 0 while serving
	now           func() time.Time
}

// SetDraining flips the drain flag. Repeated calls keep the first drain start time.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	if !draining {
		l.drainingSince.Store(0)
		return
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	l.drainingSince.CompareAndSwap(0, now().UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	return l.DrainingSince() != (time.Time{})
}

// DrainingSince returns when the drain started, or the zero time while serving.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	ns := l.drainingSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
