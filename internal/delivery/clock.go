package delivery

import "time"

// Clock supplies the current instant. All time comparisons in the
// engine go through an injected Clock so timeout and backoff behavior
// is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
