package util

import "time"

// Clock supplies wall-clock time. Reminder due times and record timestamps
// are computed from it so tests can move time forward explicitly.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
