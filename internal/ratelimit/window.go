package ratelimit

import (
	"fmt"
	"time"
)

// Window is a fixed, wall-clock aligned bucket. All boundaries are UTC.
type Window string

const (
	Minute Window = "minute"
	Hour   Window = "hour"
	Day    Window = "day"
)

// Windows lists the windows in the order they are checked.
var Windows = []Window{Minute, Hour, Day}

// Start truncates t to the beginning of the window that contains it.
func (w Window) Start(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Duration is the length of the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// LimitError is returned when a window cap is already reached.
type LimitError struct {
	Window Window
	Cap    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded: %d requests per %s", e.Cap, e.Window)
}
