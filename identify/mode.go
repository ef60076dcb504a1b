package identify

import "fmt"

// Mode selects how session resolution treats sessions without history.
type Mode int

const (
	// Normal drops sessions without a covering history interval; a companion
	// writer is expected to create the interval eventually.
	Normal Mode = iota
	// Retry fabricates a canonical identity for sessions without a covering
	// history interval, so redelivered messages always make progress.
	Retry
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Set implements flag.Value.
func (m *Mode) Set(s string) error {
	switch s {
	case "normal":
		*m = Normal
	case "retry":
		*m = Retry
	default:
		return fmt.Errorf("unknown mode %q (want normal or retry)", s)
	}
	return nil
}
