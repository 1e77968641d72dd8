package status

import "fmt"

type Status int32

const (
	Pending Status = iota
	Downloading
	Completed
	Error
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "Pending"
	case Downloading:
		return "Downloading"
	case Completed:
		return "Completed"
	case Error:
		return "Error"
	case Cancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible from s,
// other than an explicit retry out of Error.
func (s Status) Terminal() bool {
	return s == Completed || s == Error || s == Cancelled
}
