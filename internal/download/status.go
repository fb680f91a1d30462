package download

import "fmt"

// State is the lifecycle stage of a download.
type State int

const (
	StateQueued State = iota
	StateDownloading
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDownloading:
		return "downloading"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status of the most recent request for a source. Label is set while
// downloading, Path on completion and Reason on failure.
type Status struct {
	State  State  `json:"state"`
	Label  string `json:"label,omitempty"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether the download has finished, successfully or not.
func (s Status) Terminal() bool {
	return s.State == StateComplete || s.State == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
