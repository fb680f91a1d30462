// Package audio decodes sound files and plays them through a process-wide
// output mixer.
package audio

import (
	"errors"
	"math"
	"time"

	"github.com/gopxl/beep"
)

var (
	// ErrUnsupportedFormat is returned for files no decoder understands.
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrNoOutput is returned when no audio device could be opened.
	ErrNoOutput = errors.New("no audio output device available")
)

// MinVolumeDB is the attenuation treated as silence.
const MinVolumeDB = -60.0

// State of a playing sound.
type State int

const (
	StatePlaying State = iota
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	default:
		return "stopped"
	}
}

// Sound is a fully decoded audio file held in memory.
type Sound struct {
	Path     string
	Duration time.Duration

	format beep.Format
	buffer *beep.Buffer
}

// Handle controls one playing instance of a Sound. All methods are safe for
// concurrent use and are no-ops once the sound has stopped.
type Handle interface {
	Pause()
	Resume()
	// Stop ends playback. A positive fade ramps the sound out first.
	Stop(fade time.Duration)
	SetVolume(db float64)
	State() State
}

// Backend decodes files and starts playback.
type Backend interface {
	Decode(path string) (*Sound, error)
	Play(s *Sound, volumeDB float64, loop bool) (Handle, error)
}

// PercentToDB converts a 0-100 volume to decibels of attenuation. Zero maps
// to MinVolumeDB.
func PercentToDB(percent float64) float64 {
	if percent <= 0 {
		return MinVolumeDB
	}

	if percent >= 100 {
		return 0
	}

	return math.Max(MinVolumeDB, 20*math.Log10(percent/100))
}
