package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/speaker"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"
)

const (
	outputSampleRate = beep.SampleRate(48000)
	outputLatency    = 100 * time.Millisecond
	resampleQuality  = 4
)

type output struct {
	mixer      *beep.Mixer
	sampleRate beep.SampleRate
}

// sharedOutput opens the speaker once per process. Every BeepBackend plays
// into the same mixer.
var sharedOutput = sync.OnceValues(func() (*output, error) {
	if err := speaker.Init(outputSampleRate, outputSampleRate.N(outputLatency)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoOutput, err)
	}

	mixer := &beep.Mixer{}
	speaker.Play(mixer)

	return &output{mixer: mixer, sampleRate: outputSampleRate}, nil
})

// BeepBackend plays sounds through gopxl/beep.
type BeepBackend struct{}

func NewBeepBackend() *BeepBackend {
	return &BeepBackend{}
}

// Init opens the audio device. Calling it is optional; Play opens the
// device on first use.
func (b *BeepBackend) Init() error {
	_, err := sharedOutput()

	return err
}

// Decode reads a whole file into memory. The decoder is picked by extension.
func (b *BeepBackend) Decode(path string) (*Sound, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
	)

	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "mp3":
		streamer, format, err = mp3.Decode(f)
	case "wav":
		streamer, format, err = wav.Decode(f)
	case "ogg":
		streamer, format, err = vorbis.Decode(f)
	case "flac":
		streamer, format, err = flac.Decode(f)
	default:
		f.Close()

		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	defer streamer.Close()

	buffer := beep.NewBuffer(format)
	buffer.Append(streamer)

	if err := streamer.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return &Sound{
		Path:     path,
		Duration: format.SampleRate.D(buffer.Len()),
		format:   format,
		buffer:   buffer,
	}, nil
}

// Play starts s on the shared mixer. Looping sounds repeat until stopped.
func (b *BeepBackend) Play(s *Sound, volumeDB float64, loop bool) (Handle, error) {
	if s == nil || s.buffer == nil {
		return nil, fmt.Errorf("sound was not decoded")
	}

	out, err := sharedOutput()
	if err != nil {
		return nil, err
	}

	var src beep.Streamer = s.buffer.Streamer(0, s.buffer.Len())
	if loop {
		src = beep.Loop(-1, s.buffer.Streamer(0, s.buffer.Len()))
	}

	if s.format.SampleRate != out.sampleRate {
		src = beep.Resample(resampleQuality, s.format.SampleRate, out.sampleRate, src)
	}

	h, streamer := newBeepHandle(src, out.sampleRate, volumeDB)

	speaker.Lock()
	out.mixer.Add(streamer)
	speaker.Unlock()

	return h, nil
}

// beepHandle chains source -> volume -> fader -> ctrl. The chain is wrapped
// in a Seq whose trailing callback marks the handle stopped once the mixer
// drains it.
type beepHandle struct {
	sampleRate beep.SampleRate
	ctrl       *beep.Ctrl
	volume     *effects.Volume
	fader      *fader
	state      atomic.Int32
}

func newBeepHandle(src beep.Streamer, sr beep.SampleRate, volumeDB float64) (*beepHandle, beep.Streamer) {
	h := &beepHandle{sampleRate: sr}

	h.volume = &effects.Volume{Streamer: src, Base: 10}
	h.applyVolume(volumeDB)

	h.fader = &fader{streamer: h.volume}
	h.ctrl = &beep.Ctrl{Streamer: h.fader}

	return h, beep.Seq(h.ctrl, beep.Callback(func() {
		h.state.Store(int32(StateStopped))
	}))
}

func (h *beepHandle) applyVolume(db float64) {
	h.volume.Volume = db / 20
	h.volume.Silent = db <= MinVolumeDB
}

func (h *beepHandle) Pause() {
	speaker.Lock()
	defer speaker.Unlock()

	if h.State() == StateStopped {
		return
	}

	h.ctrl.Paused = true
	h.state.Store(int32(StatePaused))
}

func (h *beepHandle) Resume() {
	speaker.Lock()
	defer speaker.Unlock()

	if h.State() == StateStopped {
		return
	}

	h.ctrl.Paused = false
	h.state.Store(int32(StatePlaying))
}

func (h *beepHandle) Stop(fade time.Duration) {
	speaker.Lock()
	defer speaker.Unlock()

	if h.State() == StateStopped {
		return
	}

	if fade <= 0 || h.ctrl.Paused {
		h.ctrl.Streamer = nil
		h.state.Store(int32(StateStopped))

		return
	}

	h.fader.start(h.sampleRate.N(fade))
}

func (h *beepHandle) SetVolume(db float64) {
	speaker.Lock()
	defer speaker.Unlock()

	h.applyVolume(db)
}

func (h *beepHandle) State() State {
	return State(h.state.Load())
}

// fader passes samples through until started, then ramps the gain linearly
// to zero over total samples and ends the stream.
type fader struct {
	streamer  beep.Streamer
	total     int
	remaining int
}

func (f *fader) start(samples int) {
	if samples < 1 {
		samples = 1
	}

	f.total = samples
	f.remaining = samples
}

func (f *fader) Stream(samples [][2]float64) (int, bool) {
	if f.total == 0 {
		return f.streamer.Stream(samples)
	}

	if f.remaining <= 0 {
		return 0, false
	}

	if len(samples) > f.remaining {
		samples = samples[:f.remaining]
	}

	n, ok := f.streamer.Stream(samples)

	for i := range samples[:n] {
		gain := float64(f.remaining-i) / float64(f.total)
		samples[i][0] *= gain
		samples[i][1] *= gain
	}

	f.remaining -= n

	return n, ok
}

func (f *fader) Err() error {
	return f.streamer.Err()
}
