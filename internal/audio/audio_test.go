package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constant(v float64) beep.Streamer {
	return beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			samples[i] = [2]float64{v, v}
		}

		return len(samples), true
	})
}

func TestPercentToDB(t *testing.T) {
	assert.Equal(t, MinVolumeDB, PercentToDB(0))
	assert.Equal(t, MinVolumeDB, PercentToDB(-5))
	assert.Equal(t, 0.0, PercentToDB(100))
	assert.Equal(t, 0.0, PercentToDB(150))
	assert.InDelta(t, -6.0206, PercentToDB(50), 0.001)
	assert.InDelta(t, -20.0, PercentToDB(10), 0.001)
	assert.Equal(t, MinVolumeDB, PercentToDB(0.01))
}

func TestFader(t *testing.T) {
	f := &fader{streamer: constant(1)}

	buf := make([][2]float64, 3)
	n, ok := f.Stream(buf)
	assert.Equal(t, 3, n)
	assert.True(t, ok)
	assert.Equal(t, 1.0, buf[2][0])

	f.start(4)

	buf = make([][2]float64, 10)
	n, ok = f.Stream(buf)
	require.Equal(t, 4, n)
	assert.True(t, ok)
	assert.Equal(t, []float64{1, 0.75, 0.5, 0.25}, []float64{buf[0][0], buf[1][0], buf[2][0], buf[3][0]})

	n, ok = f.Stream(buf)
	assert.Zero(t, n)
	assert.False(t, ok)
}

func TestBeepHandle_Lifecycle(t *testing.T) {
	h, s := newBeepHandle(constant(0.5), beep.SampleRate(48000), 0)

	buf := make([][2]float64, 8)

	_, ok := s.Stream(buf)
	require.True(t, ok)
	assert.InDelta(t, 0.5, buf[0][0], 1e-9)
	assert.Equal(t, StatePlaying, h.State())

	h.SetVolume(PercentToDB(50))
	s.Stream(buf)
	assert.InDelta(t, 0.25, buf[0][0], 1e-3)

	h.Pause()
	assert.Equal(t, StatePaused, h.State())
	s.Stream(buf)
	assert.Equal(t, 0.0, buf[0][0])

	h.Resume()
	assert.Equal(t, StatePlaying, h.State())

	h.SetVolume(MinVolumeDB)
	s.Stream(buf)
	assert.Equal(t, 0.0, buf[0][0])

	h.Stop(0)
	assert.Equal(t, StateStopped, h.State())

	n, ok := s.Stream(buf)
	assert.Zero(t, n)
	assert.False(t, ok)

	h.Resume()
	assert.Equal(t, StateStopped, h.State(), "a stopped handle stays stopped")
}

func TestBeepHandle_StopWithFade(t *testing.T) {
	h, s := newBeepHandle(constant(1), beep.SampleRate(48000), 0)

	h.Stop(time.Millisecond)
	assert.Equal(t, StatePlaying, h.State(), "fading sounds keep playing until the ramp ends")

	buf := make([][2]float64, 100)
	n, _ := s.Stream(buf)

	assert.Equal(t, 48, n)
	assert.Less(t, buf[47][0], buf[0][0])
	assert.Equal(t, StateStopped, h.State())
}

func TestBeepBackend_Decode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tone.wav")

	format := beep.Format{SampleRate: 22050, NumChannels: 2, Precision: 2}

	f, err := os.Create(path)
	require.NoError(t, err)

	tone := beep.StreamerFunc(func(samples [][2]float64) (int, bool) {
		for i := range samples {
			v := 0.3 * math.Sin(float64(i))
			samples[i] = [2]float64{v, v}
		}

		return len(samples), true
	})

	require.NoError(t, wav.Encode(f, beep.Take(format.SampleRate.N(500*time.Millisecond), tone), format))
	require.NoError(t, f.Close())

	snd, err := NewBeepBackend().Decode(path)
	require.NoError(t, err)
	assert.Equal(t, path, snd.Path)
	assert.InDelta(t, float64(500*time.Millisecond), float64(snd.Duration), float64(time.Millisecond))
}

func TestBeepBackend_DecodeErrors(t *testing.T) {
	dir := t.TempDir()

	opus := filepath.Join(dir, "a.opus")
	require.NoError(t, os.WriteFile(opus, []byte("x"), 0o644))

	_, err := NewBeepBackend().Decode(opus)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	garbage := filepath.Join(dir, "b.wav")
	require.NoError(t, os.WriteFile(garbage, []byte("not a wav file"), 0o644))

	_, err = NewBeepBackend().Decode(garbage)
	assert.Error(t, err)

	_, err = NewBeepBackend().Decode(filepath.Join(dir, "missing.mp3"))
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "paused", StatePaused.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
