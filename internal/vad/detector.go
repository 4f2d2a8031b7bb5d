// Package vad segments a frame stream into utterances using short-term
// energy with hysteresis. The detector is a pure state machine: it holds no
// goroutines and no clocks, so sessions drive it one frame at a time and
// tests can replay any frame sequence deterministically.
package vad

import (
	"math"

	"github.com/loqalabs/loqa-scribe/internal/audio"
)

// BoundaryKind marks which edge of an utterance a Boundary reports.
type BoundaryKind int

const (
	BoundaryStart BoundaryKind = iota
	BoundaryEnd
)

// Boundary is emitted by Feed at most once per frame. A Start boundary
// carries the frames that already belong to the new utterance: the preroll
// ring plus the debounce run that confirmed speech, ending with the frame
// just fed. An End boundary carries no frames; the hangover silence was
// already handed to the caller frame by frame while the detector was active.
type Boundary struct {
	Kind   BoundaryKind
	Frames []audio.Frame
}

// Config tunes the hysteresis. Threshold is normalized RMS energy in [0,1].
type Config struct {
	Threshold     float64
	StartFrames   int
	EndFrames     int
	PrerollFrames int
	// MaxUtteranceFrames forces an End once an utterance reaches this many
	// frames, so a noisy room cannot hold an utterance open forever.
	// Zero disables the cap.
	MaxUtteranceFrames int
}

// Detector tracks speech/silence state across a frame stream. Not safe for
// concurrent use; each session owns its own detector.
type Detector struct {
	cfg Config

	active     bool
	speechRun  int
	silenceRun int
	utterLen   int

	preroll []audio.Frame
	pending []audio.Frame
}

func NewDetector(cfg Config) *Detector {
	if cfg.StartFrames < 1 {
		cfg.StartFrames = 1
	}
	if cfg.EndFrames < 1 {
		cfg.EndFrames = 1
	}
	return &Detector{cfg: cfg}
}

// Active reports whether the detector is inside an utterance. During the
// hangover run Active stays true: trailing silence is part of the utterance
// until EndFrames of it accumulate.
func (d *Detector) Active() bool {
	return d.active
}

// Feed advances the state machine by one frame and returns the boundary it
// crossed, if any. Callers append the fed frame to the open utterance
// whenever the detector is active and no Start was returned for it; a Start
// already includes the frame, an End means the frame closed the utterance.
func (d *Detector) Feed(frame audio.Frame) *Boundary {
	speech := Energy(frame.PCM) >= d.cfg.Threshold

	if !d.active {
		if !speech {
			d.speechRun = 0
			d.pending = d.pending[:0]
			d.pushPreroll(frame)
			return nil
		}
		d.speechRun++
		d.pending = append(d.pending, frame)
		if d.speechRun < d.cfg.StartFrames {
			return nil
		}

		frames := make([]audio.Frame, 0, len(d.preroll)+len(d.pending))
		frames = append(frames, d.preroll...)
		frames = append(frames, d.pending...)

		d.active = true
		d.speechRun = 0
		d.silenceRun = 0
		d.utterLen = len(frames)
		d.preroll = d.preroll[:0]
		d.pending = d.pending[:0]
		return &Boundary{Kind: BoundaryStart, Frames: frames}
	}

	d.utterLen++
	if speech {
		d.silenceRun = 0
	} else {
		d.silenceRun++
	}

	if d.silenceRun >= d.cfg.EndFrames ||
		(d.cfg.MaxUtteranceFrames > 0 && d.utterLen >= d.cfg.MaxUtteranceFrames) {
		d.reset()
		return &Boundary{Kind: BoundaryEnd}
	}
	return nil
}

// Flush closes any open utterance, for end-of-stream handling. It returns an
// End boundary when the detector was active, nil otherwise.
func (d *Detector) Flush() *Boundary {
	if !d.active {
		d.Reset()
		return nil
	}
	d.Reset()
	return &Boundary{Kind: BoundaryEnd}
}

// Reset returns the detector to idle, discarding preroll and debounce state.
func (d *Detector) Reset() {
	d.reset()
	d.preroll = d.preroll[:0]
}

func (d *Detector) reset() {
	d.active = false
	d.speechRun = 0
	d.silenceRun = 0
	d.utterLen = 0
	d.pending = d.pending[:0]
}

func (d *Detector) pushPreroll(frame audio.Frame) {
	if d.cfg.PrerollFrames <= 0 {
		return
	}
	d.preroll = append(d.preroll, frame)
	if len(d.preroll) > d.cfg.PrerollFrames {
		d.preroll = d.preroll[1:]
	}
}

// Energy computes the RMS amplitude of a PCM16 frame normalized to [0,1].
func Energy(pcm []byte) float64 {
	samples := audio.DecodePCM16(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(samples))) / 32768.0
}
