package endpoint

import (
	"time"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/config"
)

// Decision is the endpointer's verdict after a frame
type Decision struct {
	Done    bool
	Reason  entities.EndReason
	Elapsed time.Duration
	Speech  bool
}

// Endpointer decides frame by frame when an utterance is complete.
//
// A frame is loud when its normalized energy reaches the threshold. Speech is
// declared once MinSpeechFrames loud frames arrive back to back; shorter
// bursts count as silence. All durations are measured on the audio clock.
type Endpointer struct {
	cfg config.EndpointConfig

	elapsed    time.Duration
	silence    time.Duration
	run        int
	speechSeen bool

	done   bool
	reason entities.EndReason
}

// New creates an endpointer for one utterance
func New(cfg config.EndpointConfig) *Endpointer {
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = 1
	}
	return &Endpointer{cfg: cfg}
}

// Feed classifies one frame and reports whether the utterance has ended.
// Once ended, further frames are ignored and the same decision is returned.
func (e *Endpointer) Feed(frame entities.AudioFrame) Decision {
	if e.done {
		return e.decision()
	}

	dur := frame.Duration()
	e.elapsed += dur

	if frame.Energy() >= e.cfg.EnergyThreshold {
		e.run++
	} else {
		e.run = 0
	}

	if e.run >= e.cfg.MinSpeechFrames {
		e.speechSeen = true
		e.silence = 0
	} else {
		e.silence += dur
	}

	switch {
	case e.speechSeen && e.silence >= e.cfg.Silence:
		e.finish(entities.EndReasonSilence)
	case e.elapsed >= e.cfg.MaxRecord:
		e.finish(entities.EndReasonMaxDuration)
	}
	return e.decision()
}

// Cancel ends the utterance immediately unless it already ended
func (e *Endpointer) Cancel() Decision {
	if !e.done {
		e.finish(entities.EndReasonCancelled)
	}
	return e.decision()
}

// Fail ends the utterance with an error, e.g. when frames can no longer be delivered
func (e *Endpointer) Fail() Decision {
	if !e.done {
		e.finish(entities.EndReasonError)
	}
	return e.decision()
}

// Elapsed returns the accumulated audio duration
func (e *Endpointer) Elapsed() time.Duration {
	return e.elapsed
}

// Reset prepares the endpointer for a new utterance
func (e *Endpointer) Reset() {
	cfg := e.cfg
	*e = Endpointer{cfg: cfg}
}

func (e *Endpointer) finish(reason entities.EndReason) {
	e.done = true
	e.reason = reason
}

func (e *Endpointer) decision() Decision {
	return Decision{
		Done:    e.done,
		Reason:  e.reason,
		Elapsed: e.elapsed,
		Speech:  e.speechSeen,
	}
}
