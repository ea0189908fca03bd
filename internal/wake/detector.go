package wake

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/config"
)

// Detector runs every configured model over the incoming frames and emits a
// WakeEvent when one of them crosses the threshold. Time is measured on the
// audio clock so that cooldown behaves identically for live and replayed audio.
type Detector struct {
	models    []Model
	threshold float64
	cooldown  time.Duration

	ring    []entities.AudioFrame
	head    int
	count   int
	preRoll int

	clock       time.Duration
	lastTrigger time.Duration
	triggered   bool

	now    func() time.Time
	logger *zap.Logger
}

// NewDetector creates a detector over the given models
func NewDetector(models []Model, cfg config.WakeConfig, logger *zap.Logger) (*Detector, error) {
	if len(models) == 0 {
		return nil, errors.New("at least one wake model is required")
	}
	ringFrames := cfg.RingFrames
	if ringFrames <= 0 {
		ringFrames = 1
	}
	preRoll := min(max(cfg.PreRollFrames, 0), ringFrames)
	return &Detector{
		models:    models,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		ring:      make([]entities.AudioFrame, ringFrames),
		preRoll:   preRoll,
		now:       time.Now,
		logger:    logger,
	}, nil
}

// Feed scores one frame. Every model sees every frame, including during
// cooldown, so their rolling state stays current.
func (d *Detector) Feed(frame entities.AudioFrame) (*entities.WakeEvent, bool) {
	d.ring[d.head] = frame
	d.head = (d.head + 1) % len(d.ring)
	if d.count < len(d.ring) {
		d.count++
	}
	d.clock += frame.Duration()

	var (
		best      Model
		bestScore float64
	)
	for _, m := range d.models {
		score := m.Score(frame)
		if score > d.threshold && (best == nil || score > bestScore) {
			best, bestScore = m, score
		}
	}

	if best == nil {
		return nil, false
	}
	if d.inCooldown() {
		d.logger.Debug("Wake trigger suppressed by cooldown",
			zap.String("model", best.Name()),
			zap.Float64("score", bestScore))
		return nil, false
	}

	d.triggered = true
	d.lastTrigger = d.clock

	event := &entities.WakeEvent{
		Label:      best.Name(),
		Confidence: bestScore,
		Timestamp:  d.now(),
	}
	d.logger.Info("Wake word detected",
		zap.String("label", event.Label),
		zap.Float64("confidence", event.Confidence))
	return event, true
}

func (d *Detector) inCooldown() bool {
	return d.triggered && d.clock-d.lastTrigger < d.cooldown
}

// Recent returns the buffered frames, oldest first
func (d *Detector) Recent() []entities.AudioFrame {
	out := make([]entities.AudioFrame, 0, d.count)
	start := (d.head - d.count + len(d.ring)) % len(d.ring)
	for i := 0; i < d.count; i++ {
		out = append(out, d.ring[(start+i)%len(d.ring)])
	}
	return out
}

// PreRoll returns the configured number of most recent frames, oldest first.
// Right after a trigger they end with the frame that fired it.
func (d *Detector) PreRoll() []entities.AudioFrame {
	recent := d.Recent()
	if len(recent) > d.preRoll {
		recent = recent[len(recent)-d.preRoll:]
	}
	return recent
}

// Reset clears buffered audio and model state. The cooldown clock is kept.
func (d *Detector) Reset() {
	for _, m := range d.models {
		m.Reset()
	}
	for i := range d.ring {
		d.ring[i] = entities.AudioFrame{}
	}
	d.head, d.count = 0, 0
}
