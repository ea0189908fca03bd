package edge

import (
	"context"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/endpoint"
	"github.com/satriahrh/wrangler/internal/protocol"
	"github.com/satriahrh/wrangler/internal/wake"
)

// Sender is the part of Session the agent drives
type Sender interface {
	Enqueue(msg *protocol.Message) error
	Events() <-chan Event
}

type agentState int

const (
	stateIdle agentState = iota
	// streaming frames of an open utterance to the host
	stateStreaming
	// utterance handed over; waiting for the host to return to idle
	stateWaiting
)

// Agent is the edge loop: it runs wake detection and endpointing on captured
// frames, streams utterances through the session and reacts to host updates.
// All state is owned by the goroutine calling Run.
type Agent struct {
	session    Sender
	detector   *wake.Detector
	endpointer *endpoint.Endpointer
	indicator  Indicator

	cancel chan struct{}

	state     agentState
	frameSeq  uint64
	sessionID string

	logger *zap.Logger
}

func NewAgent(session Sender, detector *wake.Detector, endpointer *endpoint.Endpointer, indicator Indicator, logger *zap.Logger) *Agent {
	return &Agent{
		session:    session,
		detector:   detector,
		endpointer: endpointer,
		indicator:  indicator,
		cancel:     make(chan struct{}, 1),
		logger:     logger.With(zap.String("component", "agent")),
	}
}

// Cancel asks the agent to abort the current utterance. It never blocks.
func (a *Agent) Cancel() {
	select {
	case a.cancel <- struct{}{}:
	default:
	}
}

// Run consumes frames until ctx is cancelled or frames is closed
func (a *Agent) Run(ctx context.Context, frames <-chan entities.AudioFrame) error {
	events := a.session.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				a.logger.Info("Capture ended")
				return nil
			}
			a.onFrame(frame)
		case ev := <-events:
			a.onEvent(ev)
		case <-a.cancel:
			a.onCancel()
		}
	}
}

func (a *Agent) onFrame(frame entities.AudioFrame) {
	switch a.state {
	case stateIdle:
		ev, ok := a.detector.Feed(frame)
		if !ok {
			return
		}
		a.indicator.Wake(*ev)
		if err := a.send(protocol.NewWakeMessage(*ev)); err != nil {
			a.logger.Warn("Wake not delivered", zap.Error(err))
			return
		}
		a.state = stateStreaming
		a.frameSeq = 0
		a.sessionID = ""
		a.endpointer.Reset()
		a.sendPreRoll()

	case stateStreaming:
		decision := a.endpointer.Feed(frame)
		a.frameSeq++
		frame.Seq = a.frameSeq
		if err := a.send(protocol.NewAudioMessage(frame)); err != nil {
			a.logger.Warn("Dropping utterance, audio not delivered",
				zap.Uint64("frameSeq", frame.Seq),
				zap.Error(err))
			decision = a.endpointer.Fail()
		}
		if decision.Done {
			a.finish(decision)
		}

	case stateWaiting:
		// host is busy with the last utterance
	}
}

// sendPreRoll opens the utterance with the audio buffered up to and including
// the trigger. The endpointer only measures what follows.
func (a *Agent) sendPreRoll() {
	for _, frame := range a.detector.PreRoll() {
		a.frameSeq++
		frame.Seq = a.frameSeq
		if err := a.send(protocol.NewAudioMessage(frame)); err != nil {
			a.logger.Warn("Dropping utterance, pre-roll not delivered",
				zap.Uint64("frameSeq", frame.Seq),
				zap.Error(err))
			a.finish(a.endpointer.Fail())
			return
		}
	}
}

// finish closes the open utterance on the host side
func (a *Agent) finish(decision endpoint.Decision) {
	a.detector.Reset()
	a.logger.Info("Utterance ended",
		zap.String("reason", string(decision.Reason)),
		zap.Duration("audio", decision.Elapsed),
		zap.Bool("speech", decision.Speech))

	switch decision.Reason {
	case entities.EndReasonCancelled:
		if err := a.send(protocol.NewCancelMessage(string(decision.Reason))); err != nil {
			a.logger.Warn("Cancel not delivered", zap.Error(err))
		}
		a.toIdle()
	case entities.EndReasonError:
		// best effort, the queue may still be full
		if err := a.send(protocol.NewEndUtteranceMessage(decision.Elapsed, decision.Reason)); err != nil {
			a.logger.Warn("End of utterance not delivered", zap.Error(err))
		}
		a.toIdle()
	default:
		if err := a.send(protocol.NewEndUtteranceMessage(decision.Elapsed, decision.Reason)); err != nil {
			a.logger.Warn("End of utterance not delivered", zap.Error(err))
			a.toIdle()
			return
		}
		a.state = stateWaiting
	}
}

func (a *Agent) onCancel() {
	switch a.state {
	case stateStreaming:
		a.finish(a.endpointer.Cancel())
	case stateWaiting:
		if err := a.send(protocol.NewCancelMessage("local")); err != nil {
			a.logger.Warn("Cancel not delivered", zap.Error(err))
		}
		a.toIdle()
	}
}

func (a *Agent) onEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		a.indicator.Connection(true)
		return
	case EventDisconnected:
		a.indicator.Connection(false)
		if a.state != stateIdle {
			a.logger.Warn("In-flight utterance discarded after disconnect")
			a.detector.Reset()
			a.toIdle()
		}
		return
	}

	switch data := ev.Payload.(type) {
	case *protocol.AckWakeData:
		if data.Status == protocol.AckRejected {
			a.logger.Info("Wake rejected by host")
			if a.state == stateStreaming {
				a.detector.Reset()
				a.toIdle()
			}
			return
		}
		a.sessionID = data.SessionID

	case *protocol.StatusData:
		a.indicator.Status(data.State)
		if data.State != entities.PhaseIdle {
			return
		}
		switch {
		case a.state == stateWaiting:
			a.state = stateIdle
		case a.state == stateStreaming && a.sessionID != "":
			a.logger.Info("Host ended the session while streaming", zap.String("sessionID", a.sessionID))
			a.detector.Reset()
			a.toIdle()
		}

	case *protocol.TranscriptionData:
		a.indicator.Transcript(data.Text)

	case *protocol.ResponseData:
		a.indicator.Response(*data)

	case *protocol.ErrorData:
		a.logger.Warn("Host reported an error",
			zap.String("code", data.Code),
			zap.String("message", data.Message))
	}
}

func (a *Agent) toIdle() {
	if a.state == stateIdle {
		return
	}
	a.state = stateIdle
	a.sessionID = ""
	a.endpointer.Reset()
	a.indicator.Status(entities.PhaseIdle)
}

func (a *Agent) send(msg *protocol.Message, err error) error {
	if err != nil {
		return err
	}
	return a.session.Enqueue(msg)
}
