package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/domain/repositories"
	"github.com/satriahrh/wrangler/internal/metrics"
	"github.com/satriahrh/wrangler/internal/protocol"
	"github.com/satriahrh/wrangler/internal/worker"
)

var (
	ErrStopped   = errors.New("orchestrator stopped")
	ErrNoSession = errors.New("no active session")
)

// Connection is the orchestrator's view of one edge device's connection
// state. The gateway owns the implementation.
type Connection interface {
	ID() string
	Emit(msg *protocol.Message) error
	Session() *entities.UtteranceSession
	SetSession(session *entities.UtteranceSession)
	ClearSession()
	// Transition advances the phase of the current session. Readers of the
	// session's phase outside the Run goroutine go through the same lock.
	Transition(phase entities.Phase) error
	Touch()
}

// Submitter dispatches work off the orchestrator goroutine
type Submitter interface {
	Submit(job worker.Job) error
}

// Adapters groups the external collaborators driven by the orchestrator
type Adapters struct {
	Transcriber repositories.Transcriber
	Generator   repositories.ResponseGenerator
	Synthesizer repositories.Synthesizer
}

// Options configures per-call timeouts and the fallback reply
type Options struct {
	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	SynthesizeTimeout time.Duration
	FallbackText      string
	EventQueue        int
}

// Orchestrator sequences transcription, response generation and synthesis
// for one connection. All state transitions happen on the Run goroutine;
// inbound messages and adapter results arrive through the event queue.
type Orchestrator struct {
	conn     Connection
	adapters Adapters
	pool     Submitter
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger

	events chan event
	done   chan struct{}

	// owned by the Run goroutine
	runCtx     context.Context
	generation uint64
	cancelJob  context.CancelFunc
}

type event interface{}

type (
	wakeEvent         struct{ data *protocol.WakeData }
	audioEvent        struct{ data *protocol.AudioData }
	endUtteranceEvent struct{ data *protocol.EndUtteranceData }
	cancelEvent       struct{ reason string }
	disconnectEvent   struct{}

	transcribedEvent struct {
		generation uint64
		result     entities.TranscriptResult
		err        error
	}
	generatedEvent struct {
		generation uint64
		response   entities.ResponseMessage
		err        error
	}
	spokenEvent struct {
		generation uint64
		err        error
	}
)

// NewOrchestrator creates an orchestrator; call Run to start processing
func NewOrchestrator(
	conn Connection,
	adapters Adapters,
	pool Submitter,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if opts.EventQueue <= 0 {
		opts.EventQueue = 256
	}
	return &Orchestrator{
		conn:     conn,
		adapters: adapters,
		pool:     pool,
		opts:     opts,
		metrics:  m,
		logger:   logger.With(zap.String("deviceID", conn.ID())),
		events:   make(chan event, opts.EventQueue),
		done:     make(chan struct{}),
	}
}

// Run processes events until ctx is cancelled
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.done)
	o.runCtx = ctx

	for {
		select {
		case <-ctx.Done():
			o.releaseJob()
			return
		case ev := <-o.events:
			o.handle(ev)
		}
	}
}

// Deliver hands a validated inbound message to the state machine. It blocks
// only while the event queue is full.
func (o *Orchestrator) Deliver(msg *protocol.Message, payload interface{}) error {
	var ev event
	switch data := payload.(type) {
	case *protocol.WakeData:
		ev = wakeEvent{data: data}
	case *protocol.AudioData:
		ev = audioEvent{data: data}
	case *protocol.EndUtteranceData:
		ev = endUtteranceEvent{data: data}
	case *protocol.CancelData:
		ev = cancelEvent{reason: data.Reason}
	default:
		return fmt.Errorf("%w: %s is not accepted from the edge", protocol.ErrUnknownType, msg.Type)
	}
	if !o.post(ev) {
		return ErrStopped
	}
	return nil
}

// Disconnect discards any in-flight session for this connection
func (o *Orchestrator) Disconnect() {
	o.post(disconnectEvent{})
}

// Reset returns the connection to idle, abandoning any open session
func (o *Orchestrator) Reset(reason string) {
	o.post(cancelEvent{reason: reason})
}

// Done is closed once Run has returned
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) post(ev event) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.events <- ev:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) handle(ev event) {
	switch e := ev.(type) {
	case wakeEvent:
		o.onWake(e.data)
	case audioEvent:
		o.onAudio(e.data)
	case endUtteranceEvent:
		o.onEndUtterance(e.data)
	case cancelEvent:
		o.onCancel(e.reason)
	case disconnectEvent:
		o.onDisconnect()
	case transcribedEvent:
		o.onTranscribed(e)
	case generatedEvent:
		o.onGenerated(e)
	case spokenEvent:
		o.onSpoken(e)
	default:
		o.logger.Error("Unknown orchestrator event", zap.String("event", fmt.Sprintf("%T", ev)))
	}
}

// =============================================================================
// Inbound messages
// =============================================================================

func (o *Orchestrator) onWake(data *protocol.WakeData) {
	o.conn.Touch()

	if current := o.conn.Session(); current != nil {
		o.metrics.WakeRejected()
		o.logger.Info("Wake rejected, session already active",
			zap.String("sessionID", current.ID),
			zap.String("phase", string(current.Phase)))
		o.emit(protocol.NewAckWakeMessage(protocol.AckRejected, current.ID))
		return
	}

	o.generation++
	session := entities.NewUtteranceSession(o.conn.ID(), o.generation, data.Event())
	o.conn.SetSession(session)

	o.logger.Info("Session opened",
		zap.String("sessionID", session.ID),
		zap.String("label", data.Label),
		zap.Float64("confidence", data.Confidence))

	o.emit(protocol.NewAckWakeMessage(protocol.AckAccepted, session.ID))
	o.emit(protocol.NewStatusMessage(entities.PhaseListening, session.ID))
}

func (o *Orchestrator) onAudio(data *protocol.AudioData) {
	o.conn.Touch()

	session := o.conn.Session()
	if session == nil {
		o.metrics.SessionError("no_session")
		o.logger.Debug("Audio without an open session discarded", zap.Uint64("frameSeq", data.FrameSeq))
		return
	}

	frame, err := data.Frame()
	if err != nil {
		o.metrics.SessionError("bad_frame")
		o.logger.Warn("Undecodable audio frame discarded", zap.Error(err))
		return
	}

	if err := session.AppendFrame(frame); err != nil {
		kind := "late_audio"
		switch {
		case errors.Is(err, entities.ErrOutOfOrder):
			kind = "out_of_order"
		case errors.Is(err, entities.ErrSequenceGap):
			kind = "sequence_gap"
		}
		o.metrics.SessionError(kind)
		o.logger.Warn("Audio frame discarded",
			zap.String("sessionID", session.ID),
			zap.String("phase", string(session.Phase)),
			zap.Error(err))
	}
}

func (o *Orchestrator) onEndUtterance(data *protocol.EndUtteranceData) {
	o.conn.Touch()

	session := o.conn.Session()
	if session == nil || session.Phase != entities.PhaseListening {
		o.metrics.SessionError("late_end_utterance")
		o.logger.Warn("end_utterance without a listening session discarded")
		return
	}

	if data.Reason == entities.EndReasonError {
		// the edge lost frames and gave up on this utterance
		o.logger.Warn("Utterance aborted by edge", zap.String("sessionID", session.ID))
		o.abandon(session, entities.EndReasonError)
		o.metrics.SessionEnded(metrics.OutcomeAborted)
		o.emit(protocol.NewStatusMessage(entities.PhaseIdle, ""))
		return
	}
	if data.Reason != entities.EndReasonNone {
		session.End(data.Reason)
	}
	if err := o.conn.Transition(entities.PhaseProcessing); err != nil {
		o.logger.Error("Failed to finalize session", zap.Error(err))
		return
	}

	o.logger.Info("Utterance finalized",
		zap.String("sessionID", session.ID),
		zap.Int("frames", len(session.Frames)),
		zap.Duration("audio", session.Duration()),
		zap.Int64("reportedMs", data.DurationMs),
		zap.String("reason", string(session.EndReason)))

	o.emit(protocol.NewStatusMessage(entities.PhaseProcessing, session.ID))

	if len(session.Frames) == 0 {
		o.fallback(session, repositories.Fail(repositories.AdapterTranscriber, repositories.KindEmptyAudio, nil))
		return
	}
	o.dispatchTranscribe(session)
}

func (o *Orchestrator) onCancel(reason string) {
	o.conn.Touch()

	session := o.conn.Session()
	if session == nil {
		o.logger.Debug("Cancel without an open session ignored")
		return
	}
	o.logger.Info("Session cancelled",
		zap.String("sessionID", session.ID),
		zap.String("phase", string(session.Phase)),
		zap.String("reason", reason))

	o.abandon(session, entities.EndReasonCancelled)
	o.metrics.SessionEnded(metrics.OutcomeCancelled)
	o.emit(protocol.NewStatusMessage(entities.PhaseIdle, ""))
}

func (o *Orchestrator) onDisconnect() {
	session := o.conn.Session()
	if session == nil {
		return
	}
	o.logger.Info("Session discarded after disconnect",
		zap.String("sessionID", session.ID),
		zap.String("phase", string(session.Phase)))

	o.abandon(session, entities.EndReasonCancelled)
	o.metrics.SessionEnded(metrics.OutcomeDisconnected)
}

// abandon drops the session and any outstanding adapter call
func (o *Orchestrator) abandon(session *entities.UtteranceSession, reason entities.EndReason) {
	o.releaseJob()
	session.End(reason)
	o.conn.ClearSession()
}

// =============================================================================
// Adapter results
// =============================================================================

// current returns the session a result belongs to, or nil when the result is stale
func (o *Orchestrator) current(generation uint64, phase entities.Phase) *entities.UtteranceSession {
	session := o.conn.Session()
	if session == nil || session.Generation != generation || session.Phase != phase {
		o.logger.Debug("Stale adapter result discarded", zap.Uint64("generation", generation))
		return nil
	}
	return session
}

func (o *Orchestrator) onTranscribed(e transcribedEvent) {
	session := o.current(e.generation, entities.PhaseProcessing)
	if session == nil {
		return
	}
	if e.err == nil && strings.TrimSpace(e.result.Text) == "" {
		e.err = repositories.Fail(repositories.AdapterTranscriber, repositories.KindEmptyAudio, nil)
	}
	if e.err != nil {
		o.fallback(session, e.err)
		return
	}

	o.logger.Info("Transcription ready",
		zap.String("sessionID", session.ID),
		zap.String("text", e.result.Text),
		zap.Float64("confidence", e.result.Confidence))

	o.emit(protocol.NewTranscriptionMessage(e.result))
	o.dispatchGenerate(session, e.result.Text)
}

func (o *Orchestrator) onGenerated(e generatedEvent) {
	session := o.current(e.generation, entities.PhaseProcessing)
	if session == nil {
		return
	}
	if e.err != nil {
		o.fallback(session, e.err)
		return
	}

	if err := o.conn.Transition(entities.PhaseSpeaking); err != nil {
		o.logger.Error("Failed to enter speaking phase", zap.Error(err))
		return
	}

	o.emit(protocol.NewResponseMessage(e.response))
	o.emit(protocol.NewStatusMessage(entities.PhaseSpeaking, session.ID))
	o.dispatchSpeak(session, e.response)
}

func (o *Orchestrator) onSpoken(e spokenEvent) {
	session := o.current(e.generation, entities.PhaseSpeaking)
	if session == nil {
		return
	}
	o.releaseJob()

	outcome := metrics.OutcomeCompleted
	if e.err != nil {
		outcome = metrics.OutcomeFallback
		o.logger.Warn("Synthesizer failed",
			zap.String("sessionID", session.ID),
			zap.String("kind", string(repositories.KindOf(e.err))),
			zap.Error(e.err))
		// the speaker is the failing part, so the apology is only displayed
		o.emit(protocol.NewResponseMessage(entities.NewFallbackResponse(o.opts.FallbackText)))
	}

	o.conn.ClearSession()
	o.metrics.SessionEnded(outcome)
	o.emit(protocol.NewStatusMessage(entities.PhaseIdle, ""))
	o.logger.Info("Session complete", zap.String("sessionID", session.ID), zap.String("outcome", outcome))
}

// fallback surfaces a transcription or generation failure as a spoken
// apology and returns the connection to idle
func (o *Orchestrator) fallback(session *entities.UtteranceSession, err error) {
	o.releaseJob()
	o.logger.Warn("Adapter failed, answering with fallback",
		zap.String("sessionID", session.ID),
		zap.String("kind", string(repositories.KindOf(err))),
		zap.Error(err))

	response := entities.NewFallbackResponse(o.opts.FallbackText)
	session.End(entities.EndReasonError)
	o.conn.ClearSession()
	o.metrics.SessionEnded(metrics.OutcomeFallback)

	o.emit(protocol.NewResponseMessage(response))
	o.emit(protocol.NewStatusMessage(entities.PhaseIdle, ""))

	// not tied to any session, so nothing is posted back
	o.submit(func(ctx context.Context) {
		if err := o.speak(ctx, response); err != nil {
			o.logger.Error("Failed to speak fallback", zap.Error(err))
		}
	}, func() {
		o.logger.Error("Failed to queue fallback speech")
	})
}

// =============================================================================
// Dispatch
// =============================================================================

func (o *Orchestrator) dispatchTranscribe(session *entities.UtteranceSession) {
	generation := session.Generation
	frames := append([]entities.AudioFrame(nil), session.Frames...)
	sampleRate := session.SampleRate()

	ctx := o.newJobContext()
	o.submit(func(context.Context) {
		start := time.Now()
		result, err := worker.Call(ctx, o.opts.TranscribeTimeout, func(ctx context.Context) (entities.TranscriptResult, error) {
			return o.adapters.Transcriber.Transcribe(ctx, frames, sampleRate)
		})
		err = o.classify(repositories.AdapterTranscriber, err)
		o.record(repositories.AdapterTranscriber, start, err)
		o.post(transcribedEvent{generation: generation, result: result, err: err})
	}, func() {
		o.fallback(session, repositories.Fail(repositories.AdapterTranscriber, repositories.KindEngineError, worker.ErrQueueFull))
	})
}

func (o *Orchestrator) dispatchGenerate(session *entities.UtteranceSession, text string) {
	generation := session.Generation

	ctx := o.newJobContext()
	o.submit(func(context.Context) {
		start := time.Now()
		response, err := worker.Call(ctx, o.opts.GenerateTimeout, func(ctx context.Context) (entities.ResponseMessage, error) {
			return o.adapters.Generator.Generate(ctx, text)
		})
		err = o.classify(repositories.AdapterGenerator, err)
		o.record(repositories.AdapterGenerator, start, err)
		o.post(generatedEvent{generation: generation, response: response, err: err})
	}, func() {
		o.fallback(session, repositories.Fail(repositories.AdapterGenerator, repositories.KindUpstreamUnreachable, worker.ErrQueueFull))
	})
}

func (o *Orchestrator) dispatchSpeak(session *entities.UtteranceSession, response entities.ResponseMessage) {
	generation := session.Generation

	ctx := o.newJobContext()
	o.submit(func(context.Context) {
		err := o.speak(ctx, response)
		o.post(spokenEvent{generation: generation, err: err})
	}, func() {
		o.onSpoken(spokenEvent{
			generation: generation,
			err:        repositories.Fail(repositories.AdapterSynthesizer, repositories.KindEngineError, worker.ErrQueueFull),
		})
	})
}

func (o *Orchestrator) speak(ctx context.Context, response entities.ResponseMessage) error {
	start := time.Now()
	_, err := worker.Call(ctx, o.opts.SynthesizeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.adapters.Synthesizer.Speak(ctx, response)
	})
	err = o.classify(repositories.AdapterSynthesizer, err)
	o.record(repositories.AdapterSynthesizer, start, err)
	return err
}

// newJobContext replaces the outstanding job context. Cancelling it marks
// the job abandoned.
func (o *Orchestrator) newJobContext() context.Context {
	parent := o.runCtx
	if parent == nil {
		parent = context.Background()
	}
	o.releaseJob()
	ctx, cancel := context.WithCancel(parent)
	o.cancelJob = cancel
	return ctx
}

func (o *Orchestrator) releaseJob() {
	if o.cancelJob != nil {
		o.cancelJob()
		o.cancelJob = nil
	}
}

func (o *Orchestrator) submit(job worker.Job, onFull func()) {
	if err := o.pool.Submit(job); err != nil {
		o.logger.Error("Failed to dispatch adapter call", zap.Error(err))
		onFull()
	}
}

// classify maps timeouts to the adapter's failure kind; other errors are
// wrapped as engine failures unless they already carry a kind
func (o *Orchestrator) classify(adapter repositories.Adapter, err error) error {
	if err == nil {
		return nil
	}
	var adapterErr *repositories.AdapterError
	if errors.As(err, &adapterErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return repositories.Fail(adapter, repositories.TimeoutKind(adapter), err)
	}
	return repositories.Fail(adapter, repositories.KindEngineError, err)
}

func (o *Orchestrator) record(adapter repositories.Adapter, start time.Time, err error) {
	kind := ""
	if err != nil {
		kind = string(repositories.KindOf(err))
	}
	o.metrics.AdapterCall(string(adapter), time.Since(start), kind)
}

func (o *Orchestrator) emit(msg *protocol.Message, err error) {
	if err != nil {
		o.logger.Error("Failed to build message", zap.Error(err))
		return
	}
	if err := o.conn.Emit(msg); err != nil {
		o.logger.Warn("Failed to emit message", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}
