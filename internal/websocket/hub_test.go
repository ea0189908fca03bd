package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/wrangler/domain/entities"
	"github.com/satriahrh/wrangler/internal/metrics"
	"github.com/satriahrh/wrangler/internal/protocol"
	"github.com/satriahrh/wrangler/internal/worker"
	"github.com/satriahrh/wrangler/usecase"
)

type stubTranscriber struct{}

func (stubTranscriber) Transcribe(ctx context.Context, frames []entities.AudioFrame, sampleRate int) (entities.TranscriptResult, error) {
	return entities.TranscriptResult{Text: "howdy", Language: "en-US", Confidence: 1}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, text string) (entities.ResponseMessage, error) {
	return entities.ResponseMessage{Text: "Howdy partner"}, nil
}

type stubSynthesizer struct{}

func (stubSynthesizer) Speak(ctx context.Context, msg entities.ResponseMessage) error {
	return nil
}

func setupTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(2, 8, logger)
	poolDone := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(poolDone)
	}()

	hub := NewHub(usecase.Adapters{
		Transcriber: stubTranscriber{},
		Generator:   stubGenerator{},
		Synthesizer: stubSynthesizer{},
	}, pool, usecase.Options{
		TranscribeTimeout: time.Second,
		GenerateTimeout:   time.Second,
		SynthesizeTimeout: time.Second,
		FallbackText:      "Sorry partner",
	}, metrics.NewNop(), logger)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return HandleWebSocket(hub, c, c.QueryParam("device_id"))
	})
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		server.Close()
		hub.Shutdown()
		cancel()
		<-poolDone
	})
	return hub, server
}

type testDevice struct {
	t    *testing.T
	conn *websocket.Conn
	seq  protocol.Sequencer
}

func dial(t *testing.T, server *httptest.Server, deviceID string) *testDevice {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?device_id=" + deviceID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("WebSocket connection failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testDevice{t: t, conn: conn}
}

func (d *testDevice) send(msg *protocol.Message, err error) {
	d.t.Helper()
	if err != nil {
		d.t.Fatalf("Failed to build message: %v", err)
	}
	d.seq.Stamp(msg)
	d.sendRaw(msg)
}

func (d *testDevice) sendRaw(msg *protocol.Message) {
	d.t.Helper()
	payload, err := msg.Bytes()
	if err != nil {
		d.t.Fatal(err)
	}
	if err := d.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		d.t.Fatalf("Write failed: %v", err)
	}
}

func (d *testDevice) read() *protocol.Message {
	d.t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := d.conn.ReadMessage()
	if err != nil {
		d.t.Fatalf("Read failed: %v", err)
	}
	msg, err := protocol.ParseMessage(raw)
	if err != nil {
		d.t.Fatalf("Bad message from host: %v", err)
	}
	return msg
}

func (d *testDevice) expect(types ...protocol.MessageType) []*protocol.Message {
	d.t.Helper()
	msgs := make([]*protocol.Message, 0, len(types))
	for _, want := range types {
		msg := d.read()
		if msg.Type != want {
			d.t.Fatalf("Expected %s, got %s (%s)", want, msg.Type, string(msg.Data))
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

// drain reads until the connection stays quiet for window
func (d *testDevice) drain(window time.Duration) []*protocol.Message {
	d.t.Helper()
	var msgs []*protocol.Message
	for {
		d.conn.SetReadDeadline(time.Now().Add(window))
		_, raw, err := d.conn.ReadMessage()
		if err != nil {
			return msgs
		}
		msg, err := protocol.ParseMessage(raw)
		if err != nil {
			d.t.Fatalf("Bad message from host: %v", err)
		}
		msgs = append(msgs, msg)
	}
}

func wakeMessage() (*protocol.Message, error) {
	return protocol.NewWakeMessage(entities.WakeEvent{Label: "hey_rider", Confidence: 0.9, Timestamp: time.Now()})
}

func audioMessage(seq uint64) (*protocol.Message, error) {
	pcm := make([]int16, 320)
	for i := range pcm {
		pcm[i] = 3000
	}
	return protocol.NewAudioMessage(entities.AudioFrame{Seq: seq, SampleRate: 16000, Channels: 1, PCM: pcm})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestGateway_FullExchange(t *testing.T) {
	_, server := setupTestHub(t)
	device := dial(t, server, "device-1")

	device.send(wakeMessage())
	device.send(audioMessage(1))
	device.send(audioMessage(2))
	device.send(protocol.NewEndUtteranceMessage(40*time.Millisecond, entities.EndReasonSilence))

	msgs := device.expect(
		protocol.TypeAckWake,
		protocol.TypeStatus, // listening
		protocol.TypeStatus, // processing
		protocol.TypeTranscription,
		protocol.TypeResponse,
		protocol.TypeStatus, // speaking
		protocol.TypeStatus, // idle
	)

	var ack protocol.AckWakeData
	if err := msgs[0].ParseData(&ack); err != nil || ack.Status != protocol.AckAccepted {
		t.Errorf("Expected accepted ack, got %+v (%v)", ack, err)
	}
	var last protocol.StatusData
	if err := msgs[6].ParseData(&last); err != nil || last.State != entities.PhaseIdle {
		t.Errorf("Expected idle status, got %+v (%v)", last, err)
	}

	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Errorf("Host sequence not increasing: %d after %d", msgs[i].Seq, msgs[i-1].Seq)
		}
	}
	if msgs[0].Seq != 1 {
		t.Errorf("Expected host sequence to start at 1, got %d", msgs[0].Seq)
	}
}

func TestGateway_MalformedMessage(t *testing.T) {
	_, server := setupTestHub(t)
	device := dial(t, server, "device-1")

	if err := device.conn.WriteMessage(websocket.TextMessage, []byte(`{invalid json}`)); err != nil {
		t.Fatal(err)
	}
	msgs := device.expect(protocol.TypeError)
	var data protocol.ErrorData
	if err := msgs[0].ParseData(&data); err != nil || data.Code != "invalid_message" {
		t.Errorf("Expected invalid_message error, got %+v (%v)", data, err)
	}

	// the connection survives and serves the next wake
	device.send(wakeMessage())
	device.expect(protocol.TypeAckWake)
}

func TestGateway_MalformedMessageResetsSession(t *testing.T) {
	hub, server := setupTestHub(t)
	device := dial(t, server, "device-1")

	device.send(wakeMessage())
	device.expect(protocol.TypeAckWake, protocol.TypeStatus)

	device.send(protocol.NewMessage(protocol.TypeAudio, map[string]string{"codec": "mp3"}))
	device.expect(protocol.TypeError, protocol.TypeStatus)

	state, ok := hub.Lookup("device-1")
	if !ok {
		t.Fatal("Expected connection state")
	}
	waitFor(t, func() bool { return state.Session() == nil }, "Expected session to be reset")
}

func TestGateway_OutOfSequenceDiscarded(t *testing.T) {
	_, server := setupTestHub(t)
	device := dial(t, server, "device-1")

	wake, _ := wakeMessage()
	wake.Seq = 5
	device.sendRaw(wake)
	device.expect(protocol.TypeAckWake, protocol.TypeStatus)

	replay, _ := wakeMessage()
	replay.Seq = 3
	device.sendRaw(replay)

	cancel, _ := protocol.NewCancelMessage("button")
	cancel.Seq = 6
	device.sendRaw(cancel)

	// the replayed wake would have produced a rejection ack first
	msgs := device.expect(protocol.TypeStatus)
	var status protocol.StatusData
	if err := msgs[0].ParseData(&status); err != nil || status.State != entities.PhaseIdle {
		t.Errorf("Expected idle after cancel, got %+v (%v)", status, err)
	}
}

func TestGateway_RejectsHostMessageTypes(t *testing.T) {
	_, server := setupTestHub(t)
	device := dial(t, server, "device-1")

	device.send(protocol.NewStatusMessage(entities.PhaseIdle, ""))
	msgs := device.expect(protocol.TypeError)
	var data protocol.ErrorData
	if err := msgs[0].ParseData(&data); err != nil || data.Code != "unexpected_type" {
		t.Errorf("Expected unexpected_type error, got %+v (%v)", data, err)
	}
}

func TestHub_ReconnectReusesState(t *testing.T) {
	hub, server := setupTestHub(t)

	first := dial(t, server, "device-1")
	first.send(wakeMessage())
	first.expect(protocol.TypeAckWake, protocol.TypeStatus)
	first.conn.Close()

	state, ok := hub.Lookup("device-1")
	if !ok {
		t.Fatal("Expected connection state after disconnect")
	}
	waitFor(t, func() bool { return !state.Info().Connected }, "Expected state to be marked disconnected")
	waitFor(t, func() bool { return state.Session() == nil }, "Expected in-flight session to be discarded")

	second := dial(t, server, "device-1")
	waitFor(t, func() bool { return state.Info().Connected }, "Expected state to be reattached")

	infos := hub.Connections()
	if len(infos) != 1 {
		t.Fatalf("Expected one connection state, got %d", len(infos))
	}
	if infos[0].Reconnects != 1 {
		t.Errorf("Expected 1 reconnect, got %d", infos[0].Reconnects)
	}

	// no resumption: a new wake opens a fresh session with a fresh sequence
	second.send(wakeMessage())
	msgs := second.expect(protocol.TypeAckWake)
	if msgs[0].Seq != 1 {
		t.Errorf("Expected sequence to restart on a new transport, got %d", msgs[0].Seq)
	}
	var ack protocol.AckWakeData
	if err := msgs[0].ParseData(&ack); err != nil || ack.Status != protocol.AckAccepted {
		t.Errorf("Expected accepted ack after reconnect, got %+v (%v)", ack, err)
	}
}

func TestHub_EvictInactive(t *testing.T) {
	hub, server := setupTestHub(t)

	device := dial(t, server, "device-1")
	dial(t, server, "device-2")
	waitFor(t, func() bool { return len(hub.Connections()) == 2 }, "Expected two connection states")

	device.conn.Close()
	waitFor(t, func() bool {
		s, ok := hub.Lookup("device-1")
		return ok && !s.Info().Connected
	}, "Expected device-1 to disconnect")

	if n := hub.evictInactive(time.Now(), time.Hour); n != 0 {
		t.Errorf("Expected nothing evicted inside the window, got %d", n)
	}
	if n := hub.evictInactive(time.Now().Add(2*time.Hour), time.Hour); n != 1 {
		t.Errorf("Expected one eviction, got %d", n)
	}

	if _, ok := hub.Lookup("device-1"); ok {
		t.Error("device-1 should be evicted")
	}
	if _, ok := hub.Lookup("device-2"); !ok {
		t.Error("Connected devices are never evicted")
	}
}

func TestHub_SendToDevice(t *testing.T) {
	hub, server := setupTestHub(t)

	msg, _ := protocol.NewStatusMessage(entities.PhaseIdle, "")
	if err := hub.SendToDevice("missing", msg); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("Expected ErrUnknownDevice, got %v", err)
	}

	device := dial(t, server, "device-1")
	waitFor(t, func() bool { return len(hub.Connections()) == 1 }, "Expected connection state")

	if err := hub.SendToDevice("device-1", msg); err != nil {
		t.Fatalf("SendToDevice failed: %v", err)
	}
	device.expect(protocol.TypeStatus)
}

func TestConnectionState_EmitWithoutClient(t *testing.T) {
	hub, server := setupTestHub(t)
	device := dial(t, server, "device-1")
	waitFor(t, func() bool { return len(hub.Connections()) == 1 }, "Expected connection state")
	device.conn.Close()

	state, _ := hub.Lookup("device-1")
	waitFor(t, func() bool { return !state.Info().Connected }, "Expected disconnect")

	msg, _ := protocol.NewStatusMessage(entities.PhaseIdle, "")
	if err := state.Emit(msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestConnectionState_TransitionUnderLock(t *testing.T) {
	hub, server := setupTestHub(t)
	device := dial(t, server, "device-1")

	device.send(wakeMessage())
	device.expect(protocol.TypeAckWake, protocol.TypeStatus)

	state, ok := hub.Lookup("device-1")
	if !ok {
		t.Fatal("Expected connection state")
	}
	if info := state.Info(); info.State != entities.PhaseListening || info.SessionID == "" {
		t.Errorf("Expected listening session in snapshot, got %+v", info)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				hub.Connections()
			}
		}
	}()

	device.send(audioMessage(1))
	device.send(protocol.NewEndUtteranceMessage(20*time.Millisecond, entities.EndReasonSilence))
	device.expect(
		protocol.TypeStatus, // processing
		protocol.TypeTranscription,
		protocol.TypeResponse,
		protocol.TypeStatus, // speaking
		protocol.TypeStatus, // idle
	)
	close(stop)
	wg.Wait()

	if info := state.Info(); info.State != entities.PhaseIdle || info.SessionID != "" {
		t.Errorf("Expected idle snapshot, got %+v", info)
	}
	if err := state.Transition(entities.PhaseSpeaking); !errors.Is(err, usecase.ErrNoSession) {
		t.Errorf("Expected ErrNoSession without a session, got %v", err)
	}
}

func TestHub_ReconnectRacingEviction(t *testing.T) {
	hub, server := setupTestHub(t)

	for i := 0; i < 20; i++ {
		first := dial(t, server, "device-1")
		waitFor(t, func() bool {
			s, ok := hub.Lookup("device-1")
			return ok && s.Info().Connected
		}, "Expected device to connect")
		first.conn.Close()
		waitFor(t, func() bool {
			s, ok := hub.Lookup("device-1")
			return ok && !s.Info().Connected
		}, "Expected device to disconnect")

		evicted := make(chan int, 1)
		go func() {
			evicted <- hub.evictInactive(time.Now().Add(time.Hour), time.Minute)
		}()

		// whichever side wins, the new link lands on a live orchestrator
		second := dial(t, server, "device-1")
		second.send(wakeMessage())
		second.expect(protocol.TypeAckWake, protocol.TypeStatus)
		<-evicted
		second.conn.Close()
		waitFor(t, func() bool {
			s, ok := hub.Lookup("device-1")
			return ok && !s.Info().Connected
		}, "Expected device to disconnect")
	}
}

func TestHub_ReconnectOrdersOldLinkFirst(t *testing.T) {
	hub, server := setupTestHub(t)

	for i := 0; i < 10; i++ {
		deviceID := fmt.Sprintf("device-%d", i)
		first := dial(t, server, deviceID)
		waitFor(t, func() bool {
			s, ok := hub.Lookup(deviceID)
			return ok && s.Info().Connected
		}, "Expected device to connect")
		first.send(wakeMessage())

		second := dial(t, server, deviceID)
		second.send(wakeMessage())

		var accepted int
		for _, msg := range second.drain(200 * time.Millisecond) {
			if msg.Type != protocol.TypeAckWake {
				continue
			}
			var ack protocol.AckWakeData
			if err := msg.ParseData(&ack); err != nil {
				t.Fatal(err)
			}
			if ack.Status == protocol.AckRejected {
				t.Fatalf("Wake on the new link rejected by a session from the old link (%s)", deviceID)
			}
			accepted++
		}
		if accepted == 0 {
			t.Fatalf("Expected the new link's wake to be accepted (%s)", deviceID)
		}

		state, _ := hub.Lookup(deviceID)
		if info := state.Info(); info.State != entities.PhaseListening {
			t.Errorf("Expected listening session for %s, got %+v", deviceID, info)
		}
	}
}

func TestHub_ShutdownWaitsForGoroutines(t *testing.T) {
	hub, server := setupTestHub(t)
	dial(t, server, "device-1")
	waitFor(t, func() bool {
		s, ok := hub.Lookup("device-1")
		return ok && s.Info().Connected
	}, "Expected device to connect")

	state, _ := hub.Lookup("device-1")
	client := state.currentClient()
	hub.Shutdown()

	select {
	case <-state.orchestrator.Done():
	default:
		t.Error("Orchestrator still running after Shutdown")
	}
	select {
	case <-client.readDone:
	default:
		t.Error("Read pump still running after Shutdown")
	}

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?device_id=device-2"
	if _, _, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("Expected connections to be refused after Shutdown")
	}
}
