package protocol

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
)

type fakeConn struct {
	mu    sync.Mutex
	sent  []interface{}
	drops int
}

func (f *fakeConn) SendText(v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, v)
}

func (f *fakeConn) Drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops++
}

func (f *fakeConn) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeConn) dropCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.drops
}

func (f *fakeConn) sentAt(i int) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[i]
}

type eventRecorder struct {
	mu         sync.Mutex
	handshakes []string
	connected  int
	disconnect int
	errs       []error
	stt        []string
	tts        [][2]string
	audio      int
}

func (r *eventRecorder) OnHandshakeComplete(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakes = append(r.handshakes, sessionID)
}

func (r *eventRecorder) OnConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Handshake-complete must precede connected.
	r.connected++
}

func (r *eventRecorder) OnDisconnected(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnect++
}

func (r *eventRecorder) OnProtocolError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *eventRecorder) OnSpeechToText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt = append(r.stt, text)
}

func (r *eventRecorder) OnEmotion(emotion, text string) {}

func (r *eventRecorder) OnTTSControl(state, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts = append(r.tts, [2]string{state, text})
}

func (r *eventRecorder) OnIncomingAudio(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio++
}

func (r *eventRecorder) OnControlMessage(payload []byte) {}

func (r *eventRecorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *eventRecorder) errCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *eventRecorder) firstErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

func setupEngine(t *testing.T) (*Engine, *fakeConn, *eventRecorder, *clock.Mock) {
	t.Helper()
	conn := &fakeConn{}
	rec := &eventRecorder{}
	mock := clock.NewMock()
	engine := NewEngine(conn, entities.DefaultAudioParams(), zap.NewNop())
	engine.SetEvents(rec)
	engine.SetClock(mock)
	return engine, conn, rec, mock
}

func helloAck(sessionID string) []byte {
	return []byte(`{"type":"hello","transport":"websocket","session_id":"` + sessionID + `"}`)
}

func TestEngineHandshakeSuccess(t *testing.T) {
	engine, conn, rec, mock := setupEngine(t)

	engine.OnOpen()
	if engine.State() != StateHandshaking {
		t.Errorf("Expected state handshaking after open, got %s", engine.State())
	}
	if conn.sentCount() != 1 {
		t.Fatalf("Expected one hello sent, got %d", conn.sentCount())
	}
	if _, ok := conn.sentAt(0).(HelloMessage); !ok {
		t.Errorf("Expected HelloMessage, got %T", conn.sentAt(0))
	}

	engine.OnTextMessage(helloAck("session-abc"))

	if engine.State() != StateReady {
		t.Errorf("Expected state ready, got %s", engine.State())
	}
	if engine.SessionID() != "session-abc" {
		t.Errorf("Expected session id 'session-abc', got %q", engine.SessionID())
	}
	if rec.connectedCount() != 1 {
		t.Errorf("Expected exactly one connected event, got %d", rec.connectedCount())
	}
	if len(rec.handshakes) != 1 || rec.handshakes[0] != "session-abc" {
		t.Errorf("Expected one handshake-complete with session id, got %v", rec.handshakes)
	}

	// The cancelled timer must not fire later.
	mock.Add(handshakeTimeout * 2)
	time.Sleep(50 * time.Millisecond)
	if rec.errCount() != 0 {
		t.Errorf("Expected no errors after successful handshake, got %d", rec.errCount())
	}
}

func TestEngineHandshakeTimeout(t *testing.T) {
	engine, conn, rec, mock := setupEngine(t)

	engine.OnOpen()
	mock.Add(handshakeTimeout)

	deadline := time.After(time.Second)
	for rec.errCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("Timeout error not delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !errors.Is(rec.firstErr(), entities.ErrHandshakeTimeout) {
		t.Errorf("Expected handshake timeout error, got %v", rec.firstErr())
	}
	if rec.errCount() != 1 {
		t.Errorf("Expected exactly one error, got %d", rec.errCount())
	}
	if rec.connectedCount() != 0 {
		t.Errorf("Expected no connected event after timeout, got %d", rec.connectedCount())
	}
	if conn.dropCount() != 1 {
		t.Errorf("Expected forced disconnect after timeout, got %d drops", conn.dropCount())
	}
}

func TestEngineHandshakeMismatch(t *testing.T) {
	engine, conn, rec, mock := setupEngine(t)

	engine.OnOpen()
	engine.OnTextMessage([]byte(`{"type":"hello","transport":"mqtt","session_id":"s"}`))

	if engine.State() == StateReady {
		t.Error("Engine must not reach ready on transport mismatch")
	}
	if !errors.Is(rec.firstErr(), entities.ErrHandshakeMismatch) {
		t.Errorf("Expected mismatch error, got %v", rec.firstErr())
	}
	if rec.connectedCount() != 0 {
		t.Errorf("Expected no connected event on mismatch, got %d", rec.connectedCount())
	}
	if conn.dropCount() != 1 {
		t.Errorf("Expected forced disconnect on mismatch, got %d drops", conn.dropCount())
	}

	// The cancelled timer must not pile a timeout error on top.
	mock.Add(handshakeTimeout * 2)
	time.Sleep(50 * time.Millisecond)
	if rec.errCount() != 1 {
		t.Errorf("Expected exactly one error, got %d", rec.errCount())
	}
}

func TestEngineDropsTrafficBeforeReady(t *testing.T) {
	engine, _, rec, _ := setupEngine(t)

	engine.OnOpen()
	engine.OnTextMessage([]byte(`{"type":"stt","text":"early"}`))
	engine.OnBinaryMessage([]byte{0x01, 0x02})

	if len(rec.stt) != 0 {
		t.Errorf("Expected stt dropped before ready, got %v", rec.stt)
	}
	if rec.audio != 0 {
		t.Errorf("Expected binary dropped before ready, got %d frames", rec.audio)
	}
}

func TestEngineClassifiesWhenReady(t *testing.T) {
	engine, _, rec, _ := setupEngine(t)

	engine.OnOpen()
	engine.OnTextMessage(helloAck("s-1"))

	engine.OnTextMessage([]byte(`{"type":"stt","text":"turn text"}`))
	engine.OnTextMessage([]byte(`{"type":"tts","state":"sentence_start","text":"Hello"}`))
	engine.OnTextMessage([]byte(`{"type":"tts","state":"start"}`))
	engine.OnBinaryMessage([]byte{0xAA})
	engine.OnTextMessage([]byte(`not json at all`))

	if len(rec.stt) != 1 || rec.stt[0] != "turn text" {
		t.Errorf("Expected one stt event, got %v", rec.stt)
	}
	if len(rec.tts) != 2 {
		t.Fatalf("Expected two tts events, got %d", len(rec.tts))
	}
	if rec.tts[0] != [2]string{"sentence_start", "Hello"} {
		t.Errorf("Unexpected first tts event: %v", rec.tts[0])
	}
	if rec.audio != 1 {
		t.Errorf("Expected one audio frame, got %d", rec.audio)
	}
	if rec.errCount() != 0 {
		t.Errorf("Unrecognized payloads must not escalate, got %d errors", rec.errCount())
	}
}

func TestEngineOutboundRequiresReady(t *testing.T) {
	engine, conn, _, _ := setupEngine(t)

	engine.SendStartListening(entities.TurnModeAuto)
	engine.SendStopListening()
	engine.SendAbort("user_interrupt")
	engine.SendDetect("hi")

	if conn.sentCount() != 0 {
		t.Errorf("Expected outbound messages suppressed before ready, got %d", conn.sentCount())
	}
}

func TestEngineOutboundCarriesSessionID(t *testing.T) {
	engine, conn, _, _ := setupEngine(t)

	engine.OnOpen()
	engine.OnTextMessage(helloAck("s-42"))

	engine.SendStartListening(entities.TurnModeManual)
	engine.SendStopListening()
	engine.SendDetect("what's the weather")
	engine.SendAbort("user_interrupt")

	if conn.sentCount() != 5 { // hello + four operations
		t.Fatalf("Expected 5 sent messages, got %d", conn.sentCount())
	}

	start, ok := conn.sentAt(1).(ListenMessage)
	if !ok {
		t.Fatalf("Expected ListenMessage, got %T", conn.sentAt(1))
	}
	if start.State != ListenStateStart || start.Mode != "manual" || start.SessionID != "s-42" {
		t.Errorf("Unexpected begin-listening message: %+v", start)
	}

	detect, ok := conn.sentAt(3).(ListenMessage)
	if !ok {
		t.Fatalf("Expected ListenMessage, got %T", conn.sentAt(3))
	}
	if detect.State != ListenStateDetect || detect.Text != "what's the weather" || detect.Source != "text" {
		t.Errorf("Unexpected detect message: %+v", detect)
	}

	abort, ok := conn.sentAt(4).(AbortMessage)
	if !ok {
		t.Fatalf("Expected AbortMessage, got %T", conn.sentAt(4))
	}
	if abort.Reason != "user_interrupt" || abort.SessionID != "s-42" {
		t.Errorf("Unexpected abort message: %+v", abort)
	}

	data, err := json.Marshal(detect)
	if err != nil {
		t.Fatalf("Failed to marshal detect message: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal detect message: %v", err)
	}
	if decoded["source"] != "text" || decoded["state"] != "detect" {
		t.Errorf("Unexpected detect wire shape: %v", decoded)
	}
}

func TestEngineResetsOnClose(t *testing.T) {
	engine, _, rec, mock := setupEngine(t)

	engine.OnOpen()
	engine.OnTextMessage(helloAck("s-9"))
	engine.OnClose(errors.New("connection reset"))

	if engine.State() != StateDisconnected {
		t.Errorf("Expected state disconnected after close, got %s", engine.State())
	}
	if engine.SessionID() != "" {
		t.Errorf("Expected session id cleared, got %q", engine.SessionID())
	}
	if rec.disconnect != 1 {
		t.Errorf("Expected one disconnect event, got %d", rec.disconnect)
	}

	// Close during handshake cancels the pending timer.
	engine.OnOpen()
	engine.OnClose(nil)
	mock.Add(handshakeTimeout * 2)
	time.Sleep(50 * time.Millisecond)
	if rec.errCount() != 0 {
		t.Errorf("Expected no timeout after close cancelled the timer, got %d errors", rec.errCount())
	}
}
