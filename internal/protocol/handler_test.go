package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/imagedecode"
	"github.com/ashureev/facegate/internal/recognition"
	"github.com/ashureev/facegate/internal/session"
)

type sentEvent struct {
	name    string
	payload any
}

type recordingHandle struct {
	events chan sentEvent
}

func newRecordingHandle() *recordingHandle {
	return &recordingHandle{events: make(chan sentEvent, 32)}
}

func (r *recordingHandle) Emit(_ context.Context, event string, payload any) error {
	r.events <- sentEvent{name: event, payload: payload}
	return nil
}

func (r *recordingHandle) Close(string) error { return nil }

func (r *recordingHandle) next(t *testing.T, within time.Duration) sentEvent {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(within):
		t.Fatalf("No event within %v", within)
		return sentEvent{}
	}
}

func (r *recordingHandle) none(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("Unexpected event %q", ev.name)
	case <-time.After(within):
	}
}

type memoryRecorder struct {
	mu       sync.Mutex
	attempts []*domain.Attempt
}

func (m *memoryRecorder) RecordAttempt(_ context.Context, a *domain.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

func (m *memoryRecorder) outcomes() []domain.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Outcome, 0, len(m.attempts))
	for _, a := range m.attempts {
		out = append(out, a.Outcome)
	}
	return out
}

func jpegDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := 0; i < 8; i++ {
		img.Set(i, i, color.RGBA{R: 200, A: 255})
	}
	data, err := imagedecode.EncodeJPEG(imagedecode.FromImage(img), 80)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}
	return imagedecode.DataURL("image/jpeg", data)
}

type fixture struct {
	handler  *Handler
	registry *session.Registry
	recorder *memoryRecorder
	handle   *recordingHandle
	sess     *session.Session
}

func newFixture(t *testing.T, r recognition.Recognizer, cfg Config) *fixture {
	t.Helper()
	registry := session.NewRegistry(nil)
	recorder := &memoryRecorder{}
	h := NewHandler(registry, recognition.NewGateway(r, time.Second, nil), recorder, cfg, nil)

	handle := newRecordingHandle()
	sess, err := h.Connect("sid-1", handle)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if ev := handle.next(t, time.Second); ev.name != EventConnected {
		t.Fatalf("Expected connected event, got %q", ev.name)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
	})
	return &fixture{handler: h, registry: registry, recorder: recorder, handle: handle, sess: sess}
}

func (f *fixture) send(t *testing.T, raw string) {
	t.Helper()
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	f.handler.HandleEvent(f.sess, Event{Name: EventIdentifyFace, Data: data})
}

func waitForState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Session state is %s, expected %s", s.State(), want)
}

func TestIdentifyValidJPEGSucceeds(t *testing.T) {
	f := newFixture(t, recognition.NewSimulatedRecognizer(50*time.Millisecond), DefaultConfig())

	start := time.Now()
	f.send(t, jpegDataURL(t))

	ev := f.handle.next(t, time.Second)
	if ev.name != EventAuthSuccess {
		t.Fatalf("Expected auth-success, got %q", ev.name)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("Reply arrived before the recognition latency elapsed")
	}
	payload, ok := ev.payload.(AuthSuccess)
	if !ok || payload.ID == "" || payload.Name == "" {
		t.Fatalf("Unexpected payload %#v", ev.payload)
	}
	if payload.ID != recognition.DefaultPerson.ID || payload.Name != recognition.DefaultPerson.Name {
		t.Errorf("Expected %+v, got %+v", recognition.DefaultPerson, payload)
	}

	f.handle.none(t, 100*time.Millisecond)
	waitForState(t, f.sess, session.StateIdle)
}

func TestIdentifyBadBase64IsSilent(t *testing.T) {
	called := false
	f := newFixture(t, recognition.RecognizerFunc(func(context.Context, *imagedecode.Bitmap) (domain.Person, error) {
		called = true
		return recognition.DefaultPerson, nil
	}), DefaultConfig())

	f.send(t, "not-valid-base64!!")
	f.handle.none(t, 150*time.Millisecond)
	waitForState(t, f.sess, session.StateIdle)

	if called {
		t.Error("Recognizer must not run for undecodable payloads")
	}
	if _, err := f.registry.Lookup("sid-1"); err != nil {
		t.Errorf("Session should remain registered: %v", err)
	}
	f.handler.Shutdown(context.Background())
	if got := f.recorder.outcomes(); len(got) != 1 || got[0] != domain.OutcomeDropped {
		t.Errorf("Expected one dropped attempt, got %v", got)
	}
}

func TestIdentifyRecognizerFailureSendsAuthFail(t *testing.T) {
	f := newFixture(t, recognition.RecognizerFunc(func(context.Context, *imagedecode.Bitmap) (domain.Person, error) {
		return domain.Person{}, errors.New("model unavailable")
	}), DefaultConfig())

	f.send(t, jpegDataURL(t))
	ev := f.handle.next(t, time.Second)
	if ev.name != EventAuthFail {
		t.Fatalf("Expected auth-fail, got %q", ev.name)
	}
	if ev.payload != nil {
		t.Errorf("auth-fail must carry no payload, got %#v", ev.payload)
	}
	f.handle.none(t, 100*time.Millisecond)
}

func TestIdentifyBackToBackRejectsSecond(t *testing.T) {
	f := newFixture(t, recognition.NewSimulatedRecognizer(150*time.Millisecond), DefaultConfig())

	payload := jpegDataURL(t)
	f.send(t, payload)
	f.send(t, payload)

	first := f.handle.next(t, 50*time.Millisecond)
	if first.name != EventAuthFail {
		t.Fatalf("Expected immediate auth-fail for the second payload, got %q", first.name)
	}
	second := f.handle.next(t, time.Second)
	if second.name != EventAuthSuccess {
		t.Fatalf("Expected auth-success for the first payload, got %q", second.name)
	}
	f.handle.none(t, 200*time.Millisecond)
}

func TestIdentifyQueuePolicySerializes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = session.PolicyQueue
	cfg.QueueDepth = 2

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	f := newFixture(t, recognition.RecognizerFunc(func(ctx context.Context, _ *imagedecode.Bitmap) (domain.Person, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return recognition.DefaultPerson, nil
	}), cfg)

	payload := jpegDataURL(t)
	for i := 0; i < 4; i++ {
		f.send(t, payload)
	}

	// Fourth payload overflows the queue of two.
	if ev := f.handle.next(t, 50*time.Millisecond); ev.name != EventAuthFail {
		t.Fatalf("Expected auth-fail for queue overflow, got %q", ev.name)
	}
	for i := 0; i < 3; i++ {
		if ev := f.handle.next(t, time.Second); ev.name != EventAuthSuccess {
			t.Fatalf("Expected auth-success #%d, got %q", i+1, ev.name)
		}
	}
	f.handle.none(t, 100*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("Expected at most one recognition in flight, saw %d", maxInFlight)
	}
}

func TestIdentifyRestartPolicyCancelsOutstanding(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Policy = session.PolicyRestart
	f := newFixture(t, recognition.NewSimulatedRecognizer(100*time.Millisecond), cfg)

	payload := jpegDataURL(t)
	f.send(t, payload)
	time.Sleep(20 * time.Millisecond)
	f.send(t, payload)

	if ev := f.handle.next(t, 50*time.Millisecond); ev.name != EventAuthFail {
		t.Fatalf("Expected auth-fail for the superseded payload, got %q", ev.name)
	}
	if ev := f.handle.next(t, time.Second); ev.name != EventAuthSuccess {
		t.Fatalf("Expected auth-success for the new payload, got %q", ev.name)
	}
	f.handle.none(t, 150*time.Millisecond)
}

func TestDisconnectDuringRecognitionSuppressesReply(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, recognition.RecognizerFunc(func(ctx context.Context, _ *imagedecode.Bitmap) (domain.Person, error) {
		close(started)
		<-ctx.Done()
		return domain.Person{}, ctx.Err()
	}), DefaultConfig())

	f.send(t, jpegDataURL(t))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("Recognition never started")
	}

	f.handler.Disconnect("sid-1")
	f.handle.none(t, 150*time.Millisecond)

	if f.sess.State() != session.StateClosed {
		t.Errorf("Expected closed, got %s", f.sess.State())
	}
	if err := f.handler.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if got := f.recorder.outcomes(); len(got) != 1 || got[0] != domain.OutcomeCanceled {
		t.Errorf("Expected one canceled attempt, got %v", got)
	}
}

func TestHandleEventPingAndInvalidPayloads(t *testing.T) {
	f := newFixture(t, recognition.NewSimulatedRecognizer(0), DefaultConfig())

	f.handler.HandleEvent(f.sess, Event{Name: EventPing})
	if ev := f.handle.next(t, time.Second); ev.name != EventPong {
		t.Fatalf("Expected pong, got %q", ev.name)
	}

	f.handler.HandleEvent(f.sess, Event{Name: EventIdentifyFace, Data: json.RawMessage(`42`)})
	f.handler.HandleEvent(f.sess, Event{Name: EventIdentifyFace})
	f.handler.HandleEvent(f.sess, Event{Name: "unknown"})
	f.handle.none(t, 100*time.Millisecond)

	if f.sess.State() != session.StateConnected {
		t.Errorf("Invalid payloads must not change state, got %s", f.sess.State())
	}
}
