package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"voicebridge/internal/admission"
	"voicebridge/internal/bridge"
	"voicebridge/internal/calllog"
	"voicebridge/internal/carrier"
	"voicebridge/internal/config"
	"voicebridge/internal/inference"
	"voicebridge/internal/pool"
	"voicebridge/internal/session"
)

type fakeDialer struct {
	mu   sync.Mutex
	reqs []carrier.DialRequest
	err  error
	sid  string
}

func (d *fakeDialer) Dial(_ context.Context, req carrier.DialRequest) (carrier.DialResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
	if d.err != nil {
		return carrier.DialResult{}, d.err
	}
	sid := d.sid
	if sid == "" {
		sid = fmt.Sprintf("CA%04d", len(d.reqs))
	}
	return carrier.DialResult{CallID: sid, Status: "queued"}, nil
}

type fakeCarrierConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeCarrierConn() *fakeCarrierConn {
	return &fakeCarrierConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeCarrierConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return 1, data, nil
	default:
	}
	select {
	case data := <-f.in:
		return 1, data, nil
	case <-f.closed:
		return 0, nil, errors.New("closed")
	}
}

func (f *fakeCarrierConn) WriteMessage(int, []byte) error {
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
		return nil
	}
}

func (f *fakeCarrierConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeInferConn struct {
	closed chan struct{}
	once   sync.Once
}

func newFakeInferConn() *fakeInferConn {
	return &fakeInferConn{closed: make(chan struct{})}
}

func (f *fakeInferConn) ReadEvent() (inference.Event, error) {
	<-f.closed
	return nil, inference.ErrClosed
}

func (f *fakeInferConn) AppendAudio(string) error { return nil }
func (f *fakeInferConn) CancelResponse() error    { return nil }
func (f *fakeInferConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type nullSink struct{}

func (nullSink) Log(calllog.Entry)               {}
func (nullSink) CallUpdated(session.CallSession) {}

type fixture struct {
	orch     *Orchestrator
	registry *session.Registry
	pool     *pool.Pool
	dialer   *fakeDialer
	inferErr error
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.App.PublicDomain = "voice.example.com"
	cfg.Calls.MaxConcurrentCalls = 3
	cfg.Calls.Voice = "sage"
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	reg := session.NewRegistry()
	fx := &fixture{
		registry: reg,
		pool:     pool.New(2),
		dialer:   &fakeDialer{},
	}
	ctrl := admission.NewController(
		admission.NewMemoryLimiter(time.Minute),
		admission.NewAllowlist(nil, true),
		reg, cfg.Calls.MaxConcurrentCalls, nil)
	fx.orch = New(Params{
		Config:    cfg,
		Admission: ctrl,
		Registry:  reg,
		Pool:      fx.pool,
		Dialer:    fx.dialer,
		InferDial: func(context.Context, session.CallSession) (bridge.InferenceConn, error) {
			if fx.inferErr != nil {
				return nil, fx.inferErr
			}
			return newFakeInferConn(), nil
		},
		Sink: nullSink{},
	})
	return fx
}

func TestPlaceCallAttachesCallID(t *testing.T) {
	fx := newFixture(t)
	fx.dialer.sid = "CA777"

	res := fx.orch.PlaceCall(context.Background(), "+16175554321", "Ada")
	if !res.Accepted {
		t.Fatalf("rejected: %+v", res)
	}
	if res.Session.CallID != "CA777" {
		t.Fatalf("call id = %q", res.Session.CallID)
	}
	if res.Session.State != session.StateDialing {
		t.Fatalf("state = %q", res.Session.State)
	}
	if _, ok := fx.registry.GetByCallID("CA777"); !ok {
		t.Fatal("session not reachable by call id")
	}

	req := fx.dialer.reqs[0]
	if req.To != "+16175554321" {
		t.Errorf("dial to = %q", req.To)
	}
	if !strings.Contains(req.TwiML, "wss://voice.example.com/media-stream") {
		t.Errorf("twiml = %q", req.TwiML)
	}
	if req.StatusCallbackURL != "https://voice.example.com/webhooks/carrier/status" {
		t.Errorf("status callback = %q", req.StatusCallbackURL)
	}
}

func TestPlaceCallDialFailure(t *testing.T) {
	fx := newFixture(t)
	fx.dialer.err = errors.New("carrier 500")

	res := fx.orch.PlaceCall(context.Background(), "+16175554321", "")
	if !res.Accepted {
		t.Fatalf("admission should have accepted: %+v", res)
	}
	got, _ := fx.registry.Get(res.Session.ID)
	if got.State != session.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if !strings.Contains(got.LastError, "dial failed") {
		t.Fatalf("last error = %q", got.LastError)
	}
	// The slot is free again.
	if fx.registry.ActiveCount() != 0 {
		t.Fatalf("active count = %d", fx.registry.ActiveCount())
	}
}

func TestPlaceCallRejectionCreatesNothing(t *testing.T) {
	fx := newFixture(t)

	res := fx.orch.PlaceCall(context.Background(), "not-a-number", "")
	if res.Accepted || res.Reason != admission.ReasonInvalidNumber {
		t.Fatalf("result = %+v", res)
	}
	if len(fx.dialer.reqs) != 0 {
		t.Fatal("dial attempted for rejected request")
	}
}

func TestHandleInboundCall(t *testing.T) {
	fx := newFixture(t)

	twiml, res := fx.orch.HandleInboundCall(context.Background(), carrier.InboundVoiceForm{
		CallID: "CA555", From: "+16175550000", CallerName: "Ada",
	})
	if !res.Accepted {
		t.Fatalf("rejected: %+v", res)
	}
	if !strings.Contains(twiml, "wss://voice.example.com/media-stream") {
		t.Fatalf("twiml = %q", twiml)
	}
	sess, ok := fx.registry.GetByCallID("CA555")
	if !ok || sess.State != session.StateDialing {
		t.Fatalf("session = %+v ok=%v", sess, ok)
	}
}

func TestHandleInboundCallRejected(t *testing.T) {
	cfg := testConfig()
	reg := session.NewRegistry()
	ctrl := admission.NewController(
		admission.NewMemoryLimiter(time.Minute),
		admission.NewAllowlist(nil, false), // no blanket allow
		reg, cfg.Calls.MaxConcurrentCalls, nil)
	orch := New(Params{
		Config: cfg, Admission: ctrl, Registry: reg, Pool: pool.New(1),
		Dialer: &fakeDialer{}, Sink: nullSink{},
		InferDial: func(context.Context, session.CallSession) (bridge.InferenceConn, error) {
			return newFakeInferConn(), nil
		},
	})

	twiml, res := orch.HandleInboundCall(context.Background(), carrier.InboundVoiceForm{
		CallID: "CA555", From: "+16175550000",
	})
	if res.Accepted {
		t.Fatal("unauthorized caller accepted")
	}
	if !strings.Contains(twiml, "Reject") {
		t.Fatalf("twiml = %q", twiml)
	}
}

// placeConnectedCall gets a session to Dialing with a call id, the
// state a session is in when its media stream arrives.
func (fx *fixture) placeConnectedCall(t *testing.T, sid string) session.CallSession {
	t.Helper()
	fx.dialer.sid = sid
	res := fx.orch.PlaceCall(context.Background(), "+16175554321", "")
	if !res.Accepted {
		t.Fatalf("place call: %+v", res)
	}
	return res.Session
}

func startFrame(callID string) []byte {
	return []byte(fmt.Sprintf(`{"event":"start","start":{"streamSid":"MZ1","callSid":"%s"}}`, callID))
}

func TestAttachStreamRunsCall(t *testing.T) {
	fx := newFixture(t)
	sess := fx.placeConnectedCall(t, "CA777")

	conn := newFakeCarrierConn()
	conn.in <- []byte(`{"event":"connected","protocol":"Call"}`)
	conn.in <- startFrame("CA777")

	done := make(chan error, 1)
	go func() { done <- fx.orch.AttachStream(context.Background(), conn) }()

	// Wait for the bridge to come up, then hang up from the carrier.
	deadline := time.Now().Add(3 * time.Second)
	for fx.orch.ActiveBridges() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if fx.orch.ActiveBridges() != 1 {
		t.Fatal("bridge never started")
	}
	conn.in <- []byte(`{"event":"stop"}`)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AttachStream: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("AttachStream did not return")
	}

	got, _ := fx.registry.Get(sess.ID)
	if got.State != session.StateCompleted {
		t.Fatalf("state = %q, want completed", got.State)
	}
	if fx.orch.ActiveBridges() != 0 {
		t.Fatal("bridge not deregistered")
	}
	if fx.pool.InUse() != 0 {
		t.Fatalf("pool in use = %d", fx.pool.InUse())
	}
}

func TestAttachStreamUnknownCall(t *testing.T) {
	fx := newFixture(t)

	conn := newFakeCarrierConn()
	conn.in <- startFrame("CA404")

	err := fx.orch.AttachStream(context.Background(), conn)
	if !errors.Is(err, ErrUnknownCall) {
		t.Fatalf("err = %v, want ErrUnknownCall", err)
	}
}

func TestAttachStreamNoStartFrame(t *testing.T) {
	fx := newFixture(t)

	conn := newFakeCarrierConn()
	conn.Close()

	err := fx.orch.AttachStream(context.Background(), conn)
	if !errors.Is(err, ErrNoStartFrame) {
		t.Fatalf("err = %v, want ErrNoStartFrame", err)
	}
}

func TestAttachStreamPoolExhausted(t *testing.T) {
	fx := newFixture(t)
	sess := fx.placeConnectedCall(t, "CA777")

	// Drain the pool first.
	var leases []*pool.Lease
	for i := 0; i < fx.pool.Cap(); i++ {
		l, err := fx.pool.Acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		leases = append(leases, l)
	}
	defer func() {
		for _, l := range leases {
			l.Release()
		}
	}()

	conn := newFakeCarrierConn()
	conn.in <- startFrame("CA777")

	if err := fx.orch.AttachStream(context.Background(), conn); !errors.Is(err, pool.ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	got, _ := fx.registry.Get(sess.ID)
	if got.State != session.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
}

func TestAttachStreamInferenceDialFailure(t *testing.T) {
	fx := newFixture(t)
	sess := fx.placeConnectedCall(t, "CA777")
	fx.inferErr = errors.New("handshake timed out")

	conn := newFakeCarrierConn()
	conn.in <- startFrame("CA777")

	if err := fx.orch.AttachStream(context.Background(), conn); err == nil {
		t.Fatal("expected error")
	}
	got, _ := fx.registry.Get(sess.ID)
	if got.State != session.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if fx.pool.InUse() != 0 {
		t.Fatalf("pool in use = %d, lease leaked", fx.pool.InUse())
	}
}

func TestStatusCallbackSettlesDialingSession(t *testing.T) {
	fx := newFixture(t)
	sess := fx.placeConnectedCall(t, "CA777")

	// Busy: the callee never picked up.
	fx.orch.HandleStatusCallback(carrier.StatusCallbackForm{CallID: "CA777", CallStatus: carrier.StatusBusy})
	got, _ := fx.registry.Get(sess.ID)
	if got.State != session.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if !strings.Contains(got.LastError, "busy") {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestStatusCallbackCompletedBeforeMedia(t *testing.T) {
	fx := newFixture(t)
	sess := fx.placeConnectedCall(t, "CA777")

	fx.orch.HandleStatusCallback(carrier.StatusCallbackForm{CallID: "CA777", CallStatus: carrier.StatusCompleted})
	got, _ := fx.registry.Get(sess.ID)
	if got.State != session.StateFailed {
		t.Fatalf("state = %q, want failed", got.State)
	}
	if !strings.Contains(got.LastError, "before media stream") {
		t.Fatalf("last error = %q", got.LastError)
	}
}

func TestStatusCallbackIgnoresTerminalAndUnknown(t *testing.T) {
	fx := newFixture(t)
	sess := fx.placeConnectedCall(t, "CA777")
	fx.registry.Transition(sess.ID, session.StateFailed, session.WithError("already failed"))

	fx.orch.HandleStatusCallback(carrier.StatusCallbackForm{CallID: "CA777", CallStatus: carrier.StatusCompleted})
	got, _ := fx.registry.Get(sess.ID)
	if got.LastError != "already failed" {
		t.Fatalf("terminal session mutated: %+v", got)
	}

	// Unknown call id: no panic, no effect.
	fx.orch.HandleStatusCallback(carrier.StatusCallbackForm{CallID: "CA404", CallStatus: carrier.StatusCompleted})

	// Non-terminal statuses are informational.
	sess2 := fx.placeConnectedCall(t, "CA888")
	fx.orch.HandleStatusCallback(carrier.StatusCallbackForm{CallID: "CA888", CallStatus: "ringing"})
	got2, _ := fx.registry.Get(sess2.ID)
	if got2.State != session.StateDialing {
		t.Fatalf("ringing status changed state to %q", got2.State)
	}
}

func TestShutdownDrainsBridges(t *testing.T) {
	fx := newFixture(t)
	fx.placeConnectedCall(t, "CA777")

	conn := newFakeCarrierConn()
	conn.in <- startFrame("CA777")

	done := make(chan error, 1)
	go func() { done <- fx.orch.AttachStream(context.Background(), conn) }()

	deadline := time.Now().Add(3 * time.Second)
	for fx.orch.ActiveBridges() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := fx.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not exit after shutdown")
	}
	if fx.pool.InUse() != 0 {
		t.Fatalf("pool in use = %d", fx.pool.InUse())
	}
}

func TestSessionInstructions(t *testing.T) {
	cfg := config.CallsConfig{Persona: "Keep it short."}
	if got := SessionInstructions(cfg, "Ada"); got != "You are calling Ada. Keep it short." {
		t.Fatalf("got %q", got)
	}
	if got := SessionInstructions(cfg, ""); got != "Keep it short." {
		t.Fatalf("got %q", got)
	}
	if got := SessionInstructions(config.CallsConfig{}, ""); got != config.DefaultPersona {
		t.Fatalf("empty persona should fall back to default, got %q", got)
	}
}
