// Package orchestrator ties the call flow together: admission, the
// outbound dial, attaching the carrier media stream to a bridge, and
// status callbacks from the carrier.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"voicebridge/internal/admission"
	"voicebridge/internal/bridge"
	"voicebridge/internal/calllog"
	"voicebridge/internal/carrier"
	"voicebridge/internal/config"
	"voicebridge/internal/pool"
	"voicebridge/internal/session"
)

var (
	ErrUnknownCall  = errors.New("orchestrator: no session for call")
	ErrNoStartFrame = errors.New("orchestrator: media stream sent no start frame")
)

// Dialer places the outbound carrier call. *carrier.Dialer satisfies it.
type Dialer interface {
	Dial(ctx context.Context, req carrier.DialRequest) (carrier.DialResult, error)
}

// InferenceDialer opens one configured inference session for the given
// call. The session is passed so the dialer can build per-call
// instructions (the caller-name prefix). Wrapped in a func so tests can
// hand back fakes.
type InferenceDialer func(ctx context.Context, sess session.CallSession) (bridge.InferenceConn, error)

// Orchestrator owns the per-call flow from request to teardown.
type Orchestrator struct {
	cfg       config.Config
	admission *admission.Controller
	registry  *session.Registry
	pool      *pool.Pool
	dialer    Dialer
	inferDial InferenceDialer
	sink      calllog.Sink
	log       *slog.Logger

	mu      sync.Mutex
	bridges map[string]*bridge.Bridge
	done    map[string]chan struct{}
}

type Params struct {
	Config    config.Config
	Admission *admission.Controller
	Registry  *session.Registry
	Pool      *pool.Pool
	Dialer    Dialer
	InferDial InferenceDialer
	Sink      calllog.Sink
	Log       *slog.Logger
}

func New(p Params) *Orchestrator {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		cfg:       p.Config,
		admission: p.Admission,
		registry:  p.Registry,
		pool:      p.Pool,
		dialer:    p.Dialer,
		inferDial: p.InferDial,
		sink:      p.Sink,
		log:       log,
		bridges:   make(map[string]*bridge.Bridge),
		done:      make(map[string]chan struct{}),
	}
}

// PlaceCall runs admission and, when accepted, places the outbound
// dial. A dial failure moves the session straight to failed; admission
// rejections never create a session at all (except capacity and rate
// limits, which reject before creation too).
func (o *Orchestrator) PlaceCall(ctx context.Context, number, name string) admission.Result {
	res := o.admission.RequestCall(ctx, number, name)
	if !res.Accepted {
		return res
	}
	sess := res.Session

	twiml, err := carrier.ConnectStreamTwiML(o.cfg.MediaStreamURL())
	if err != nil {
		o.failDial(sess.ID, err)
		return res
	}
	dialRes, err := o.dialer.Dial(ctx, carrier.DialRequest{
		To:                number,
		TwiML:             twiml,
		StatusCallbackURL: o.statusCallbackURL(),
	})
	if err != nil {
		o.failDial(sess.ID, err)
		return res
	}

	o.registry.SetCallID(sess.ID, dialRes.CallID)
	o.snapshot(sess.ID)
	o.log.Info("outbound call placed",
		"session_id", sess.ID, "call_id", dialRes.CallID, "destination", number)
	o.sink.Log(calllog.Entry{
		SessionID:     sess.ID,
		CallID:        dialRes.CallID,
		Speaker:       calllog.SpeakerSystem,
		Kind:          calllog.KindSystemEvent,
		Text:          "outbound call placed",
		CorrelationID: dialRes.CallID,
	})

	if updated, ok := o.registry.Get(sess.ID); ok {
		res.Session = updated
	}
	return res
}

// failDial marks a session failed before any media ever flowed.
func (o *Orchestrator) failDial(sessionID string, err error) {
	o.log.Error("outbound dial failed", "session_id", sessionID, "err", err)
	o.registry.Transition(sessionID, session.StateFailed,
		session.WithError(fmt.Sprintf("dial failed: %v", err)))
	o.snapshot(sessionID)
}

// HandleInboundCall admits a caller dialing in to us. On acceptance the
// session is tied to the carrier call ID and the caller's media is
// routed to the stream endpoint; on rejection the carrier gets a busy.
func (o *Orchestrator) HandleInboundCall(ctx context.Context, form carrier.InboundVoiceForm) (string, admission.Result) {
	res := o.admission.RequestCall(ctx, form.From, form.CallerName)
	if !res.Accepted {
		twiml, _ := carrier.RejectTwiML()
		return twiml, res
	}
	o.registry.SetCallID(res.Session.ID, form.CallID)
	o.snapshot(res.Session.ID)

	twiml, err := carrier.ConnectStreamTwiML(o.cfg.MediaStreamURL())
	if err != nil {
		o.failDial(res.Session.ID, err)
		rej, _ := carrier.RejectTwiML()
		return rej, admission.Result{Reason: admission.ReasonCapacityExceeded}
	}
	o.log.Info("inbound call accepted", "session_id", res.Session.ID, "call_id", form.CallID, "from", form.From)
	return twiml, res
}

// AttachStream consumes a freshly upgraded media-stream socket: waits
// for the start frame, matches it to a session, acquires an inference
// slot, opens the inference session, and runs the bridge until the call
// ends. It blocks for the life of the call.
func (o *Orchestrator) AttachStream(ctx context.Context, conn bridge.CarrierConn) error {
	start, err := o.awaitStart(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	sess, ok := o.registry.GetByCallID(start.CallID)
	if !ok {
		_ = conn.Close()
		o.log.Warn("media stream for unknown call", "call_id", start.CallID)
		return fmt.Errorf("%w %q", ErrUnknownCall, start.CallID)
	}

	lease, err := o.pool.Acquire()
	if err != nil {
		_ = conn.Close()
		o.registry.Transition(sess.ID, session.StateFailed,
			session.WithError("inference connection pool exhausted"))
		o.snapshot(sess.ID)
		return err
	}

	infer, err := o.inferDial(ctx, sess)
	if err != nil {
		lease.Release()
		_ = conn.Close()
		o.registry.Transition(sess.ID, session.StateFailed,
			session.WithError(fmt.Sprintf("inference dial failed: %v", err)))
		o.snapshot(sess.ID)
		return err
	}

	if !o.registry.Transition(sess.ID, session.StateConnected) {
		lease.Release()
		_ = infer.Close()
		_ = conn.Close()
		return fmt.Errorf("orchestrator: session %s not eligible for media", sess.ID)
	}
	o.snapshot(sess.ID)

	b := bridge.New(bridge.Params{
		SessionID: sess.ID,
		StreamID:  start.StreamID,
		Carrier:   conn,
		Inference: infer,
		Registry:  o.registry,
		Lease:     lease,
		Sink:      o.sink,
		Log:       o.log,
	})

	done := make(chan struct{})
	o.mu.Lock()
	o.bridges[sess.ID] = b
	o.done[sess.ID] = done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.bridges, sess.ID)
		delete(o.done, sess.ID)
		o.mu.Unlock()
		close(done)
	}()

	b.Run()
	return nil
}

// awaitStart reads frames until the carrier's start event arrives. The
// connected preamble and anything else before start is skipped.
func (o *Orchestrator) awaitStart(conn bridge.CarrierConn) (carrier.StreamStart, error) {
	// A handful of frames is plenty; the start event is always early.
	for i := 0; i < 8; i++ {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return carrier.StreamStart{}, fmt.Errorf("%w: %v", ErrNoStartFrame, err)
		}
		ev, err := carrier.ParseFrame(data)
		if err != nil {
			continue
		}
		if start, ok := ev.(carrier.StreamStart); ok {
			if start.CallID == "" {
				return carrier.StreamStart{}, fmt.Errorf("%w: start frame missing call id", ErrNoStartFrame)
			}
			return start, nil
		}
	}
	return carrier.StreamStart{}, ErrNoStartFrame
}

// HandleStatusCallback applies a carrier status update. Terminal
// statuses settle sessions the media stream never reached; anything
// else is informational.
func (o *Orchestrator) HandleStatusCallback(form carrier.StatusCallbackForm) {
	sess, ok := o.registry.GetByCallID(form.CallID)
	if !ok {
		o.log.Debug("status callback for unknown call", "call_id", form.CallID, "status", form.CallStatus)
		return
	}
	o.log.Info("carrier status callback",
		"session_id", sess.ID, "call_id", form.CallID, "status", form.CallStatus)

	if !carrier.TerminalStatus(form.CallStatus) || sess.State.Terminal() {
		return
	}
	if form.Failure() {
		msg := "carrier reported " + form.CallStatus
		if form.ErrorMessage != "" {
			msg += ": " + form.ErrorMessage
		}
		o.registry.Transition(sess.ID, session.StateFailed, session.WithError(msg))
	} else if !o.registry.Transition(sess.ID, session.StateCompleted) {
		// Completed while still dialing: the call ended before the
		// media stream ever connected.
		o.registry.Transition(sess.ID, session.StateFailed,
			session.WithError("call ended before media stream connected"))
	}
	o.snapshot(sess.ID)
}

// ActiveBridges reports how many calls are currently relaying.
func (o *Orchestrator) ActiveBridges() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bridges)
}

// Shutdown hangs up every live bridge and waits for them to drain, up
// to the context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	waits := make([]chan struct{}, 0, len(o.done))
	for id, b := range o.bridges {
		o.log.Info("stopping bridge for shutdown", "session_id", id)
		b.Stop()
		waits = append(waits, o.done[id])
	}
	o.mu.Unlock()

	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (o *Orchestrator) statusCallbackURL() string {
	if o.cfg.App.PublicDomain == "" {
		return ""
	}
	return fmt.Sprintf("https://%s/webhooks/carrier/status", o.cfg.App.PublicDomain)
}

func (o *Orchestrator) snapshot(sessionID string) {
	if snap, ok := o.registry.Get(sessionID); ok {
		o.sink.CallUpdated(snap)
	}
}

// SessionInstructions builds the per-call instruction set, prefixing
// the callee's name when known.
func SessionInstructions(cfg config.CallsConfig, name string) string {
	persona := cfg.Persona
	if persona == "" {
		persona = config.DefaultPersona
	}
	if name != "" {
		return fmt.Sprintf("You are calling %s. %s", name, persona)
	}
	return persona
}
