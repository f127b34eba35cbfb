// Package bridge runs one live call: two relay loops shuttling audio
// between the carrier media stream and the inference session, barge-in
// handling, and exactly-once teardown.
package bridge

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"voicebridge/internal/calllog"
	"voicebridge/internal/carrier"
	"voicebridge/internal/inference"
	"voicebridge/internal/pool"
	"voicebridge/internal/session"
)

// CarrierConn is the carrier-side websocket surface the bridge needs.
// *websocket.Conn satisfies it; tests swap in their own.
type CarrierConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// InferenceConn is the inference-side surface, satisfied by
// *inference.Client.
type InferenceConn interface {
	ReadEvent() (inference.Event, error)
	AppendAudio(payload string) error
	CancelResponse() error
	Close() error
}

// Params wires one bridge. All fields are required except Log.
type Params struct {
	SessionID string
	StreamID  string

	Carrier   CarrierConn
	Inference InferenceConn
	Registry  *session.Registry
	Lease     *pool.Lease
	Sink      calllog.Sink
	Log       *slog.Logger
}

// Bridge relays one call. The carrier loop reads media frames and
// appends them to the inference input buffer in arrival order; the
// inference loop reads server events and writes synthesized audio back
// to the carrier. Either loop exiting tears the whole call down.
type Bridge struct {
	sessionID string
	streamID  string

	carrier  CarrierConn
	infer    InferenceConn
	registry *session.Registry
	lease    *pool.Lease
	sink     calllog.Sink
	log      *slog.Logger

	// carrierWriteMu serializes writes to the carrier socket: media
	// deltas and the barge-in clear frame both originate in the
	// inference loop, but teardown can race with them.
	carrierWriteMu sync.Mutex

	// mu guards the barge-in state below.
	mu                 sync.Mutex
	activeResponseID   string
	canceledResponseID string
	transcript         strings.Builder

	teardownOnce sync.Once
	carrierDone  bool // carrier sent stop: normal hangup
	doneMu       sync.Mutex
}

func New(p Params) *Bridge {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		sessionID: p.SessionID,
		streamID:  p.StreamID,
		carrier:   p.Carrier,
		infer:     p.Inference,
		registry:  p.Registry,
		lease:     p.Lease,
		sink:      p.Sink,
		log:       log.With("session_id", p.SessionID, "stream_id", p.StreamID),
	}
}

// Run relays until one side ends the call, then blocks until teardown
// finishes. The session must be in the connected state on entry.
func (b *Bridge) Run() {
	if !b.registry.Transition(b.sessionID, session.StateStreaming) {
		b.log.Error("session not eligible for streaming, aborting bridge")
		b.teardown("session not eligible for streaming")
		return
	}
	b.snapshot()
	b.sink.Log(calllog.Entry{
		SessionID: b.sessionID,
		Speaker:   calllog.SpeakerSystem,
		Kind:      calllog.KindSystemEvent,
		Text:      "call connected",
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.inferenceLoop()
	}()
	b.carrierLoop()
	wg.Wait()
}

// carrierLoop reads carrier frames and forwards audio inbound. Frames
// are appended in the order they arrive; there is no reordering buffer.
func (b *Bridge) carrierLoop() {
	for {
		_, data, err := b.carrier.ReadMessage()
		if err != nil {
			b.teardown("carrier stream read failed: " + err.Error())
			return
		}
		ev, err := carrier.ParseFrame(data)
		if err != nil {
			// Unknown or malformed frames are skipped, never fatal.
			b.log.Debug("skipping carrier frame", "err", err)
			continue
		}
		switch ev := ev.(type) {
		case nil:
			// connected preamble
		case carrier.MediaChunk:
			if err := b.infer.AppendAudio(ev.Payload); err != nil {
				b.teardown("inference write failed: " + err.Error())
				return
			}
		case carrier.StreamStop:
			b.doneMu.Lock()
			b.carrierDone = true
			b.doneMu.Unlock()
			b.teardown("")
			return
		case carrier.StreamStart, carrier.Mark:
			// start was consumed before the bridge launched; a
			// duplicate is harmless. Marks are acks, nothing to do.
		}
	}
}

// inferenceLoop reads server events and forwards synthesized audio to
// the carrier, handling barge-in and per-call counters.
func (b *Bridge) inferenceLoop() {
	for {
		ev, err := b.infer.ReadEvent()
		if err != nil {
			b.teardown("inference stream read failed: " + err.Error())
			return
		}
		switch ev := ev.(type) {
		case inference.AudioDelta:
			if !b.admitDelta(ev.ResponseID) {
				continue
			}
			frame, err := carrier.EncodeMedia(b.streamID, ev.Delta)
			if err != nil {
				b.log.Error("encode media frame", "err", err)
				continue
			}
			if err := b.writeCarrier(frame); err != nil {
				b.teardown("carrier write failed: " + err.Error())
				return
			}
		case inference.SpeechStarted:
			b.handleBargeIn()
		case inference.SpeechStopped:
			b.registry.IncrementUserTurns(b.sessionID)
			b.snapshot()
		case inference.TranscriptDelta:
			b.appendTranscript(ev.ResponseID, ev.Delta)
		case inference.ResponseDone:
			b.finishResponse(ev.ResponseID)
		case inference.InputTranscription:
			if ev.Transcript != "" {
				b.sink.Log(calllog.Entry{
					SessionID: b.sessionID,
					Speaker:   calllog.SpeakerUser,
					Kind:      calllog.KindText,
					Text:      ev.Transcript,
				})
			}
		case inference.ServerError:
			b.log.Error("inference server error", "code", ev.Code, "message", ev.Message)
			b.sink.Log(calllog.Entry{
				SessionID: b.sessionID,
				Speaker:   calllog.SpeakerSystem,
				Kind:      calllog.KindError,
				Text:      ev.Message,
			})
		case inference.SessionCreated, inference.SessionUpdated:
			// handshake residue
		case inference.UnknownEvent:
			b.log.Debug("ignoring inference event", "type", ev.Type)
		}
	}
}

// admitDelta decides whether an audio delta may reach the carrier. A
// delta belonging to a canceled response is dropped; any other delta
// marks its response as the active one.
func (b *Bridge) admitDelta(responseID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if responseID != "" && responseID == b.canceledResponseID {
		return false
	}
	if responseID != "" {
		b.activeResponseID = responseID
	}
	return true
}

// handleBargeIn runs when server VAD hears the caller over the model.
// The in-flight response is canceled, its remaining deltas are dropped,
// and the carrier's playback buffer is flushed so the caller stops
// hearing stale audio.
func (b *Bridge) handleBargeIn() {
	b.mu.Lock()
	active := b.activeResponseID
	if active == "" {
		b.mu.Unlock()
		return
	}
	b.canceledResponseID = active
	b.activeResponseID = ""
	b.transcript.Reset()
	b.mu.Unlock()

	if err := b.infer.CancelResponse(); err != nil {
		b.log.Warn("cancel response", "err", err)
	}
	if frame, err := carrier.EncodeClear(b.streamID); err == nil {
		if err := b.writeCarrier(frame); err != nil {
			b.log.Warn("send clear frame", "err", err)
		}
	}
	b.log.Info("barge-in, truncated response", "response_id", active)
	b.sink.Log(calllog.Entry{
		SessionID:     b.sessionID,
		Speaker:       calllog.SpeakerSystem,
		Kind:          calllog.KindAudioEvent,
		Text:          "response truncated by caller",
		CorrelationID: active,
	})
}

func (b *Bridge) appendTranscript(responseID, delta string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if responseID != "" && responseID == b.canceledResponseID {
		return
	}
	b.transcript.WriteString(delta)
}

// finishResponse closes out one model response: counts it unless it
// was canceled mid-flight, and flushes the accumulated transcript.
func (b *Bridge) finishResponse(responseID string) {
	b.mu.Lock()
	canceled := responseID != "" && responseID == b.canceledResponseID
	if responseID == b.canceledResponseID {
		b.canceledResponseID = ""
	}
	if responseID == b.activeResponseID {
		b.activeResponseID = ""
	}
	text := b.transcript.String()
	b.transcript.Reset()
	b.mu.Unlock()

	if canceled {
		return
	}
	b.registry.IncrementAIResponses(b.sessionID)
	if text != "" {
		b.sink.Log(calllog.Entry{
			SessionID:     b.sessionID,
			Speaker:       calllog.SpeakerAI,
			Kind:          calllog.KindText,
			Text:          text,
			CorrelationID: responseID,
		})
	}
	b.snapshot()
}

func (b *Bridge) writeCarrier(frame []byte) error {
	b.carrierWriteMu.Lock()
	defer b.carrierWriteMu.Unlock()
	return b.carrier.WriteMessage(websocket.TextMessage, frame)
}

// teardown runs exactly once no matter how many paths hit it: closes
// both sockets, releases the connection lease, and moves the session to
// its terminal state. A carrier stop means a normal hangup; everything
// else is a failure with the first reason recorded.
func (b *Bridge) teardown(reason string) {
	b.teardownOnce.Do(func() {
		b.doneMu.Lock()
		normal := b.carrierDone
		b.doneMu.Unlock()

		_ = b.carrier.Close()
		_ = b.infer.Close()
		b.lease.Release()

		if normal || reason == "" {
			b.registry.Transition(b.sessionID, session.StateCompleted)
			b.log.Info("call completed")
		} else {
			b.registry.Transition(b.sessionID, session.StateFailed, session.WithError(reason))
			b.log.Warn("call failed", "reason", reason)
		}
		b.snapshot()
		b.sink.Log(calllog.Entry{
			SessionID: b.sessionID,
			Speaker:   calllog.SpeakerSystem,
			Kind:      calllog.KindSystemEvent,
			Text:      "call ended",
		})
	})
}

// Stop force-ends the call, used on server shutdown. Closing the
// carrier socket unblocks both loops; teardown marks the session
// completed because the hangup came from us, not a failure.
func (b *Bridge) Stop() {
	b.doneMu.Lock()
	b.carrierDone = true
	b.doneMu.Unlock()
	_ = b.carrier.Close()
}

func (b *Bridge) snapshot() {
	if snap, ok := b.registry.Get(b.sessionID); ok {
		b.sink.CallUpdated(snap)
	}
}
