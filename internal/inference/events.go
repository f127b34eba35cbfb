// Package inference is the client for the speech-to-speech realtime
// API: websocket dial and handshake, session configuration, audio
// append, response cancellation, and the server event stream.
package inference

import (
	"encoding/json"
	"fmt"
)

// Server event type names as they appear on the wire.
const (
	typeSessionCreated         = "session.created"
	typeSessionUpdated         = "session.updated"
	typeResponseAudioDelta     = "response.audio.delta"
	typeResponseDone           = "response.done"
	typeTranscriptDelta        = "response.audio_transcript.delta"
	typeSpeechStarted          = "input_audio_buffer.speech_started"
	typeSpeechStopped          = "input_audio_buffer.speech_stopped"
	typeInputTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	typeError                  = "error"
)

// Event is one decoded server event. The concrete types below are the
// full set the bridge reacts to; everything else decodes to
// UnknownEvent so new server event types never break the relay.
type Event interface {
	eventType() string
}

// SessionCreated is the first event after connect; the handshake waits
// for it before the session is configured.
type SessionCreated struct{}

// SessionUpdated acknowledges our session.update.
type SessionUpdated struct{}

// AudioDelta carries one chunk of synthesized speech, base64 G.711
// mu-law, tagged with the response it belongs to.
type AudioDelta struct {
	ResponseID string
	Delta      string
}

// ResponseDone marks the end of one model response.
type ResponseDone struct {
	ResponseID string
}

// TranscriptDelta is the incremental text transcript of the model's
// spoken response.
type TranscriptDelta struct {
	ResponseID string
	Delta      string
}

// SpeechStarted fires when server-side VAD detects the caller talking.
// This is the barge-in trigger.
type SpeechStarted struct{}

// SpeechStopped fires when the caller stops talking; one user turn.
type SpeechStopped struct{}

// InputTranscription is the completed transcription of a user turn.
type InputTranscription struct {
	Transcript string
}

// ServerError is a non-fatal error report from the API.
type ServerError struct {
	Code    string
	Message string
}

// UnknownEvent preserves the raw payload of event types we do not
// handle. The bridge logs and ignores these.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (SessionCreated) eventType() string     { return typeSessionCreated }
func (SessionUpdated) eventType() string     { return typeSessionUpdated }
func (AudioDelta) eventType() string         { return typeResponseAudioDelta }
func (ResponseDone) eventType() string       { return typeResponseDone }
func (TranscriptDelta) eventType() string    { return typeTranscriptDelta }
func (SpeechStarted) eventType() string      { return typeSpeechStarted }
func (SpeechStopped) eventType() string      { return typeSpeechStopped }
func (InputTranscription) eventType() string { return typeInputTranscriptionDone }
func (ServerError) eventType() string        { return typeError }
func (u UnknownEvent) eventType() string     { return u.Type }

type rawEvent struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Response   *struct {
		ID string `json:"id"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// DecodeEvent maps one server message to its Event.
func DecodeEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("inference: decode event: %w", err)
	}
	switch raw.Type {
	case typeSessionCreated:
		return SessionCreated{}, nil
	case typeSessionUpdated:
		return SessionUpdated{}, nil
	case typeResponseAudioDelta:
		return AudioDelta{ResponseID: raw.ResponseID, Delta: raw.Delta}, nil
	case typeResponseDone:
		id := raw.ResponseID
		if id == "" && raw.Response != nil {
			id = raw.Response.ID
		}
		return ResponseDone{ResponseID: id}, nil
	case typeTranscriptDelta:
		return TranscriptDelta{ResponseID: raw.ResponseID, Delta: raw.Delta}, nil
	case typeSpeechStarted:
		return SpeechStarted{}, nil
	case typeSpeechStopped:
		return SpeechStopped{}, nil
	case typeInputTranscriptionDone:
		return InputTranscription{Transcript: raw.Transcript}, nil
	case typeError:
		e := ServerError{}
		if raw.Error != nil {
			e.Code = raw.Error.Code
			e.Message = raw.Error.Message
		}
		return e, nil
	default:
		return UnknownEvent{Type: raw.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
