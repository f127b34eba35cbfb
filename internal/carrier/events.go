// Package carrier is the adapter boundary to the telephony provider:
// the media-stream websocket framing, the outbound dial REST call, the
// TwiML we answer webhooks with, and the status callback forms.
//
// Nothing above this package sees provider wire formats.
package carrier

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Media-stream event names as they appear on the wire.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

var ErrUnknownEvent = errors.New("carrier: unknown media-stream event")

// StreamStart carries the identifiers the carrier assigns when the
// bidirectional stream opens. CallID is the provider call SID, the same
// value the dial API returned.
type StreamStart struct {
	StreamID string
	CallID   string
}

// MediaChunk is one inbound audio frame. Payload stays base64-encoded
// G.711 mu-law; the relay never decodes audio.
type MediaChunk struct {
	Payload   string
	Timestamp string
}

// StreamStop signals the carrier ended the stream (hangup or error on
// the telephony side).
type StreamStop struct{}

// Mark is the carrier's acknowledgement of a mark frame we sent.
type Mark struct {
	Name string
}

type frame struct {
	Event          string `json:"event"`
	SequenceNumber string `json:"sequenceNumber,omitempty"`
	Start          *struct {
		StreamSid string `json:"streamSid"`
		CallSid   string `json:"callSid"`
	} `json:"start,omitempty"`
	Media *struct {
		Payload   string `json:"payload"`
		Timestamp string `json:"timestamp"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
	StreamSid string `json:"streamSid,omitempty"`
}

// ParseFrame decodes one inbound websocket message from the carrier.
// The "connected" preamble decodes to nil so callers can skip it.
// Unrecognized events return ErrUnknownEvent with the name attached;
// the carrier adds event types without notice and the relay must not
// die on them.
func ParseFrame(data []byte) (any, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("carrier: decode media-stream frame: %w", err)
	}
	switch f.Event {
	case EventConnected:
		return nil, nil
	case EventStart:
		if f.Start == nil {
			return nil, errors.New("carrier: start frame missing start block")
		}
		return StreamStart{StreamID: f.Start.StreamSid, CallID: f.Start.CallSid}, nil
	case EventMedia:
		if f.Media == nil {
			return nil, errors.New("carrier: media frame missing media block")
		}
		return MediaChunk{Payload: f.Media.Payload, Timestamp: f.Media.Timestamp}, nil
	case EventStop:
		return StreamStop{}, nil
	case EventMark:
		var name string
		if f.Mark != nil {
			name = f.Mark.Name
		}
		return Mark{Name: name}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

type outboundMedia struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// EncodeMedia builds an outbound audio frame for the given stream.
func EncodeMedia(streamID, payload string) ([]byte, error) {
	if streamID == "" {
		return nil, errors.New("carrier: media frame requires a stream id")
	}
	m := outboundMedia{Event: EventMedia, StreamSid: streamID}
	m.Media.Payload = payload
	return json.Marshal(m)
}

// EncodeClear builds the frame that flushes the carrier's playback
// buffer. Sent on barge-in so the caller stops hearing audio we have
// already shipped.
func EncodeClear(streamID string) ([]byte, error) {
	if streamID == "" {
		return nil, errors.New("carrier: clear frame requires a stream id")
	}
	return json.Marshal(struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
	}{Event: EventClear, StreamSid: streamID})
}

// EncodeMark builds a named mark frame. The carrier echoes it back once
// all audio queued before it has played out.
func EncodeMark(streamID, name string) ([]byte, error) {
	if streamID == "" {
		return nil, errors.New("carrier: mark frame requires a stream id")
	}
	return json.Marshal(struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Mark      struct {
			Name string `json:"name"`
		} `json:"mark"`
	}{
		Event:     EventMark,
		StreamSid: streamID,
		Mark: struct {
			Name string `json:"name"`
		}{Name: name},
	})
}
