package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"voicebridge/internal/config"
)

var (
	ErrHandshakeTimeout = errors.New("inference: handshake timed out")
	ErrClosed           = errors.New("inference: connection closed")
)

// SessionConfig is what we configure the realtime session with after
// the handshake. Audio formats are fixed to G.711 mu-law because that
// is what the carrier media stream speaks.
type SessionConfig struct {
	Voice        string
	Instructions string
}

type sessionUpdate struct {
	Type    string `json:"type"`
	Session struct {
		TurnDetection struct {
			Type string `json:"type"`
		} `json:"turn_detection"`
		InputAudioFormat  string   `json:"input_audio_format"`
		OutputAudioFormat string   `json:"output_audio_format"`
		Voice             string   `json:"voice"`
		Instructions      string   `json:"instructions"`
		Modalities        []string `json:"modalities"`
		Temperature       float64  `json:"temperature"`
		InputAudioTranscription struct {
			Model string `json:"model"`
		} `json:"input_audio_transcription"`
	} `json:"session"`
}

func encodeSessionUpdate(cfg SessionConfig) ([]byte, error) {
	var u sessionUpdate
	u.Type = "session.update"
	u.Session.TurnDetection.Type = "server_vad"
	u.Session.InputAudioFormat = "g711_ulaw"
	u.Session.OutputAudioFormat = "g711_ulaw"
	u.Session.Voice = cfg.Voice
	u.Session.Instructions = cfg.Instructions
	u.Session.Modalities = []string{"text", "audio"}
	u.Session.Temperature = 0.8
	u.Session.InputAudioTranscription.Model = "whisper-1"
	return json.Marshal(u)
}

// Client is one realtime connection. Reads happen from a single
// goroutine (the bridge's inference relay); writes are serialized with
// a mutex because audio appends and cancellations race.
type Client struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Dial connects, waits for session.created within the timeout, and
// applies the session configuration. Anything short of a configured
// session is an error and the socket is torn down.
func Dial(ctx context.Context, cfg config.InferenceConfig, sess SessionConfig, handshakeTimeout time.Duration) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.RealtimeURL, header)
	if err != nil {
		return nil, fmt.Errorf("inference: dial: %w", err)
	}
	c := &Client{conn: conn}

	if err := c.awaitSessionCreated(handshakeTimeout); err != nil {
		c.Close()
		return nil, err
	}

	update, err := encodeSessionUpdate(sess)
	if err != nil {
		c.Close()
		return nil, err
	}
	if err := c.write(update); err != nil {
		c.Close()
		return nil, fmt.Errorf("inference: send session update: %w", err)
	}
	return c, nil
}

func (c *Client) awaitSessionCreated(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	_ = c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || websocket.IsUnexpectedCloseError(err) {
				return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
			}
			return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			continue
		}
		switch e := ev.(type) {
		case SessionCreated:
			return nil
		case ServerError:
			return fmt.Errorf("inference: handshake rejected: %s (%s)", e.Message, e.Code)
		default:
			// Anything else before session.created is ignored.
		}
	}
}

// AppendAudio forwards one base64 mu-law chunk into the input buffer.
func (c *Client) AppendAudio(payload string) error {
	msg, err := json.Marshal(struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}{Type: "input_audio_buffer.append", Audio: payload})
	if err != nil {
		return err
	}
	return c.write(msg)
}

// CancelResponse asks the server to stop the in-flight response. Sent
// on barge-in.
func (c *Client) CancelResponse() error {
	msg, err := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "response.cancel"})
	if err != nil {
		return err
	}
	return c.write(msg)
}

// ReadEvent blocks for the next server event. Returns ErrClosed once
// the connection is gone.
func (c *Client) ReadEvent() (Event, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return DecodeEvent(data)
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Close is safe to call from any goroutine and any number of times.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
