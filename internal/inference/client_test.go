package inference

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"voicebridge/internal/config"
)

var upgrader = websocket.Upgrader{}

// fakeRealtime runs a websocket server that plays the realtime API's
// side of the handshake and hands the connection to the test.
func fakeRealtime(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, srv *httptest.Server) (*Client, error) {
	t.Helper()
	return Dial(context.Background(),
		config.InferenceConfig{APIKey: "sk-test", RealtimeURL: wsURL(srv)},
		SessionConfig{Voice: "sage", Instructions: "Be brief."},
		2*time.Second)
}

func TestDialHandshake(t *testing.T) {
	gotUpdate := make(chan map[string]any, 1)
	srv := fakeRealtime(t, func(conn *websocket.Conn, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if beta := r.Header.Get("OpenAI-Beta"); beta != "realtime=v1" {
			t.Errorf("OpenAI-Beta = %q", beta)
		}
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`)); err != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var update map[string]any
		_ = json.Unmarshal(data, &update)
		gotUpdate <- update
	})

	c, err := dialTest(t, srv)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case update := <-gotUpdate:
		if update["type"] != "session.update" {
			t.Fatalf("first client message type = %v", update["type"])
		}
		sess := update["session"].(map[string]any)
		if sess["voice"] != "sage" || sess["instructions"] != "Be brief." {
			t.Errorf("session = %v", sess)
		}
		if sess["input_audio_format"] != "g711_ulaw" || sess["output_audio_format"] != "g711_ulaw" {
			t.Errorf("audio formats = %v / %v", sess["input_audio_format"], sess["output_audio_format"])
		}
		td := sess["turn_detection"].(map[string]any)
		if td["type"] != "server_vad" {
			t.Errorf("turn detection = %v", td)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received session.update")
	}
}

func TestDialHandshakeTimeout(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn, _ *http.Request) {
		// Accept the socket but never send session.created.
		time.Sleep(500 * time.Millisecond)
	})

	_, err := Dial(context.Background(),
		config.InferenceConfig{APIKey: "sk-test", RealtimeURL: wsURL(srv)},
		SessionConfig{Voice: "sage"},
		100*time.Millisecond)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
}

func TestDialHandshakeRejected(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"error","error":{"code":"invalid_api_key","message":"bad key"}}`))
	})

	_, err := dialTest(t, srv)
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("err = %v, want handshake rejection", err)
	}
}

func TestDialSkipsEventsBeforeSessionCreated(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcription_session.created"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()
}

func TestAppendAudioAndCancel(t *testing.T) {
	got := make(chan map[string]any, 4)
	srv := fakeRealtime(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(data, &m)
			got <- m
		}
	})

	c, err := dialTest(t, srv)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	recv := func() map[string]any {
		select {
		case m := <-got:
			return m
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for client message")
			return nil
		}
	}

	if m := recv(); m["type"] != "session.update" {
		t.Fatalf("first message = %v", m["type"])
	}

	if err := c.AppendAudio("//7+"); err != nil {
		t.Fatalf("AppendAudio: %v", err)
	}
	m := recv()
	if m["type"] != "input_audio_buffer.append" || m["audio"] != "//7+" {
		t.Fatalf("append = %v", m)
	}

	if err := c.CancelResponse(); err != nil {
		t.Fatalf("CancelResponse: %v", err)
	}
	if m := recv(); m["type"] != "response.cancel" {
		t.Fatalf("cancel = %v", m)
	}
}

func TestReadEventStream(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		_, _, _ = conn.ReadMessage() // session.update
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"response.audio.delta","response_id":"resp_1","delta":"AAAA"}`))
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"response.done","response":{"id":"resp_1"}}`))
	})

	c, err := dialTest(t, srv)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ev, err := c.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if d, ok := ev.(AudioDelta); !ok || d.Delta != "AAAA" {
		t.Fatalf("first event = %#v", ev)
	}

	ev, err = c.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if d, ok := ev.(ResponseDone); !ok || d.ResponseID != "resp_1" {
		t.Fatalf("second event = %#v", ev)
	}
}

func TestReadEventAfterServerClose(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	// The handler returns after session.update, closing the socket.
	for {
		_, err := c.ReadEvent()
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				t.Fatalf("err = %v, want ErrClosed", err)
			}
			return
		}
	}
}

func TestCloseIdempotent(t *testing.T) {
	srv := fakeRealtime(t, func(conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session.created"}`))
		_, _, _ = conn.ReadMessage()
	})

	c, err := dialTest(t, srv)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	c.Close()
	c.Close()
}
