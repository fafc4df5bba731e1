package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/examflow/internal/protocol"
)

type recordingHandler struct {
	mu     sync.Mutex
	frames []protocol.Frame
	closes int
	closed chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan error, 2)}
}

func (h *recordingHandler) HandleFrame(f protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *recordingHandler) HandleClose(err error) {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	h.closed <- err
}

func (h *recordingHandler) snapshot() ([]protocol.Frame, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.Frame(nil), h.frames...), h.closes
}

var upgrader = websocket.Upgrader{}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func writeFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Errorf("encode failed: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("write failed: %v", err)
	}
}

func TestDialSendsParamsAndDeliversFramesInOrder(t *testing.T) {
	submitted := make(chan map[string]interface{}, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != WorkflowPath {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("examId") != "7" || r.URL.Query().Get("userId") != "42" {
			http.Error(w, "bad params", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		writeFrame(t, conn, protocol.SessionCreated{SessionID: "abc"})
		writeFrame(t, conn, protocol.Status{Step: "Login", Progress: 10})
		writeFrame(t, conn, protocol.RequestOTP{})

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("server read failed: %v", err)
			return
		}
		var msg map[string]interface{}
		json.Unmarshal(data, &msg)
		submitted <- msg

		writeFrame(t, conn, protocol.Result{Success: true, Message: "Registered"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	}))
	defer ts.Close()

	h := newRecordingHandler()
	ch, err := NewWebSocketDialer(wsURL(ts.URL)).Dial(context.Background(), Params{ExamID: "7", UserID: "42", Token: "secret"}, h)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(protocol.SubmitOTP{Value: "123456"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-submitted:
		if msg["type"] != "submit-otp" || msg["value"] != "123456" {
			t.Errorf("Unexpected submitted frame: %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received submit-otp")
	}

	select {
	case err := <-h.closed:
		if err != nil {
			t.Errorf("Expected orderly close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleClose was not called")
	}

	frames, closes := h.snapshot()
	wantTypes := []protocol.Type{protocol.TypeSessionCreated, protocol.TypeStatus, protocol.TypeRequestOTP, protocol.TypeResult}
	if len(frames) != len(wantTypes) {
		t.Fatalf("Expected %d frames, got %d", len(wantTypes), len(frames))
	}
	for i, f := range frames {
		if f.FrameType() != wantTypes[i] {
			t.Errorf("frame %d: expected %s, got %s", i, wantTypes[i], f.FrameType())
		}
	}
	if closes != 1 {
		t.Errorf("Expected exactly one HandleClose, got %d", closes)
	}
}

func TestDialUnauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	_, err := NewWebSocketDialer(wsURL(ts.URL)).Dial(context.Background(), Params{ExamID: "1", UserID: "1"}, newRecordingHandler())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("Expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestDialUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts.URL)
	ts.Close()

	_, err := NewWebSocketDialer(url).Dial(context.Background(), Params{ExamID: "1", UserID: "1"}, newRecordingHandler())
	if err == nil {
		t.Fatal("Expected dial error for closed server")
	}
}

func TestCloseIsIdempotentAndSendAfterCloseFails(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	h := newRecordingHandler()
	ch, err := NewWebSocketDialer(wsURL(ts.URL)).Dial(context.Background(), Params{ExamID: "1", UserID: "1"}, h)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Errorf("first Close returned %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}

	if err := ch.Send(protocol.SubmitOTP{Value: "1"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	select {
	case err := <-h.closed:
		if err != nil {
			t.Errorf("Expected nil close error after local Close, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleClose was not called after Close")
	}
}
