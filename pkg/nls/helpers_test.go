package nls

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
)

// fakeService is a minimal speech gateway. It answers start and stop
// commands with the matching events and records what it received.
type fakeService struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	// Behaviour knobs, set before the first request.
	holdStart  bool
	failStart  bool
	rejectCode int
	rejectBody string

	upgrades atomic.Int32
	starts   atomic.Int32
	audio    atomic.Int64

	mu     sync.Mutex
	tokens []string
}

func newFakeService(t *testing.T, secure bool) *fakeService {
	t.Helper()
	s := &fakeService{}
	if secure {
		s.srv = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	} else {
		s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	}
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeService) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/v1"
}

func (s *fakeService) seenTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

type serviceHeader struct {
	Name   string `json:"name"`
	TaskID string `json:"task_id"`
}

func (s *fakeService) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.tokens = append(s.tokens, r.Header.Get("X-NLS-Token"))
	s.mu.Unlock()

	if s.rejectCode != 0 {
		http.Error(w, s.rejectBody, s.rejectCode)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	s.upgrades.Add(1)

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			s.audio.Add(int64(len(data)))
			continue
		}

		var msg struct {
			Header serviceHeader `json:"header"`
		}
		if err := sonnet.Unmarshal(data, &msg); err != nil {
			return
		}
		switch msg.Header.Name {
		case "StartRecognition":
			s.starts.Add(1)
			switch {
			case s.holdStart:
			case s.failStart:
				_ = s.reply(ws, "TaskFailed", msg.Header.TaskID, 40000001, "bad parameter")
				return
			default:
				_ = s.reply(ws, "RecognitionStarted", msg.Header.TaskID, 20000000, "")
			}
		case "StopRecognition":
			_ = s.reply(ws, "RecognitionResultChanged", msg.Header.TaskID, 20000000, "")
			_ = s.reply(ws, "RecognitionCompleted", msg.Header.TaskID, 20000000, "")
		}
	}
}

func (s *fakeService) reply(ws *websocket.Conn, name, taskID string, status int, text string) error {
	out := map[string]interface{}{
		"header": map[string]interface{}{
			"name":        name,
			"task_id":     taskID,
			"status":      status,
			"status_text": text,
		},
		"payload": map[string]interface{}{
			"result": "hello world",
		},
	}
	b, err := sonnet.Marshal(out)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, b)
}

type countingResolver struct {
	calls atomic.Int32
	addrs []net.IPAddr
}

func (r *countingResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	r.calls.Add(1)
	return r.addrs, nil
}

func testConfig() *Config {
	cfg := NewConfig()
	cfg.Workers = 2
	cfg.TickInterval = 10 * time.Millisecond
	cfg.StartTimeout = 2 * time.Second
	cfg.StopTimeout = 2 * time.Second
	cfg.CloseTimeout = 500 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(NopLogger())}, opts...)
	e, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func recognitionRequest(url string) *Request {
	return &Request{
		Kind:         KindRecognition,
		URL:          url,
		Token:        "test-token",
		SampleRate:   16000,
		StartCommand: []byte(`{"header":{"name":"StartRecognition","task_id":"t-1"},"payload":{"format":"pcm"}}`),
		StopCommand:  []byte(`{"header":{"name":"StopRecognition","task_id":"t-1"}}`),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
