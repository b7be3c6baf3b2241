package nls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
)

func expectTypes(t *testing.T, rec *recorder, want ...EventType) {
	t.Helper()
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestStartStreamStop(t *testing.T) {
	svc := newFakeService(t, false)
	e := newTestEngine(t, testConfig())
	ctx := testContext(t)
	rec := &recorder{}

	s, err := e.Start(ctx, recognitionRequest(svc.url()), rec, WithWait())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := s.Status(); st != StatusStarted {
		t.Fatalf("status = %s, want started", st)
	}
	if err := s.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	expectTypes(t, rec, EventStarted, EventResultChanged, EventCompleted, EventClosed)
	if got := svc.audio.Load(); got != 640 {
		t.Fatalf("service received %d audio bytes, want 640", got)
	}
	if tokens := svc.seenTokens(); len(tokens) != 1 || tokens[0] != "test-token" {
		t.Fatalf("tokens = %v", tokens)
	}
	if s.Status() != StatusClosed || s.ExitStatus() != ExitStopped {
		t.Fatalf("status = %s exit = %s", s.Status(), s.ExitStatus())
	}
	if ev := rec.last(); ev.Message != closedMessage || ev.ConnID != s.ID() {
		t.Fatalf("unexpected closed event %+v", ev)
	}
	waitFor(t, "registry to drain", func() bool { return e.Connections() == 0 })
}

func TestStartOverTLS(t *testing.T) {
	svc := newFakeService(t, true)
	roots := x509.NewCertPool()
	roots.AddCert(svc.srv.Certificate())

	e := newTestEngine(t, testConfig(), WithTLSConfig(&tls.Config{RootCAs: roots}))
	ctx := testContext(t)
	rec := &recorder{}

	s, err := e.Start(ctx, recognitionRequest(svc.url()), rec, WithWait())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.SendAudio(make([]byte, 4096)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := svc.audio.Load(); got != 4096 {
		t.Fatalf("service received %d audio bytes, want 4096", got)
	}
	expectTypes(t, rec, EventStarted, EventResultChanged, EventCompleted, EventClosed)
}

func TestTLSUntrustedCertificateFails(t *testing.T) {
	svc := newFakeService(t, true)
	cfg := testConfig()
	cfg.MaxConnectRetries = 1
	e := newTestEngine(t, cfg)
	rec := &recorder{}

	s, err := e.Start(testContext(t), recognitionRequest(svc.url()), rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-s.Done()

	var nerr *Error
	if !errors.As(s.Err(), &nerr) || nerr.Code != ErrCodeConnectFailed {
		t.Fatalf("err = %v, want connect failure", s.Err())
	}
	if !errors.Is(nerr.Unwrap(), NewTLSError(nil)) {
		t.Fatalf("cause = %v, want tls failure", nerr.Unwrap())
	}
	expectTypes(t, rec, EventTaskFailed, EventClosed)
}

func TestConnectRetriesBounded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	res := &countingResolver{addrs: []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}}
	e := newTestEngine(t, testConfig(), WithResolver(res))
	rec := &recorder{}

	s, err := e.Start(testContext(t), recognitionRequest(fmt.Sprintf("ws://gateway.test:%d/ws/v1", port)), rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-s.Done()

	if !IsErrorCode(s.Err(), ErrCodeConnectFailed) {
		t.Fatalf("err = %v", s.Err())
	}
	if got := res.calls.Load(); got != 4 {
		t.Fatalf("resolver called %d times, want 4", got)
	}
	expectTypes(t, rec, EventTaskFailed, EventClosed)
	if ev := rec.events[0]; ev.Code != 10000015 {
		t.Fatalf("failure code = %d", ev.Code)
	}
	if st := s.Status(); st != StatusClosed {
		t.Fatalf("status = %s", st)
	}
}

func TestResolveFailureWithoutAddresses(t *testing.T) {
	res := &countingResolver{}
	cfg := testConfig()
	cfg.MaxConnectRetries = 2
	e := newTestEngine(t, cfg, WithResolver(res))

	s, err := e.Start(testContext(t), recognitionRequest("ws://nowhere.test/ws/v1"), nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-s.Done()

	var nerr *Error
	if !errors.As(s.Err(), &nerr) || nerr.Code != ErrCodeConnectFailed {
		t.Fatalf("err = %v", s.Err())
	}
	if !IsErrorCode(nerr.Unwrap(), ErrCodeDNSFailed) {
		t.Fatalf("cause = %v", nerr.Unwrap())
	}
	if got := res.calls.Load(); got != 2 {
		t.Fatalf("resolver called %d times, want 2", got)
	}
}

func TestHandshakeRejected(t *testing.T) {
	svc := newFakeService(t, false)
	svc.rejectCode = 403
	svc.rejectBody = "token invalid"
	e := newTestEngine(t, testConfig())
	rec := &recorder{}

	_, err := e.Start(testContext(t), recognitionRequest(svc.url()), rec, WithWait())

	var nerr *Error
	if !errors.As(err, &nerr) || nerr.Code != ErrCodeHandshakeFailed {
		t.Fatalf("err = %v, want handshake failure", err)
	}
	if !strings.Contains(nerr.Message, "token invalid") {
		t.Fatalf("message = %q", nerr.Message)
	}
	if status, _ := nerr.GetDetail("http_status"); status != 403 {
		t.Fatalf("http_status = %v", status)
	}
	expectTypes(t, rec, EventTaskFailed, EventClosed)
}

func TestStartTimeoutFails(t *testing.T) {
	svc := newFakeService(t, false)
	svc.holdStart = true
	cfg := testConfig()
	cfg.StartTimeout = 200 * time.Millisecond
	e := newTestEngine(t, cfg)
	rec := &recorder{}

	_, err := e.Start(testContext(t), recognitionRequest(svc.url()), rec, WithWait())
	if !IsErrorCode(err, ErrCodeStartTimeout) {
		t.Fatalf("err = %v, want start timeout", err)
	}
	expectTypes(t, rec, EventTaskFailed, EventClosed)
	if svc.starts.Load() != 1 {
		t.Fatalf("service saw %d start commands", svc.starts.Load())
	}
}

func TestServiceTaskFailure(t *testing.T) {
	svc := newFakeService(t, false)
	svc.failStart = true
	e := newTestEngine(t, testConfig())
	rec := &recorder{}

	_, err := e.Start(testContext(t), recognitionRequest(svc.url()), rec, WithWait())

	var nerr *Error
	if !errors.As(err, &nerr) || nerr.Code != ErrCodeTaskFailed {
		t.Fatalf("err = %v, want task failure", err)
	}
	if nerr.Status != 40000001 || nerr.Message != "bad parameter" {
		t.Fatalf("status = %d message = %q", nerr.Status, nerr.Message)
	}
	expectTypes(t, rec, EventTaskFailed, EventClosed)
}

func TestBufferFull(t *testing.T) {
	svc := newFakeService(t, false)
	svc.holdStart = true
	cfg := testConfig()
	cfg.Buffer8kLimit = 4096
	e := newTestEngine(t, cfg)
	rec := &recorder{}

	req := recognitionRequest(svc.url())
	req.SampleRate = 8000
	s, err := e.Start(testContext(t), req, rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.SendAudio(make([]byte, 4096)); err != nil {
		t.Fatalf("first SendAudio: %v", err)
	}
	if err := s.SendAudio([]byte{0}); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("second SendAudio = %v, want buffer full", err)
	}

	s.Cancel()
	<-s.Done()
	if err := s.Err(); err != nil {
		t.Fatalf("cancelled session err = %v", err)
	}
	if err := s.SendAudio([]byte{0}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("SendAudio after cancel = %v", err)
	}
	if n := len(rec.types()); n != 0 {
		t.Fatalf("cancelled session delivered %d events", n)
	}
}

func TestConcurrentStopAndCancel(t *testing.T) {
	svc := newFakeService(t, false)
	e := newTestEngine(t, testConfig())
	ctx := testContext(t)
	rec := &recorder{}

	s, err := e.Start(ctx, recognitionRequest(svc.url()), rec, WithWait())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = s.Stop(ctx)
			} else {
				s.Cancel()
			}
		}(i)
	}
	wg.Wait()
	<-s.Done()

	if n := rec.count(EventClosed); n > 1 {
		t.Fatalf("closed delivered %d times", n)
	}
	if n := rec.count(EventTaskFailed); n != 0 {
		t.Fatalf("task failed delivered %d times", n)
	}
	if s.ExitStatus() != ExitCancel {
		t.Fatalf("exit = %s, want cancel", s.ExitStatus())
	}
}

func TestPooledConnectionReused(t *testing.T) {
	svc := newFakeService(t, false)
	cfg := testConfig()
	cfg.PoolEnabled = true
	e := newTestEngine(t, cfg)
	ctx := testContext(t)

	first := &recorder{}
	s1, err := e.Start(ctx, recognitionRequest(svc.url()), first, WithWait())
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := s1.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	expectTypes(t, first, EventStarted, EventResultChanged, EventCompleted, EventClosed)

	second := &recorder{}
	s2, err := e.Start(ctx, recognitionRequest(svc.url()), second, WithWait())
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if s2.ID() != s1.ID() {
		t.Fatalf("second request on connection %d, want %d", s2.ID(), s1.ID())
	}
	if err := s2.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	expectTypes(t, second, EventStarted, EventResultChanged, EventCompleted, EventClosed)

	if got := svc.upgrades.Load(); got != 1 {
		t.Fatalf("service saw %d upgrades, want 1", got)
	}
	if got := svc.starts.Load(); got != 2 {
		t.Fatalf("service saw %d starts, want 2", got)
	}

	// Different parameters never share a connection.
	req := recognitionRequest(svc.url())
	req.SampleRate = 8000
	s3, err := e.Start(ctx, req, nil, WithWait())
	if err != nil {
		t.Fatalf("third Start: %v", err)
	}
	if s3.ID() == s1.ID() {
		t.Fatal("8 kHz request reused the 16 kHz connection")
	}
	if got := svc.upgrades.Load(); got != 2 {
		t.Fatalf("service saw %d upgrades, want 2", got)
	}
	s3.Cancel()
}

func pickable(e *Engine, stage pool.Stage) (pool.Slot, bool) {
	for _, s := range e.Pool().Snapshot(pool.KindRecognition, stage) {
		if s.Filled() && s.CanPick {
			return s, true
		}
	}
	return pool.Slot{}, false
}

func TestWarmPrestarted(t *testing.T) {
	svc := newFakeService(t, false)
	cfg := testConfig()
	cfg.PoolEnabled = true
	e := newTestEngine(t, cfg)
	ctx := testContext(t)
	req := recognitionRequest(svc.url())

	if err := e.Warm(ctx, req, pool.StagePrestarted, 1); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	waitFor(t, "prestarted slot", func() bool {
		_, ok := pickable(e, pool.StagePrestarted)
		return ok
	})
	slot, _ := pickable(e, pool.StagePrestarted)
	if st, _ := e.ConnStatus(ConnID(slot.ID)); st != StatusIdle {
		t.Fatalf("warm connection status = %s, want idle", st)
	}
	if err := e.Ping(ctx, slot.ID); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	s, err := e.Start(ctx, req, &recorder{}, WithWait())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.ID() != ConnID(slot.ID) {
		t.Fatalf("request on connection %d, want %d", s.ID(), slot.ID)
	}
	if got := svc.upgrades.Load(); got != 1 {
		t.Fatalf("service saw %d upgrades, want 1", got)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWarmPreconnected(t *testing.T) {
	svc := newFakeService(t, false)
	cfg := testConfig()
	cfg.PoolEnabled = true
	e := newTestEngine(t, cfg)
	ctx := testContext(t)
	req := recognitionRequest(svc.url())

	if err := e.Warm(ctx, req, pool.StagePreconnected, 1); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	waitFor(t, "preconnected slot", func() bool {
		_, ok := pickable(e, pool.StagePreconnected)
		return ok
	})
	slot, _ := pickable(e, pool.StagePreconnected)
	if got := svc.upgrades.Load(); got != 0 {
		t.Fatalf("preconnected connection upgraded early (%d)", got)
	}

	s, err := e.Start(ctx, req, nil, WithWait())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.ID() != ConnID(slot.ID) {
		t.Fatalf("request on connection %d, want %d", s.ID(), slot.ID)
	}
	if _, ok := pickable(e, pool.StagePreconnected); ok {
		t.Fatal("borrowed connection still pickable as preconnected")
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, "promoted slot", func() bool {
		got, ok := pickable(e, pool.StagePrestarted)
		return ok && got.ID == slot.ID
	})
}

func TestIdlePrestartedSlotReplaced(t *testing.T) {
	svc := newFakeService(t, false)
	cfg := testConfig()
	cfg.PoolEnabled = true
	cfg.PoolPrestartedTimeout = 600 * time.Millisecond
	cfg.PoolSweepInterval = 100 * time.Millisecond
	reg := prometheus.NewRegistry()
	e := newTestEngine(t, cfg, WithRegisterer(reg))
	ctx := testContext(t)
	req := recognitionRequest(svc.url())
	req.TokenExpiry = time.Now().Add(time.Hour).Truncate(time.Second)

	if err := e.Warm(ctx, req, pool.StagePrestarted, 1); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	waitFor(t, "prestarted slot", func() bool {
		_, ok := pickable(e, pool.StagePrestarted)
		return ok
	})
	first, _ := pickable(e, pool.StagePrestarted)

	// The sweep pings the slot every interval; those pings must not keep
	// it alive past the idle timeout.
	var next pool.Slot
	waitFor(t, "replacement slot", func() bool {
		s, ok := pickable(e, pool.StagePrestarted)
		if ok && s.ID != first.ID {
			next = s
			return true
		}
		return false
	})
	waitFor(t, "evicted connection teardown", func() bool {
		_, ok := e.ConnStatus(ConnID(first.ID))
		return !ok
	})

	if got := svc.upgrades.Load(); got < 2 {
		t.Fatalf("service saw %d upgrades, want a replacement", got)
	}
	if !next.TokenExpiry.Equal(req.TokenExpiry) {
		t.Fatalf("replacement token expiry = %v, want %v", next.TokenExpiry, req.TokenExpiry)
	}
	if v := counterValue(t, reg, "nls_pool_releases_total", "reason", "idle"); v < 1 {
		t.Fatalf("idle releases = %v", v)
	}
}

func TestPreconnectedPeerDropLeavesPool(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		if nc, err := ln.Accept(); err == nil {
			accepted <- nc
		}
	}()

	cfg := testConfig()
	cfg.PoolEnabled = true
	e := newTestEngine(t, cfg)
	ctx := testContext(t)
	req := recognitionRequest("ws://" + ln.Addr().String() + "/ws/v1")

	if err := e.Warm(ctx, req, pool.StagePreconnected, 1); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	waitFor(t, "preconnected slot", func() bool {
		_, ok := pickable(e, pool.StagePreconnected)
		return ok
	})
	slot, _ := pickable(e, pool.StagePreconnected)
	if err := e.Ping(ctx, slot.ID); err != nil {
		t.Fatalf("Ping on live socket: %v", err)
	}

	select {
	case peer := <-accepted:
		peer.Close()
	case <-ctx.Done():
		t.Fatal("listener never accepted")
	}

	waitFor(t, "dropped slot", func() bool {
		_, ok := pickable(e, pool.StagePreconnected)
		return !ok
	})
	if err := e.Ping(ctx, slot.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Ping after peer drop = %v, want session closed", err)
	}
}

func TestSessionPing(t *testing.T) {
	svc := newFakeService(t, false)
	e := newTestEngine(t, testConfig())
	ctx := testContext(t)

	s, err := e.Start(ctx, recognitionRequest(svc.url()), nil, WithWait())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	s.Cancel()
	<-s.Done()
	if err := s.Ping(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Ping after cancel = %v", err)
	}
}

func TestStartValidation(t *testing.T) {
	e := newTestEngine(t, testConfig())
	ctx := testContext(t)

	cases := []struct {
		name string
		req  *Request
	}{
		{"nil", nil},
		{"bad scheme", &Request{Kind: KindRecognition, URL: "http://gateway.test", StartCommand: []byte("{}")}},
		{"bad kind", &Request{Kind: Kind(99), URL: "ws://gateway.test", StartCommand: []byte("{}")}},
		{"no start command", &Request{Kind: KindRecognition, URL: "ws://gateway.test"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := e.Start(ctx, tc.req, nil); !IsErrorCode(err, ErrCodeConfigInvalid) {
				t.Fatalf("err = %v, want config error", err)
			}
		})
	}
}

func TestEngineClose(t *testing.T) {
	svc := newFakeService(t, false)
	svc.holdStart = true
	e := newTestEngine(t, testConfig())
	rec := &recorder{}

	s, err := e.Start(testContext(t), recognitionRequest(svc.url()), rec)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "start command", func() bool { return svc.starts.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-s.Done()
	if !errors.Is(s.Err(), ErrEngineClosed) {
		t.Fatalf("err = %v, want engine closed", s.Err())
	}
	expectTypes(t, rec, EventTaskFailed, EventClosed)

	if _, err := e.Start(ctx, recognitionRequest(svc.url()), nil); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("Start after Close = %v", err)
	}
}
