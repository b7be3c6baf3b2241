// Package nls is the connection engine of the speech gateway SDK: it opens
// WebSocket-over-TLS connections, performs the upgrade handshake, streams
// audio and commands, and delivers typed events back to the caller.
//
// # Overview
//
// The engine provides:
//   - A per-connection state machine covering DNS, TCP, TLS, the upgrade
//     and the task lifecycle
//   - A fixed set of worker goroutines that own all connection state
//   - A preconnection pool that keeps warm connections per request kind
//   - Backpressure on audio, bounded by sample rate
//   - Structured logging with Zerolog and Prometheus metrics
//
// # Quick Start
//
//	engine, err := nls.NewEngine(nls.NewConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close(context.Background())
//
//	req := &nls.Request{
//		Kind:         nls.KindRecognition,
//		URL:          "wss://gateway.example.com/ws/v1",
//		Token:        token,
//		SampleRate:   16000,
//		StartCommand: startJSON,
//		StopCommand:  stopJSON,
//	}
//	session, err := engine.Start(ctx, req, nls.ListenerFunc(func(ev *nls.Event) {
//		fmt.Println(ev.Type, ev.Result)
//	}), nls.WithWait())
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	for chunk := range audio {
//		if err := session.SendAudio(chunk); errors.Is(err, nls.ErrBufferFull) {
//			time.Sleep(20 * time.Millisecond)
//		}
//	}
//	err = session.Stop(ctx)
//
// # Events
//
// Every request ends with exactly one Closed event, preceded by one
// TaskFailed event when it failed. Cancel suppresses both. Listeners run on
// the worker goroutine in receive order and must not call Stop,
// WaitStarted or Ping, which wait for that same goroutine.
//
// # Configuration
//
// Config is populated from NLS_* environment variables by LoadConfig, or
// from defaults by NewConfig:
//
//	cfg, err := nls.LoadConfig()
//	cfg.PoolEnabled = true
//	engine, err := nls.NewEngine(cfg, nls.WithRegisterer(prometheus.DefaultRegisterer))
//
// # Preconnection Pool
//
// With PoolEnabled, connections that completed a task return to the pool
// instead of closing, and Warm opens connections ahead of demand:
//
//	engine.Warm(ctx, req, pool.StagePrestarted, 2)
//
// A later Start with identical parameters skips DNS, TCP, TLS and the
// upgrade.
package nls
