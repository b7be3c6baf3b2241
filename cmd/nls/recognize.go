package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/rojolang/nls-sdk-go/pkg/audio"
	"github.com/rojolang/nls-sdk-go/pkg/nls"
	"github.com/rojolang/nls-sdk-go/pkg/nls/pool"
)

var (
	audioFile    string
	duration     float64
	deviceID     int
	sampleRate   int
	kindName     string
	intermediate bool
	repeat       int
	warm         bool
)

func recognizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recognize",
		Short: "Recognize speech from a WAV file or the microphone",
		Long: "Stream 16-bit mono PCM to the gateway and print results as they arrive. " +
			"Without --file the default microphone is recorded for --duration seconds.",
		RunE: runRecognize,
	}

	cmd.Flags().StringVarP(&audioFile, "file", "f", "", "16-bit mono PCM WAV file to stream")
	cmd.Flags().Float64VarP(&duration, "duration", "d", 5.0, "Microphone recording duration in seconds")
	cmd.Flags().IntVar(&deviceID, "device", -1, "Input device ID from 'nls devices' (-1 for default)")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "Sample rate, 16000 or 8000")
	cmd.Flags().StringVar(&kindName, "kind", "recognition", "Task kind: recognition or transcription")
	cmd.Flags().BoolVar(&intermediate, "intermediate", true, "Request intermediate results")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Run the task this many times; with --pool later runs reuse the connection")
	cmd.Flags().BoolVar(&warm, "warm", false, "Warm one prestarted pool connection before the first task")
	return cmd
}

func parseKind(name string) (nls.Kind, error) {
	switch name {
	case "recognition":
		return nls.KindRecognition, nil
	case "transcription":
		return nls.KindTranscription, nil
	}
	return 0, fmt.Errorf("unknown kind %q", name)
}

func runRecognize(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(kindName)
	if err != nil {
		return err
	}

	var pcm []byte
	if audioFile != "" {
		pcm, err = loadWAV(audioFile)
		if err != nil {
			return err
		}
	}

	engine, cleanup, err := newEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if warm {
		req, err := recognitionRequest(kind)
		if err != nil {
			return err
		}
		if err := engine.Warm(ctx, req, pool.StagePrestarted, 1); err != nil {
			return err
		}
	}

	for i := 0; i < repeat; i++ {
		req, err := recognitionRequest(kind)
		if err != nil {
			return err
		}
		started := time.Now()
		session, err := engine.Start(ctx, req, nls.ListenerFunc(printEvent), nls.WithWait())
		if err != nil {
			return fmt.Errorf("start task: %w", err)
		}
		fmt.Printf("Task started on connection %d in %s\n", session.ID(), time.Since(started).Round(time.Millisecond))

		if pcm != nil {
			err = streamPCM(ctx, session, pcm, sampleRate)
		} else {
			err = streamMicrophone(ctx, session, engine.Logger())
		}
		if err != nil {
			session.Cancel()
			return err
		}

		if err := session.Stop(ctx); err != nil {
			return fmt.Errorf("stop task: %w", err)
		}
	}
	return nil
}

func recognitionRequest(kind nls.Kind) (*nls.Request, error) {
	cmds := newTaskCommands(kind, appKey)
	startName, stopName := directiveNames(kind)

	start, err := cmds.build(startName, recognitionPayload(sampleRate, intermediate))
	if err != nil {
		return nil, err
	}
	stop, err := cmds.build(stopName, nil)
	if err != nil {
		return nil, err
	}

	req := baseRequest(kind, sampleRate)
	req.StartCommand = start
	req.StopCommand = stop
	return req, nil
}

func loadWAV(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	format, pcm, err := audio.ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if format.Channels != 1 || format.BitsPerSample != 16 {
		return nil, fmt.Errorf("%s: need 16-bit mono PCM, got %d channels at %d bits", path, format.Channels, format.BitsPerSample)
	}
	if format.SampleRate != sampleRate {
		fmt.Printf("Using the file's sample rate %d Hz\n", format.SampleRate)
		sampleRate = format.SampleRate
	}
	return pcm, nil
}

// chunkInterval is the real-time pacing unit for file streaming.
const chunkInterval = 20 * time.Millisecond

// streamPCM sends pcm in real time, backing off while the engine reports a
// full buffer.
func streamPCM(ctx context.Context, s *nls.Session, pcm []byte, rate int) error {
	chunk := rate * 2 * int(chunkInterval/time.Millisecond) / 1000
	ticker := time.NewTicker(chunkInterval)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += chunk {
		data := pcm[off:min(off+chunk, len(pcm))]
		for {
			err := s.SendAudio(data)
			if err == nil {
				break
			}
			if !errors.Is(err, nls.ErrBufferFull) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkInterval / 2):
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return s.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func streamMicrophone(ctx context.Context, s *nls.Session, logger *nls.Logger) error {
	dm := audio.NewDeviceManager(logger.Zerolog())
	if err := dm.Initialize(); err != nil {
		return err
	}
	defer dm.Terminate()
	if deviceID >= 0 {
		if err := dm.ValidateInput(deviceID, float64(sampleRate)); err != nil {
			return err
		}
	}

	rec := audio.NewRecorder(dm, audio.CaptureConfig{DeviceID: deviceID, SampleRate: sampleRate}, logger.Zerolog())
	var dropped atomic.Int64
	err := rec.Start(func(pcm []byte) {
		if err := s.SendAudio(pcm); err != nil {
			dropped.Add(int64(len(pcm)))
		}
	})
	if err != nil {
		return err
	}

	fmt.Printf("Recording for %.1f seconds...\n", duration)
	select {
	case <-ctx.Done():
	case <-s.Done():
	case <-time.After(time.Duration(duration * float64(time.Second))):
	}
	if err := rec.Stop(); err != nil {
		return err
	}

	st := rec.Stats()
	fmt.Printf("\n=== Recording Statistics ===\n")
	fmt.Printf("Total Samples: %d\n", st.TotalSamples)
	fmt.Printf("Total Bytes: %d (dropped %d)\n", st.TotalBytes, dropped.Load())
	fmt.Printf("Average Amplitude: %.4f\n", st.AverageAmplitude())
	fmt.Printf("Max Amplitude: %.4f\n", st.MaxAmplitude)
	fmt.Printf("RMS Amplitude: %.4f\n", st.RMSAmplitude())
	fmt.Printf("Voice Activity: %.1f%%\n", st.VoiceActivity())
	if st.Clipping() {
		fmt.Println("Warning: input is clipping")
	}
	return nil
}

func printEvent(ev *nls.Event) {
	switch ev.Type {
	case nls.EventResultChanged:
		fmt.Printf("\r  ... %s", ev.Result)
	case nls.EventSentenceEnd:
		fmt.Printf("\r  >>> %s\n", ev.Result)
	case nls.EventCompleted:
		if ev.Result != "" {
			fmt.Printf("\r  >>> %s\n", ev.Result)
		}
		fmt.Println("Task completed")
	case nls.EventTaskFailed:
		fmt.Printf("\nTask failed (%d): %s\n", ev.Code, ev.Message)
	case nls.EventClosed:
		if verbose {
			fmt.Println("Closed:", ev.Message)
		}
	default:
		if verbose {
			fmt.Printf("Event %s: %s\n", ev.Name, ev.Message)
		}
	}
}
