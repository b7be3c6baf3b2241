package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rojolang/nls-sdk-go/pkg/audio"
	"github.com/rojolang/nls-sdk-go/pkg/nls"
)

var (
	text      string
	voice     string
	outFile   string
	streaming bool
	play      bool
)

func synthesizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synthesize",
		Short: "Synthesize text to a WAV file",
		Long: "Send text to the gateway and save the returned PCM as a WAV file. " +
			"With --stream the text is sent sentence by sentence on one task.",
		RunE: runSynthesize,
	}

	cmd.Flags().StringVarP(&text, "text", "t", "", "Text to synthesize (required)")
	cmd.Flags().StringVar(&voice, "voice", "xiaoyun", "Voice name")
	cmd.Flags().StringVarP(&outFile, "out", "o", "out.wav", "Output WAV file")
	cmd.Flags().IntVar(&sampleRate, "sample-rate", 16000, "Output sample rate")
	cmd.Flags().BoolVar(&streaming, "stream", false, "Use streaming synthesis")
	cmd.Flags().BoolVar(&play, "play", false, "Also play the result on the default output device")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

// audioSink collects binary events. It is read only after the session is
// done.
type audioSink struct {
	buf bytes.Buffer
}

func (a *audioSink) OnEvent(ev *nls.Event) {
	if ev.Type == nls.EventBinary {
		a.buf.Write(ev.Data)
		return
	}
	printEvent(ev)
}

func runSynthesize(cmd *cobra.Command, args []string) error {
	engine, cleanup, err := newEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	kind := nls.KindSynthesis
	if streaming {
		kind = nls.KindStreamingSynthesis
	}
	cmds := newTaskCommands(kind, appKey)
	startName, stopName := directiveNames(kind)

	payload := synthesisPayload(text, voice, sampleRate)
	if streaming {
		delete(payload, "text")
	}
	req := baseRequest(kind, sampleRate)
	if req.StartCommand, err = cmds.build(startName, payload); err != nil {
		return err
	}
	if stopName != "" {
		if req.StopCommand, err = cmds.build(stopName, nil); err != nil {
			return err
		}
	}

	sink := &audioSink{}
	session, err := engine.Start(ctx, req, sink, nls.WithWait())
	if err != nil {
		return fmt.Errorf("start task: %w", err)
	}

	if streaming {
		for _, sentence := range splitSentences(text) {
			directive, err := cmds.build("RunSynthesis", map[string]interface{}{"text": sentence})
			if err != nil {
				return err
			}
			if err := session.Control(directive); err != nil {
				return err
			}
		}
		if err := session.Stop(ctx); err != nil {
			return fmt.Errorf("stop task: %w", err)
		}
	} else {
		select {
		case <-ctx.Done():
			session.Cancel()
			return ctx.Err()
		case <-session.Done():
		}
		if err := session.Err(); err != nil {
			return err
		}
	}

	f, err := os.Create(outFile)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := audio.WriteWAV(f, sampleRate, sink.buf.Bytes()); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes of audio to %s\n", sink.buf.Len(), outFile)

	if !play {
		return nil
	}
	dm := audio.NewDeviceManager(engine.Logger().Zerolog())
	if err := dm.Initialize(); err != nil {
		return err
	}
	defer dm.Terminate()
	return dm.Play(ctx, sink.buf.Bytes(), sampleRate)
}

// splitSentences cuts text after sentence punctuation, keeping the
// punctuation with its sentence.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if strings.ContainsRune(".!?。！？；;", r) {
			end := i + len(string(r))
			if part := strings.TrimSpace(s[start:end]); part != "" {
				out = append(out, part)
			}
			start = end
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, part)
	}
	return out
}
