package main

import (
	"strings"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"

	"github.com/rojolang/nls-sdk-go/pkg/nls"
)

// commandHeader is the envelope every gateway directive carries.
type commandHeader struct {
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	AppKey    string `json:"appkey"`
}

type command struct {
	Header  commandHeader          `json:"header"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// newID renders a random id as 32 hex characters, the form the gateway
// expects for task and message ids.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

type taskCommands struct {
	taskID    string
	namespace string
	appKey    string
}

func newTaskCommands(kind nls.Kind, appKey string) *taskCommands {
	ns := "SpeechRecognizer"
	switch kind {
	case nls.KindTranscription:
		ns = "SpeechTranscriber"
	case nls.KindSynthesis:
		ns = "SpeechSynthesizer"
	case nls.KindStreamingSynthesis:
		ns = "FlowingSpeechSynthesizer"
	}
	return &taskCommands{taskID: newID(), namespace: ns, appKey: appKey}
}

func (c *taskCommands) build(name string, payload map[string]interface{}) ([]byte, error) {
	return sonnet.Marshal(command{
		Header: commandHeader{
			MessageID: newID(),
			TaskID:    c.taskID,
			Namespace: c.namespace,
			Name:      name,
			AppKey:    c.appKey,
		},
		Payload: payload,
	})
}

// directiveNames maps a kind to its start and stop directive names.
func directiveNames(kind nls.Kind) (start, stop string) {
	switch kind {
	case nls.KindTranscription:
		return "StartTranscription", "StopTranscription"
	case nls.KindSynthesis:
		return "StartSynthesis", ""
	case nls.KindStreamingSynthesis:
		return "StartSynthesis", "StopSynthesis"
	}
	return "StartRecognition", "StopRecognition"
}

func recognitionPayload(sampleRate int, intermediate bool) map[string]interface{} {
	return map[string]interface{}{
		"format":                            "pcm",
		"sample_rate":                       sampleRate,
		"enable_intermediate_result":        intermediate,
		"enable_punctuation_prediction":     true,
		"enable_inverse_text_normalization": true,
	}
}

func synthesisPayload(text, voice string, sampleRate int) map[string]interface{} {
	return map[string]interface{}{
		"text":        text,
		"voice":       voice,
		"format":      "pcm",
		"sample_rate": sampleRate,
	}
}
