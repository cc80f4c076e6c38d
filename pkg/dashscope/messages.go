// Package dashscope implements the DashScope CosyVoice WebSocket wire
// protocol: sessions, synthesis tasks, and their message envelopes.
//
// Outbound control messages are JSON envelopes with header.action in
// {run-task, continue-task, finish-task}; inbound traffic interleaves raw
// binary audio frames with JSON event envelopes (header.event).
//
// Reference: https://help.aliyun.com/zh/model-studio/cosyvoice-websocket-api
package dashscope

const (
	// DefaultEndpoint is the DashScope duplex inference endpoint.
	DefaultEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference/"

	streamingDuplex = "duplex"

	actionRunTask      = "run-task"
	actionContinueTask = "continue-task"
	actionFinishTask   = "finish-task"
)

// Inbound event types. Events other than these are ignored.
const (
	EventTaskStarted  = "task-started"
	EventTaskFinished = "task-finished"
	EventTaskFailed   = "task-failed"
)

// SynthesisParams is the full parameter set carried by a run-task command.
type SynthesisParams struct {
	Model      string
	Voice      string
	Format     string // mp3, wav, pcm
	SampleRate int
	Volume     int
	Rate       float64
	Pitch      float64
}

type commandMessage struct {
	Header  commandHeader  `json:"header"`
	Payload commandPayload `json:"payload"`
}

type commandHeader struct {
	Action    string `json:"action"`
	TaskID    string `json:"task_id"`
	Streaming string `json:"streaming"`
}

type commandPayload struct {
	TaskGroup  string          `json:"task_group,omitempty"`
	Task       string          `json:"task,omitempty"`
	Function   string          `json:"function,omitempty"`
	Model      string          `json:"model,omitempty"`
	Parameters *taskParameters `json:"parameters,omitempty"`
	Input      taskInput       `json:"input"`
}

type taskParameters struct {
	TextType   string  `json:"text_type"`
	Voice      string  `json:"voice"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sample_rate"`
	Volume     int     `json:"volume"`
	Rate       float64 `json:"rate"`
	Pitch      float64 `json:"pitch"`
}

type taskInput struct {
	Text string `json:"text,omitempty"`
}

func runTaskMessage(taskID string, p SynthesisParams) commandMessage {
	return commandMessage{
		Header: commandHeader{
			Action:    actionRunTask,
			TaskID:    taskID,
			Streaming: streamingDuplex,
		},
		Payload: commandPayload{
			TaskGroup: "audio",
			Task:      "tts",
			Function:  "SpeechSynthesizer",
			Model:     p.Model,
			Parameters: &taskParameters{
				TextType:   "PlainText",
				Voice:      p.Voice,
				Format:     p.Format,
				SampleRate: p.SampleRate,
				Volume:     p.Volume,
				Rate:       p.Rate,
				Pitch:      p.Pitch,
			},
		},
	}
}

func continueTaskMessage(taskID, text string) commandMessage {
	return commandMessage{
		Header: commandHeader{
			Action:    actionContinueTask,
			TaskID:    taskID,
			Streaming: streamingDuplex,
		},
		Payload: commandPayload{
			Input: taskInput{Text: text},
		},
	}
}

func finishTaskMessage(taskID string) commandMessage {
	return commandMessage{
		Header: commandHeader{
			Action:    actionFinishTask,
			TaskID:    taskID,
			Streaming: streamingDuplex,
		},
	}
}

// Event is a parsed inbound control envelope.
type Event struct {
	Type         string
	TaskID       string
	ErrorCode    string
	ErrorMessage string
}

type eventMessage struct {
	Header eventHeader `json:"header"`
}

type eventHeader struct {
	TaskID       string `json:"task_id"`
	Event        string `json:"event"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}
