package dashscope_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicebridge/tts-sidecar/pkg/dashscope"
	"github.com/voicebridge/tts-sidecar/pkg/dashscope/dashscopetest"
)

var testParams = dashscope.SynthesisParams{
	Model:      "cosyvoice-v1",
	Voice:      "longxiaochun",
	Format:     "mp3",
	SampleRate: 22050,
	Volume:     50,
	Rate:       1.0,
	Pitch:      1.0,
}

// collect drains the driver until it reports completion, returning the
// concatenated audio and the task result.
func collect(t *testing.T, sy *dashscope.Synthesizer, timeout time.Duration) ([]byte, error) {
	t.Helper()
	var buf []byte
	deadline := time.After(timeout)
	for {
		select {
		case chunk := <-sy.Audio():
			buf = append(buf, chunk...)
		case err := <-sy.Done():
			for {
				select {
				case chunk := <-sy.Audio():
					buf = append(buf, chunk...)
					continue
				default:
				}
				break
			}
			return buf, err
		case <-deadline:
			t.Fatal("timed out waiting for task completion")
		}
	}
}

func dialTestSession(t *testing.T, url string) *dashscope.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := dashscope.Dial(ctx, dashscope.SessionConfig{URL: url, APIKey: "test-key"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestSynthesizerHappyPath(t *testing.T) {
	cmds := make(chan dashscopetest.Command, 8)
	up := dashscopetest.New(func(c *dashscopetest.Conn) {
		for {
			cmd, err := c.ReadCommand()
			if err != nil {
				return
			}
			cmds <- cmd
			switch cmd.Header.Action {
			case "run-task":
				c.SendEvent("task-started", cmd.Header.TaskID)
			case "finish-task":
				c.SendAudio([]byte{0x01, 0x02})
				c.SendAudio([]byte{0x03, 0x04})
				c.SendEvent("task-finished", cmd.Header.TaskID)
			}
		}
	})
	defer up.Close()

	sess := dialTestSession(t, up.URL)
	sy := dashscope.NewSynthesizer(sess, "hello", testParams)
	require.NoError(t, sy.Start())
	defer sy.Detach()

	audio, err := collect(t, sy, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, audio)
	assert.Equal(t, dashscope.TaskFinished, sy.State())
	assert.True(t, sess.Open(), "session should remain open after a finished task")

	run := <-cmds
	cont := <-cmds
	fin := <-cmds

	assert.Equal(t, "run-task", run.Header.Action)
	assert.Equal(t, "duplex", run.Header.Streaming)
	assert.Equal(t, sy.TaskID(), run.Header.TaskID)
	assert.Equal(t, "cosyvoice-v1", run.Payload.Model)

	var params map[string]any
	require.NoError(t, json.Unmarshal(run.Payload.Parameters, &params))
	assert.Equal(t, "PlainText", params["text_type"])
	assert.Equal(t, "longxiaochun", params["voice"])
	assert.Equal(t, "mp3", params["format"])
	assert.Equal(t, float64(22050), params["sample_rate"])

	assert.Equal(t, "continue-task", cont.Header.Action)
	assert.Equal(t, sy.TaskID(), cont.Header.TaskID)
	assert.Equal(t, "hello", cont.Payload.Input.Text)

	assert.Equal(t, "finish-task", fin.Header.Action)
	assert.Equal(t, sy.TaskID(), fin.Header.TaskID)
}

func TestSynthesizerTaskFailed(t *testing.T) {
	up := dashscopetest.New(func(c *dashscopetest.Conn) {
		for {
			cmd, err := c.ReadCommand()
			if err != nil {
				return
			}
			if cmd.Header.Action == "run-task" {
				c.SendEvent("task-started", cmd.Header.TaskID)
			}
			if cmd.Header.Action == "finish-task" {
				c.SendTaskFailed(cmd.Header.TaskID, "InvalidParameter", "voice not found")
			}
		}
	})
	defer up.Close()

	sess := dialTestSession(t, up.URL)
	sy := dashscope.NewSynthesizer(sess, "hello", testParams)
	require.NoError(t, sy.Start())
	defer sy.Detach()

	_, err := collect(t, sy, 5*time.Second)
	var taskErr *dashscope.TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "InvalidParameter", taskErr.Code)
	assert.Equal(t, dashscope.TaskFailed, sy.State())
	assert.True(t, sess.Open(), "session should remain usable after task-failed")
}

func TestSynthesizerIgnoresMalformedControl(t *testing.T) {
	up := dashscopetest.New(func(c *dashscopetest.Conn) {
		for {
			cmd, err := c.ReadCommand()
			if err != nil {
				return
			}
			switch cmd.Header.Action {
			case "run-task":
				// Noise the driver must skip without failing the task.
				c.SendRaw(`{"not":"an event"}`)
				c.SendRaw(`this is not json "event"`)
				c.SendEvent("task-started", cmd.Header.TaskID)
			case "finish-task":
				c.SendAudio([]byte{0xaa})
				c.SendEvent("task-finished", cmd.Header.TaskID)
			}
		}
	})
	defer up.Close()

	sess := dialTestSession(t, up.URL)
	sy := dashscope.NewSynthesizer(sess, "hello", testParams)
	require.NoError(t, sy.Start())
	defer sy.Detach()

	audio, err := collect(t, sy, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xaa}, audio)
}

func TestSynthesizerSocketClosedMidTask(t *testing.T) {
	up := dashscopetest.New(func(c *dashscopetest.Conn) {
		cmd, err := c.ReadCommand()
		if err != nil {
			return
		}
		c.SendEvent("task-started", cmd.Header.TaskID)
		c.Close()
	})
	defer up.Close()

	sess := dialTestSession(t, up.URL)
	sy := dashscope.NewSynthesizer(sess, "hello", testParams)
	require.NoError(t, sy.Start())
	defer sy.Detach()

	_, err := collect(t, sy, 5*time.Second)
	require.ErrorIs(t, err, dashscope.ErrSessionClosed)
	assert.False(t, sess.Open())
}

func TestSynthesizerDropsAudioAfterFinish(t *testing.T) {
	released := make(chan struct{})
	up := dashscopetest.New(func(c *dashscopetest.Conn) {
		for {
			cmd, err := c.ReadCommand()
			if err != nil {
				return
			}
			switch cmd.Header.Action {
			case "run-task":
				c.SendEvent("task-started", cmd.Header.TaskID)
			case "finish-task":
				c.SendEvent("task-finished", cmd.Header.TaskID)
				// Stray frames from an abandoned or lagging task.
				<-released
				c.SendAudio([]byte{0xff})
				c.SendAudio([]byte{0xfe})
			}
		}
	})
	defer up.Close()

	sess := dialTestSession(t, up.URL)
	sy := dashscope.NewSynthesizer(sess, "hello", testParams)
	require.NoError(t, sy.Start())
	defer sy.Detach()

	audio, err := collect(t, sy, 5*time.Second)
	require.NoError(t, err)
	assert.Empty(t, audio)

	close(released)
	time.Sleep(100 * time.Millisecond)
	select {
	case chunk := <-sy.Audio():
		t.Fatalf("audio delivered after terminal state: %v", chunk)
	default:
	}
}

func TestSynthesizerIgnoresForeignTaskEvents(t *testing.T) {
	up := dashscopetest.New(func(c *dashscopetest.Conn) {
		for {
			cmd, err := c.ReadCommand()
			if err != nil {
				return
			}
			switch cmd.Header.Action {
			case "run-task":
				// A terminal event for some other task must not finish ours.
				c.SendTaskFailed("some-other-task", "Internal", "boom")
				c.SendEvent("task-started", cmd.Header.TaskID)
			case "finish-task":
				c.SendEvent("task-finished", cmd.Header.TaskID)
			}
		}
	})
	defer up.Close()

	sess := dialTestSession(t, up.URL)
	sy := dashscope.NewSynthesizer(sess, "hello", testParams)
	require.NoError(t, sy.Start())
	defer sy.Detach()

	_, err := collect(t, sy, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, dashscope.TaskFinished, sy.State())
}

func TestDialRejectsBadEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := dashscope.Dial(ctx, dashscope.SessionConfig{
		URL:    "ws://127.0.0.1:1/nothing-listens-here",
		APIKey: "test-key",
	}, nil)
	require.Error(t, err)
}

func TestSessionTerminateHook(t *testing.T) {
	up := dashscopetest.New(dashscopetest.Idle())
	defer up.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	terminated := make(chan error, 1)
	sess, err := dashscope.Dial(ctx, dashscope.SessionConfig{URL: up.URL, APIKey: "test-key"},
		func(_ *dashscope.Session, err error) { terminated <- err })
	require.NoError(t, err)
	require.True(t, sess.Open())

	require.NoError(t, sess.Close())

	select {
	case <-terminated:
	case <-time.After(5 * time.Second):
		t.Fatal("terminate hook never fired")
	}
	assert.False(t, sess.Open())
	if sess.State() != dashscope.SessionClosed && sess.State() != dashscope.SessionErrored {
		t.Fatalf("unexpected state after close: %s", sess.State())
	}
}

func TestTaskErrorMessage(t *testing.T) {
	err := &dashscope.TaskError{Code: "Throttling", Message: "rate limited"}
	assert.Contains(t, err.Error(), "Throttling")
	assert.Contains(t, err.Error(), "rate limited")
	assert.False(t, errors.Is(err, dashscope.ErrSessionClosed))
}
