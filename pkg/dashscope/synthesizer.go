package dashscope

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// ErrSessionClosed reports that the socket closed or errored before the task
// reached a terminal protocol state.
var ErrSessionClosed = errors.New("session closed before task finished")

// TaskError is a task-failed event surfaced by the synthesis service. The
// session itself remains usable after one.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task failed: %s (%s)", e.Message, e.Code)
}

// TaskState is the local state of one synthesis task.
type TaskState int32

const (
	TaskCreated TaskState = iota
	TaskAwaitingStart
	TaskAwaitingFinish
	TaskFinished
	TaskFailed
)

// Synthesizer drives the task sub-protocol for exactly one synthesis request
// over a leased session. It binds itself as the session handler on Start and
// must be detached with Detach when the request ends.
type Synthesizer struct {
	sess   *Session
	taskID string
	text   string
	params SynthesisParams

	state atomic.Int32

	audio chan []byte
	done  chan error

	detached   chan struct{}
	detachOnce sync.Once
	finishOnce sync.Once
}

// NewSynthesizer creates a driver for one task on a leased session.
func NewSynthesizer(sess *Session, text string, params SynthesisParams) *Synthesizer {
	return &Synthesizer{
		sess:     sess,
		taskID:   uuid.NewString(),
		text:     text,
		params:   params,
		audio:    make(chan []byte, 64),
		done:     make(chan error, 1),
		detached: make(chan struct{}),
	}
}

// TaskID returns the unique task identifier sent on every command.
func (sy *Synthesizer) TaskID() string {
	return sy.taskID
}

// State returns the task's local state.
func (sy *Synthesizer) State() TaskState {
	return TaskState(sy.state.Load())
}

// Audio streams binary frames in arrival order.
func (sy *Synthesizer) Audio() <-chan []byte {
	return sy.audio
}

// Done yields exactly one result: nil after task-finished, a *TaskError
// after task-failed, or a wrapped ErrSessionClosed on transport failure.
func (sy *Synthesizer) Done() <-chan error {
	return sy.done
}

// Start binds the driver to the session and sends the run-task command.
func (sy *Synthesizer) Start() error {
	sy.sess.Bind(sy)
	sy.state.Store(int32(TaskAwaitingStart))
	if err := sy.sess.sendCommand(runTaskMessage(sy.taskID, sy.params)); err != nil {
		sy.state.Store(int32(TaskFailed))
		sy.sess.Unbind(sy)
		return err
	}
	return nil
}

// Detach unbinds the driver from the session and unblocks any pending audio
// delivery. Safe to call more than once.
func (sy *Synthesizer) Detach() {
	sy.detachOnce.Do(func() {
		sy.sess.Unbind(sy)
		close(sy.detached)
	})
}

// Terminal reports whether the task reached a protocol-terminal state, i.e.
// the remote service acknowledged the task as finished or failed.
func (sy *Synthesizer) Terminal() bool {
	st := sy.State()
	return st == TaskFinished || st == TaskFailed
}

// OnAudio implements Handler. Frames arriving after a terminal state are
// dropped; the session is about to be released.
func (sy *Synthesizer) OnAudio(chunk []byte) {
	if sy.Terminal() {
		return
	}
	select {
	case sy.audio <- chunk:
	case <-sy.detached:
	}
}

// OnEvent implements Handler.
func (sy *Synthesizer) OnEvent(ev Event) {
	if ev.TaskID != "" && ev.TaskID != sy.taskID {
		// Stray event from an abandoned task on a reused session.
		return
	}

	switch ev.Type {
	case EventTaskStarted:
		if !sy.state.CompareAndSwap(int32(TaskAwaitingStart), int32(TaskAwaitingFinish)) {
			return
		}
		if err := sy.sess.sendCommand(continueTaskMessage(sy.taskID, sy.text)); err != nil {
			sy.state.Store(int32(TaskFailed))
			sy.finish(fmt.Errorf("%w: %v", ErrSessionClosed, err))
			return
		}
		if err := sy.sess.sendCommand(finishTaskMessage(sy.taskID)); err != nil {
			sy.state.Store(int32(TaskFailed))
			sy.finish(fmt.Errorf("%w: %v", ErrSessionClosed, err))
		}

	case EventTaskFinished:
		sy.state.Store(int32(TaskFinished))
		sy.finish(nil)

	case EventTaskFailed:
		log.Printf("[Synthesizer] task %s failed: %s (%s)", sy.taskID, ev.ErrorMessage, ev.ErrorCode)
		sy.state.Store(int32(TaskFailed))
		sy.finish(&TaskError{Code: ev.ErrorCode, Message: ev.ErrorMessage})

	default:
		// Other events are informational.
	}
}

// OnClosed implements Handler.
func (sy *Synthesizer) OnClosed(err error) {
	if sy.Terminal() {
		return
	}
	sy.state.Store(int32(TaskFailed))
	sy.finish(fmt.Errorf("%w: %v", ErrSessionClosed, err))
}

func (sy *Synthesizer) finish(err error) {
	sy.finishOnce.Do(func() {
		sy.done <- err
	})
}
