package worker

import (
	"fmt"
	"runtime/debug"

	"github.com/rs/zerolog/log"
)

// Task is a handle to a worker goroutine.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Spawn runs fn in a new goroutine. A panic in fn is recovered and reported
// by Wait as the task's join error.
func Spawn(name string, fn func()) *Task {
	t := &Task{name: name, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("task %s panicked: %v", name, r)
				log.Error().Str("task", name).Interface("panic", r).
					Str("stack", string(debug.Stack())).Msg("worker panicked")
			}
		}()
		fn()
	}()
	return t
}

// Name returns the task name given to Spawn.
func (t *Task) Name() string {
	return t.name
}

// Done is closed when the task has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Finished reports whether the task has exited without blocking.
func (t *Task) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task exits and returns its join error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}
