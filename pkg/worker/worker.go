package worker

import (
	"errors"
	"sync"
)

var (
	ErrWorkerClosed  = errors.New("worker is closed")
	ErrWorkerTooBusy = errors.New("worker queue is full")
)

// Configuration for the worker.
type Config[T any] struct {
	// Size of the task queue. `Send` fails instead of blocking once the queue is full.
	ChannelSize int
	// Executed for every task, sequentially, in the order the tasks were sent.
	OnTask func(T)
}

// Worker executes tasks on a single dedicated goroutine. Producers never block on it.
type Worker[T any] struct {
	channel chan T
	done    chan struct{}
	mutex   sync.Mutex
	closed  bool
}

func StartWorker[T any](config Config[T]) *Worker[T] {
	w := &Worker[T]{
		channel: make(chan T, config.ChannelSize),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(w.done)
		for task := range w.channel {
			config.OnTask(task)
		}
	}()

	return w
}

// Queues a task. Returns `ErrWorkerTooBusy` if the queue is full and `ErrWorkerClosed`
// once the worker has been stopped.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrWorkerClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrWorkerTooBusy
	}
}

// Stops accepting tasks and waits until the already queued ones are executed.
// Must not be called from within `OnTask`.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	if !w.closed {
		close(w.channel)
		w.closed = true
	}
	w.mutex.Unlock()

	<-w.done
}
