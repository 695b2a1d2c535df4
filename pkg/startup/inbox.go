package startup

import "sync"

type command interface{}

// An unbounded command queue. Posting never blocks, so the callbacks of the pool and the
// transport can post from any goroutine without waiting for the sequencer.
type inbox struct {
	mutex    sync.Mutex
	commands []command
	signal   chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (i *inbox) post(cmd command) {
	i.mutex.Lock()
	i.commands = append(i.commands, cmd)
	i.mutex.Unlock()

	select {
	case i.signal <- struct{}{}:
	default:
	}
}

// Fires when there may be something to take.
func (i *inbox) ready() <-chan struct{} {
	return i.signal
}

func (i *inbox) take() []command {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	commands := i.commands
	i.commands = nil
	return commands
}
