package acquisition

import (
	"context"
	"sync"

	"github.com/hb9tf/spectran/daq"
	"github.com/hb9tf/spectran/psd"
)

type EventType int

const (
	Progress EventType = iota
	Error
	Finished
)

func (t EventType) String() string {
	switch t {
	case Progress:
		return "progress"
	case Error:
		return "error"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Event is one message from a run to its consumer.
type Event struct {
	Type EventType

	// Progress: Index is the row that was just acquired. Settle marks the final whole-buffer
	// update, in which case Index is -1.
	Index    int
	Settle   bool
	Snapshot psd.Snapshot

	// Error
	Kind    daq.Kind
	Message string

	// Finished: the state the run ended in.
	State State
}

// Channel is an unbounded FIFO of events. Publish never blocks; the single consumer reads
// Events until it is closed. Nothing is dropped or coalesced.
type Channel struct {
	mu        sync.Mutex
	queue     []Event
	closed    bool
	discarded bool
	wake      chan struct{}
	drop      chan struct{}
	out       chan Event
}

func NewChannel() *Channel {
	c := &Channel{
		wake: make(chan struct{}, 1),
		drop: make(chan struct{}),
		out:  make(chan Event),
	}
	go c.pump()
	return c
}

// Publish appends ev to the queue. Events published after Close are ignored.
func (c *Channel) Publish(ev Event) {
	c.mu.Lock()
	if c.closed || c.discarded {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	c.signal()
}

// Close marks the end of the stream. Queued events are still delivered before Events closes.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signal()
}

// Discard drops every queued and future event. Events still closes once the channel is closed.
func (c *Channel) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discarded {
		return
	}
	c.discarded = true
	c.queue = nil
	close(c.drop)
}

// Events is the stream read by the consumer. Until it is drained or Discard is called, the
// queued events stay in memory.
func (c *Channel) Events() <-chan Event {
	return c.out
}

// Len is the number of queued, undelivered events.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Channel) pump() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 {
			if c.closed {
				c.mu.Unlock()
				close(c.out)
				return
			}
			c.mu.Unlock()
			<-c.wake
			c.mu.Lock()
		}
		ev := c.queue[0]
		c.queue[0] = Event{}
		c.queue = c.queue[1:]
		c.mu.Unlock()

		select {
		case c.out <- ev:
		case <-c.drop:
		}
	}
}

// Consumer is the callback side of a run, e.g. a plot or a websocket hub.
type Consumer interface {
	// OnProgress receives every acquired row in order, then one settle update (index -1).
	OnProgress(index int, settle bool, snapshot psd.Snapshot)
	OnError(kind daq.Kind, message string)
	// OnFinished is called exactly once, last, whatever the outcome.
	OnFinished(state State)
}

// Dispatch feeds events to c until the stream ends or ctx is done.
func Dispatch(ctx context.Context, events <-chan Event, c Consumer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case Progress:
				c.OnProgress(ev.Index, ev.Settle, ev.Snapshot)
			case Error:
				c.OnError(ev.Kind, ev.Message)
			case Finished:
				c.OnFinished(ev.State)
			}
		}
	}
}

type consumers []Consumer

// Consumers combines several consumers into one. Each event reaches them in the given order.
func Consumers(cs ...Consumer) Consumer {
	return consumers(cs)
}

func (cs consumers) OnProgress(index int, settle bool, snapshot psd.Snapshot) {
	for _, c := range cs {
		c.OnProgress(index, settle, snapshot)
	}
}

func (cs consumers) OnError(kind daq.Kind, message string) {
	for _, c := range cs {
		c.OnError(kind, message)
	}
}

func (cs consumers) OnFinished(state State) {
	for _, c := range cs {
		c.OnFinished(state)
	}
}
