package scheduler

import (
	"sync"
	"time"
)

// EventType names a lifecycle transition visible to subscribers.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventTimedOut  EventType = "timed_out"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one lifecycle notification for an execution. Terminal
// events carry the result.
type Event struct {
	ExecID string           `json:"execution_id"`
	Type   EventType        `json:"event"`
	State  State            `json:"state"`
	Time   time.Time        `json:"time"`
	Result *ExecutionResult `json:"result,omitempty"`
}

const subscriberBuffer = 16

// broker fans lifecycle events out to per-execution subscribers.
// Publishing never blocks: a subscriber that stops draining loses
// events rather than stalling the scheduler.
type broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[chan Event]struct{})}
}

// subscribe registers for one execution's events. The returned cancel
// function is idempotent and must be called to release the channel.
func (b *broker) subscribe(execID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	set, ok := b.subs[execID]
	if !ok {
		set = make(map[chan Event]struct{})
		b.subs[execID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[execID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, execID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// publish delivers an event to every subscriber of the execution.
func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.ExecID] {
		select {
		case ch <- ev:
		default: // slow subscriber, drop
		}
	}
}

func stateEvent(e *Execution, typ EventType, state State, result *ExecutionResult) Event {
	return Event{
		ExecID: e.id,
		Type:   typ,
		State:  state,
		Time:   time.Now(),
		Result: result,
	}
}

func terminalEventType(state State) EventType {
	switch state {
	case StateCompleted:
		return EventCompleted
	case StateTimedOut:
		return EventTimedOut
	case StateCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}
