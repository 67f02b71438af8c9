package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadirpekel/toolbridge/pkg/protocol"
)

type EventType string

const (
	EventStarted          EventType = "started"
	EventStopped          EventType = "stopped"
	EventResponseReceived EventType = "response_received"
	EventToolCallExecuted EventType = "tool_call_executed"
)

// Event describes something the bridge did. Fields not relevant to Type are
// left zero.
type Event struct {
	Type     EventType
	Time     time.Time
	Prompt   string
	Response string
	ToolCall *protocol.ToolCall
	Result   *protocol.ToolCallResult
	Err      error
}

type Listener func(Event)

type ListenerID uint64

type listenerEntry struct {
	id ListenerID
	fn Listener
}

type listenerSet struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	byType map[EventType][]listenerEntry
}

// AddListener registers fn for events of type t. Listeners run synchronously
// in registration order on the goroutine that produced the event.
func (o *Orchestrator) AddListener(t EventType, fn Listener) ListenerID {
	ls := &o.listeners
	id := ListenerID(ls.nextID.Add(1))

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.byType == nil {
		ls.byType = make(map[EventType][]listenerEntry)
	}
	ls.byType[t] = append(ls.byType[t], listenerEntry{id: id, fn: fn})
	return id
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (o *Orchestrator) RemoveListener(t EventType, id ListenerID) {
	ls := &o.listeners
	ls.mu.Lock()
	defer ls.mu.Unlock()

	entries := ls.byType[t]
	for i, e := range entries {
		if e.id == id {
			ls.byType[t] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

func (o *Orchestrator) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = o.now()
	}

	ls := &o.listeners
	ls.mu.RLock()
	entries := append([]listenerEntry(nil), ls.byType[ev.Type]...)
	ls.mu.RUnlock()

	for _, e := range entries {
		e.fn(ev)
	}
}
