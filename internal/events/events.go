// Package events publishes run and node lifecycle transitions on per-run
// topics. Delivery is at-least-once: subscribers get the full topic history
// on subscribe plus live events, and every event carries a UUID so consumers
// can deduplicate.
package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// Type identifies what transitioned.
type Type string

const (
	// TypeRun is a PlanRun status transition.
	TypeRun Type = "run"
	// TypeNode is a NodeExecution status transition.
	TypeNode Type = "node"
)

// Event is one lifecycle transition on a run's topic.
type Event struct {
	// ID is a unique identifier; consumers deduplicate on it.
	ID string `json:"id"`
	// Seq is the event's position on its topic, starting at 1.
	Seq int `json:"seq"`
	// RunID is the topic.
	RunID string `json:"run_id"`
	// Type says whether this is a run or node transition.
	Type Type `json:"type"`
	// AgentType is set for node transitions.
	AgentType models.AgentType `json:"agent_type,omitempty"`
	// RunStatus is set for run transitions.
	RunStatus models.RunStatus `json:"run_status,omitempty"`
	// NodeStatus is set for node transitions.
	NodeStatus models.NodeStatus `json:"node_status,omitempty"`
	// Attempt is the attempt number for node transitions.
	Attempt int `json:"attempt,omitempty"`
	// Detail carries optional context (error messages, degradations).
	Detail map[string]any `json:"detail,omitempty"`
	// Timestamp is when the event was published.
	Timestamp time.Time `json:"timestamp"`
}

// subscriber is one live delivery channel on a topic.
type subscriber struct {
	id int
	ch chan Event
}

// topic holds a run's event history and live subscribers.
type topic struct {
	mu     sync.Mutex
	seq    int
	events []Event
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// Publisher fans out events per run.
type Publisher struct {
	mu         sync.RWMutex
	topics     map[string]*topic
	bufferSize int
	dropped    atomic.Uint64
}

// NewPublisher creates a publisher. bufferSize is the live-delivery buffer
// per subscriber.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Publisher{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
	}
}

func (p *Publisher) topicFor(runID string) *topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]*subscriber)}
		p.topics[runID] = t
	}
	return t
}

// Publish appends an event to its run's topic and delivers it to live
// subscribers. A subscriber that cannot keep up has events dropped from its
// live feed (counted, logged); the history retains everything, so a re-
// subscribe recovers the full sequence.
func (p *Publisher) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	t := p.topicFor(ev.RunID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.seq++
	ev.Seq = t.seq
	t.events = append(t.events, ev)

	// Deliver under the topic lock. The sends never block, and holding the
	// lock means no channel can be closed by an unsubscribe or CloseTopic
	// while a send is in flight.
	for _, s := range t.subs {
		select {
		case s.ch <- ev:
		default:
			count := p.dropped.Add(1)
			if count%10 == 1 { // Log every 10th drop to avoid spam
				log.Printf("[events] subscriber channel full, dropped event (total dropped: %d): run=%s type=%s", count, ev.RunID, ev.Type)
			}
		}
	}
}

// Subscribe returns a channel of the run's events: the full history so far,
// then live events. The returned cancel function unregisters the subscriber
// and closes the channel.
func (p *Publisher) Subscribe(runID string) (<-chan Event, func()) {
	t := p.topicFor(runID)

	t.mu.Lock()
	ch := make(chan Event, len(t.events)+p.bufferSize)
	for _, ev := range t.events {
		ch <- ev
	}
	s := &subscriber{id: t.nextID, ch: ch}
	t.nextID++
	if t.closed {
		close(ch)
	} else {
		t.subs[s.id] = s
	}
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.subs[s.id]; ok {
			delete(t.subs, s.id)
			close(s.ch)
		}
	}
	return ch, cancel
}

// History returns a copy of the run's full event history.
func (p *Publisher) History(runID string) []Event {
	t := p.topicFor(runID)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// CloseTopic marks the run's topic finished and closes subscriber channels.
// History stays available for later subscribers, who get it and an already-
// closed channel.
func (p *Publisher) CloseTopic(runID string) {
	t := p.topicFor(runID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, s := range t.subs {
		delete(t.subs, id)
		close(s.ch)
	}
}

// DroppedCount returns how many live deliveries have been dropped.
func (p *Publisher) DroppedCount() uint64 {
	return p.dropped.Load()
}
