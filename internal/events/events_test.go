package events

import (
	"testing"
	"time"

	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

func TestPublishAssignsIDAndSeq(t *testing.T) {
	p := NewPublisher(8)

	p.Publish(Event{RunID: "run-1", Type: TypeRun, RunStatus: models.RunStatusRunning})
	p.Publish(Event{RunID: "run-1", Type: TypeNode, AgentType: models.AgentLocation, NodeStatus: models.NodeStatusRunning})

	history := p.History("run-1")
	if len(history) != 2 {
		t.Fatalf("expected 2 events, got %d", len(history))
	}
	if history[0].ID == "" || history[1].ID == "" {
		t.Error("events must carry ids")
	}
	if history[0].ID == history[1].ID {
		t.Error("event ids must be unique")
	}
	if history[0].Seq != 1 || history[1].Seq != 2 {
		t.Errorf("sequence numbers wrong: %d, %d", history[0].Seq, history[1].Seq)
	}
	if history[0].Timestamp.IsZero() {
		t.Error("timestamp not assigned")
	}
}

func TestSubscribeReplaysHistoryThenDeliversLive(t *testing.T) {
	p := NewPublisher(8)

	p.Publish(Event{RunID: "run-1", Type: TypeRun, RunStatus: models.RunStatusRunning})
	p.Publish(Event{RunID: "run-1", Type: TypeNode, AgentType: models.AgentLocation, NodeStatus: models.NodeStatusSucceeded})

	ch, cancel := p.Subscribe("run-1")
	defer cancel()

	first := <-ch
	second := <-ch
	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("history replay out of order: %d, %d", first.Seq, second.Seq)
	}

	p.Publish(Event{RunID: "run-1", Type: TypeRun, RunStatus: models.RunStatusCompleted})
	select {
	case live := <-ch:
		if live.Seq != 3 || live.RunStatus != models.RunStatusCompleted {
			t.Errorf("wrong live event: %+v", live)
		}
	case <-time.After(time.Second):
		t.Fatal("live event never arrived")
	}
}

func TestTopicsAreIsolatedPerRun(t *testing.T) {
	p := NewPublisher(8)

	ch, cancel := p.Subscribe("run-1")
	defer cancel()

	p.Publish(Event{RunID: "run-2", Type: TypeRun, RunStatus: models.RunStatusRunning})

	select {
	case ev := <-ch:
		t.Errorf("run-1 subscriber received run-2 event: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCloseTopicClosesSubscribers(t *testing.T) {
	p := NewPublisher(8)

	ch, cancel := p.Subscribe("run-1")
	defer cancel()

	p.Publish(Event{RunID: "run-1", Type: TypeRun, RunStatus: models.RunStatusCompleted})
	p.CloseTopic("run-1")

	// Buffered event drains first, then the channel reports closed.
	ev, ok := <-ch
	if !ok || ev.Seq != 1 {
		t.Fatalf("expected buffered event before close, got ok=%v ev=%+v", ok, ev)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed after CloseTopic")
	}

	// Late subscribers still get the full history.
	late, lateCancel := p.Subscribe("run-1")
	defer lateCancel()
	ev, ok = <-late
	if !ok || ev.RunStatus != models.RunStatusCompleted {
		t.Errorf("late subscriber missed history: ok=%v ev=%+v", ok, ev)
	}
	if _, ok := <-late; ok {
		t.Error("late subscriber channel should close after history")
	}
}

func TestSlowSubscriberDropsAreCounted(t *testing.T) {
	p := NewPublisher(1)

	ch, cancel := p.Subscribe("run-1")
	defer cancel()

	// Fill the buffer and keep publishing without draining.
	for i := 0; i < 5; i++ {
		p.Publish(Event{RunID: "run-1", Type: TypeNode, AgentType: models.AgentWeather, NodeStatus: models.NodeStatusRunning})
	}

	if p.DroppedCount() == 0 {
		t.Error("expected dropped events for a stalled subscriber")
	}

	// The full history is still intact for recovery.
	if got := len(p.History("run-1")); got != 5 {
		t.Errorf("history should retain all events, got %d", got)
	}
	_ = ch
}

func TestUnsubscribeDuringPublishIsSafe(t *testing.T) {
	// Subscribers churn while a publisher hammers the topic. Delivery must
	// never send on a channel an unsubscribe just closed.
	p := NewPublisher(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			p.Publish(Event{RunID: "run-1", Type: TypeNode, AgentType: models.AgentWeather, NodeStatus: models.NodeStatusRunning})
		}
	}()

	for i := 0; i < 500; i++ {
		ch, cancel := p.Subscribe("run-1")
		select {
		case <-ch:
		default:
		}
		cancel()
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("publisher never finished")
	}
	p.CloseTopic("run-1")
}

func TestCancelUnsubscribes(t *testing.T) {
	p := NewPublisher(8)

	ch, cancel := p.Subscribe("run-1")
	cancel()

	if _, ok := <-ch; ok {
		t.Error("cancel should close the channel")
	}

	// Publishing after cancel must not panic or deliver.
	p.Publish(Event{RunID: "run-1", Type: TypeRun, RunStatus: models.RunStatusRunning})
}
