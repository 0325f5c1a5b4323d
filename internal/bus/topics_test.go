package bus

import (
	"testing"
	"time"
)

func TestEventTopics_Distinct(t *testing.T) {
	topics := []string{
		TopicTaskEnqueued, TopicTaskClaimed, TopicTaskCompleted, TopicTaskCancelled, TopicTaskUpdated,
		TopicWakeEmitted, TopicTriggerChanged, TopicTriggerFired,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestTaskTopics_ShareTaskPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCompleted, TaskEvent{TaskID: 3, NewStatus: "done"})
	b.Publish(TopicWakeEmitted, WakeEvent{WakeID: 1})

	select {
	case ev := <-sub.Ch():
		te, ok := ev.Payload.(TaskEvent)
		if !ok || te.TaskID != 3 {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for task event")
	}
	select {
	case ev := <-sub.Ch():
		t.Fatalf("wake event leaked into task subscription: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
