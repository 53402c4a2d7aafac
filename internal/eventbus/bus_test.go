package eventbus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 10)
	bus.Subscribe(TypeAnalysisCompleted, received)

	bus.Publish(Event{
		Type:       TypeAnalysisCompleted,
		ContractID: "contract-1",
		Timestamp:  time.Now(),
		Data:       map[string]string{"risk_level": "high"},
	})

	select {
	case evt := <-received:
		if evt.Type != TypeAnalysisCompleted {
			t.Errorf("expected %s, got %s", TypeAnalysisCompleted, evt.Type)
		}
		if evt.ContractID != "contract-1" {
			t.Errorf("expected contract-1, got %s", evt.ContractID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Event, 10)
	ch2 := make(chan Event, 10)
	bus.Subscribe(TypeAnalysisCompleted, ch1)
	bus.Subscribe(TypeAnalysisCompleted, ch2)

	bus.Publish(Event{Type: TypeAnalysisCompleted, ContractID: "contract-1"})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBus_TypeFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	doneCh := make(chan Event, 10)
	failCh := make(chan Event, 10)
	bus.Subscribe(TypeAnalysisCompleted, doneCh)
	bus.Subscribe(TypeAnalysisFailed, failCh)

	bus.Publish(Event{Type: TypeAnalysisCompleted, ContractID: "contract-1"})

	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("completed subscriber did not receive event")
	}

	select {
	case <-failCh:
		t.Fatal("failed subscriber should NOT receive completed event")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Event, 100)
	bus.Subscribe(TypeAnalysisCompleted, received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			bus.Publish(Event{Type: TypeAnalysisCompleted, ContractID: id})
		}(fmt.Sprintf("contract-%d", i))
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 events, got %d", len(received))
	}
}
