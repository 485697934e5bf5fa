package livebus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vigia-iot/vigia/internal/types"
)

func event(seq int) types.LiveEvent {
	return types.LiveEvent{
		Topic:    "vigia/rfid/read",
		Payload:  []byte(fmt.Sprintf(`{"seq":%d}`, seq)),
		TsServer: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// TestBasicPublishSubscribe verifies basic delivery.
func TestBasicPublishSubscribe(t *testing.T) {
	bus := New(10, nil)
	defer bus.Close()

	sub, err := bus.Subscribe("viewer-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	bus.Publish(event(1))

	select {
	case received := <-sub.Events():
		if string(received.Payload) != `{"seq":1}` {
			t.Errorf("unexpected payload %s", received.Payload)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

// TestBroadcastFanOut verifies two attached subscribers each receive the
// full stream in matching relative order.
func TestBroadcastFanOut(t *testing.T) {
	bus := New(16, nil)
	defer bus.Close()

	sub1, err := bus.Subscribe("viewer-1")
	if err != nil {
		t.Fatalf("Subscribe viewer-1: %v", err)
	}
	sub2, err := bus.Subscribe("viewer-2")
	if err != nil {
		t.Fatalf("Subscribe viewer-2: %v", err)
	}

	const n = 10
	for i := 0; i < n; i++ {
		bus.Publish(event(i))
	}

	for _, sub := range []*Subscriber{sub1, sub2} {
		for i := 0; i < n; i++ {
			select {
			case received := <-sub.Events():
				want := fmt.Sprintf(`{"seq":%d}`, i)
				if string(received.Payload) != want {
					t.Fatalf("%s: event %d out of order: got %s want %s",
						sub.ID(), i, received.Payload, want)
				}
			case <-time.After(1 * time.Second):
				t.Fatalf("%s: timeout waiting for event %d", sub.ID(), i)
			}
		}
	}
}

// TestNonBlockingPublish verifies Publish never blocks on a full subscriber.
func TestNonBlockingPublish(t *testing.T) {
	bus := New(1, nil)
	defer bus.Close()

	if _, err := bus.Subscribe("slow"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	done := make(chan bool)
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(event(i))
		}
		done <- true
	}()

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

// TestDropOldestKeepsNewest verifies the overflow policy evicts the front
// of the queue, so the subscriber sees the most recent window.
func TestDropOldestKeepsNewest(t *testing.T) {
	drops := 0
	bus := New(2, func() { drops++ })
	defer bus.Close()

	sub, err := bus.Subscribe("slow")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		bus.Publish(event(i))
	}

	// Buffer holds the 2 newest events: seq 3 and 4.
	first := <-sub.Events()
	second := <-sub.Events()
	if string(first.Payload) != `{"seq":3}` || string(second.Payload) != `{"seq":4}` {
		t.Fatalf("expected seq 3 and 4, got %s and %s", first.Payload, second.Payload)
	}

	stats, err := bus.Stats("slow")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Dropped != 3 {
		t.Errorf("expected 3 dropped, got %d", stats.Dropped)
	}
	if drops != 3 {
		t.Errorf("expected drop hook fired 3 times, got %d", drops)
	}
}

// TestAtMostOnceDelivery verifies sent + dropped accounts for every
// published event, per subscriber.
func TestAtMostOnceDelivery(t *testing.T) {
	bus := New(4, nil)
	defer bus.Close()

	if _, err := bus.Subscribe("viewer"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(event(i))
	}

	stats, err := bus.Stats("viewer")
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Sent+stats.Dropped != n {
		t.Errorf("sent %d + dropped %d != published %d", stats.Sent, stats.Dropped, n)
	}
}

func TestSubscribeErrors(t *testing.T) {
	bus := New(4, nil)

	if _, err := bus.Subscribe("viewer"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe("viewer"); err != ErrSubscriberExists {
		t.Errorf("expected ErrSubscriberExists, got %v", err)
	}
	if err := bus.Unsubscribe("ghost"); err != ErrSubscriberNotFound {
		t.Errorf("expected ErrSubscriberNotFound, got %v", err)
	}

	bus.Close()
	if _, err := bus.Subscribe("late"); err != ErrBusClosed {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

// TestUnsubscribeClosesChannel verifies a detached viewer's channel is
// closed so its consumer loop exits.
func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(4, nil)
	defer bus.Close()

	sub, err := bus.Subscribe("viewer")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := bus.Unsubscribe("viewer"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel, got event")
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}

// TestConcurrentAttachDetachPublish exercises the registry under
// concurrent attach/detach while publishing.
func TestConcurrentAttachDetachPublish(t *testing.T) {
	bus := New(8, nil)
	defer bus.Close()

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				bus.Publish(event(i))
			}
		}
	}()

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("viewer-%d", n)
			for j := 0; j < 50; j++ {
				if _, err := bus.Subscribe(id); err != nil {
					t.Errorf("Subscribe %s: %v", id, err)
					return
				}
				if err := bus.Unsubscribe(id); err != nil {
					t.Errorf("Unsubscribe %s: %v", id, err)
					return
				}
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()
}
