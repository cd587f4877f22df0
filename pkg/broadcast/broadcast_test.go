package broadcast

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestBroadcastDeliversToAllListeners(t *testing.T) {
	server := NewServer[int](4)
	defer server.Close()

	first := server.Subscribe()
	second := server.Subscribe()

	server.Broadcast(42)

	for _, listener := range []<-chan int{first, second} {
		select {
		case value := <-listener:
			if value != 42 {
				t.Errorf("Expected 42, but got %d", value)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timed out waiting for broadcast")
		}
	}
}

func TestBroadcastDropsOldestWhenFull(t *testing.T) {
	server := NewServer[int](4)
	defer server.Close()

	var drops atomic.Int32

	server.OnDrop = func() {
		drops.Add(1)
	}

	listener := server.Subscribe()

	for i := 0; i < 10; i++ {
		server.Broadcast(i)
	}

	// Give the serve goroutine time to settle the last value.
	time.Sleep(50 * time.Millisecond)

	received := make([]int, 0, 4)

drain:
	for {
		select {
		case value := <-listener:
			received = append(received, value)
		default:
			break drain
		}
	}

	if len(received) != 4 {
		t.Fatalf("Expected 4 buffered values, but got %d", len(received))
	}

	// The oldest values were dropped; the newest survive in order.
	expected := []int{6, 7, 8, 9}
	for i, value := range received {
		if value != expected[i] {
			t.Errorf("Expected %d at index %d, but got %d", expected[i], i, value)
		}
	}

	if got := drops.Load(); got != 6 {
		t.Errorf("Expected 6 drops, but got %d", got)
	}
}

func TestUnsubscribeClosesListener(t *testing.T) {
	server := NewServer[int](4)
	defer server.Close()

	listener := server.Subscribe()
	server.Unsubscribe(listener)

	select {
	case _, ok := <-listener:
		if ok {
			t.Errorf("Expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("Timed out waiting for close")
	}
}

func TestCloseClosesAllListeners(t *testing.T) {
	server := NewServer[int](4)

	listener := server.Subscribe()

	server.Close()

	select {
	case _, ok := <-listener:
		if ok {
			t.Errorf("Expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("Timed out waiting for close")
	}
}
