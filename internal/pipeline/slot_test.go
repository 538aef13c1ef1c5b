package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestSlotLatestWins(t *testing.T) {
	s := newSlot[int]()
	s.put(1)
	s.put(2)
	s.put(3)

	ctx := context.Background()
	v, ok := s.get(ctx)
	if !ok || v != 3 {
		t.Fatalf("get = %v/%v, want 3/true", v, ok)
	}
	if s.dropCount() != 2 {
		t.Errorf("drops = %d, want 2", s.dropCount())
	}
}

func TestSlotBlocksUntilPut(t *testing.T) {
	s := newSlot[string]()
	done := make(chan string, 1)
	go func() {
		v, _ := s.get(context.Background())
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)
	s.put("hello")
	select {
	case v := <-done:
		if v != "hello" {
			t.Errorf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("get never woke")
	}
}

func TestSlotGetHonorsContext(t *testing.T) {
	s := newSlot[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := s.get(ctx)
	if ok {
		t.Error("get returned a value from an empty slot")
	}
}
