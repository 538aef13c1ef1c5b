package assemble

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSnapshotAwaitReturnsNewFrame(t *testing.T) {
	s := NewSnapshotStore()
	s.Publish(&FrameResult{FrameID: 1})

	got := s.Await(context.Background(), 0)
	if got == nil || got.FrameID != 1 {
		t.Fatalf("Await = %+v, want frame 1", got)
	}

	// The same cursor blocks until a different id is published.
	done := make(chan *FrameResult, 1)
	go func() {
		done <- s.Await(context.Background(), 1)
	}()
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("Await returned the frame the caller had already seen")
	default:
	}
	s.Publish(&FrameResult{FrameID: 2})
	select {
	case got := <-done:
		if got.FrameID != 2 {
			t.Errorf("woke with frame %d, want 2", got.FrameID)
		}
	case <-time.After(time.Second):
		t.Fatal("Await never woke")
	}
}

func TestSnapshotAwaitTimeout(t *testing.T) {
	s := NewSnapshotStore()
	s.Publish(&FrameResult{FrameID: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if got := s.Await(ctx, 5); got != nil {
		t.Errorf("Await = %+v, want nil on deadline", got)
	}
}

func TestSnapshotMultipleClients(t *testing.T) {
	// Snapshots are not consumed: every client cursor sees the same
	// stream.
	s := NewSnapshotStore()
	const clients = 8
	var wg sync.WaitGroup
	results := make([]int64, clients)
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got := s.Await(context.Background(), 0)
			results[i] = got.FrameID
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	s.Publish(&FrameResult{FrameID: 42})
	wg.Wait()
	for i, id := range results {
		if id != 42 {
			t.Errorf("client %d saw frame %d, want 42", i, id)
		}
	}
}
