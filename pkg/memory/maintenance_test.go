package memory

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewMaintenanceWorker_RejectsInvalidCron(t *testing.T) {
	svc := newTestService(t, Options{})
	if _, err := NewMaintenanceWorker(svc, "every ten minutes"); err != ErrInvalidCron {
		t.Fatalf("expected ErrInvalidCron, got %v", err)
	}
}

func TestMaintenanceWorker_ConcurrentStopIsSafe(t *testing.T) {
	svc := newTestService(t, Options{})
	worker, err := NewMaintenanceWorker(svc, "* * * * *")
	if err != nil {
		t.Fatalf("NewMaintenanceWorker: %v", err)
	}

	started := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		close(started)
		worker.Start(context.Background())
		close(stopped)
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Stop()
		}()
	}
	wg.Wait()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop")
	}
}
