package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tracepipe/tracepipe/message"
)

func TestReplayerDrivesPasses(t *testing.T) {
	ctx := context.Background()

	mgr := NewManager(NewMemoryStore())
	defer mgr.Close()

	mgr.Register(ctx, trace(1), StatusFailed)
	mgr.Register(ctx, trace(2), StatusFailed)

	delivered := make(chan int64, 4)
	replayer := NewReplayer(mgr, func(_ context.Context, m message.Message) error {
		delivered <- m.ID()
		return nil
	}).WithInterval(10 * time.Millisecond)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- replayer.Start(runCtx) }()

	for want := 0; want < 2; want++ {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for replay pass")
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if count := mgr.FailedCount(ctx); count != 0 {
		t.Errorf("expected store drained, got %d failed rows", count)
	}
}
