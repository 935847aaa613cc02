package async

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tallywire/tallywire/errs"
)

func TestNewPoolRejectsZeroWorkers(t *testing.T) {
	if _, err := NewPool(0, 1); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid for zero workers, got %v", err)
	}
}

func TestSubmitRunsTasks(t *testing.T) {
	pool, err := NewPool(2, 4)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	done := make(chan struct{}, 4)
	for i := 0; i < 4; i++ {
		err := pool.Submit(context.Background(), func(context.Context) error {
			done <- struct{}{}
			return nil
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("task %d never ran", i)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSubmitNilTaskRejected(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	if err := pool.Submit(context.Background(), nil); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid for nil task, got %v", err)
	}
}

func TestSubmitAfterCloseUnavailable(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Close()

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected unavailable after close, got %v", err)
	}
}

func TestSubmitSaturatedPoolBackpressure(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	err = pool.Submit(context.Background(), func(context.Context) error { return nil })
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	close(block)
}

func TestSubmitWaitBlocksUntilSlotFrees(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	block := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started

	var ran atomic.Bool
	submitted := make(chan error, 1)
	go func() {
		submitted <- pool.SubmitWait(context.Background(), func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()

	select {
	case err := <-submitted:
		t.Fatalf("SubmitWait returned before a slot freed: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(block)

	if err := <-submitted; err != nil {
		t.Fatalf("SubmitWait after slot freed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !ran.Load() {
		t.Fatal("queued task never ran")
	}
}

func TestSubmitWaitCancelledContext(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	block := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.SubmitWait(ctx, func(context.Context) error { return nil }); err == nil {
		t.Fatal("expected context error from blocked SubmitWait")
	}
}

func TestWorkerSurvivesPanic(t *testing.T) {
	pool, err := NewPool(1, 2)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	if err := pool.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("submit panicking task: %v", err)
	}

	ran := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(ran)
		return nil
	}); err != nil {
		t.Fatalf("submit follow-up: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestShutdownTimesOutOnStuckTask(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	block := make(chan struct{})
	started := make(chan struct{})
	if err := pool.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-block
		return nil
	}); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}
	<-started
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pool.Shutdown(ctx); err == nil {
		t.Fatal("expected shutdown timeout with stuck task")
	}
}
