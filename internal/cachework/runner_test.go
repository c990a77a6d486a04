package cachework

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.home.luguber.info/inful/incbuild/internal/retry"
)

func TestRunnerExecutesStepsInOrder(t *testing.T) {
	runner := NewRunner(10, 1, nil)
	runner.Start(t.Context())

	var mu sync.Mutex
	var order []string
	record := func(name string) Step {
		return Step{Name: name, Run: func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}

	done := make(chan struct{})
	err := runner.Submit(Chain{
		Label:   "src/a:lib",
		Steps:   []Step{record("split"), record("relativize"), record("upload")},
		Cleanup: func() { close(done) },
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"split", "relativize", "upload"}
	if len(order) != len(want) {
		t.Fatalf("expected %d steps, got %d", len(want), len(order))
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("step %d: expected %s, got %s", i, name, order[i])
		}
	}
}

func TestRunnerFailedStepAbortsChain(t *testing.T) {
	runner := NewRunner(10, 1, nil)
	runner.SetRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 0))
	runner.Start(t.Context())

	var mu sync.Mutex
	ranUpload := false
	done := make(chan struct{})

	err := runner.Submit(Chain{
		Label: "src/b:lib",
		Steps: []Step{
			{Name: "split", Run: func(context.Context) error { return errors.New("boom") }},
			{Name: "upload", Run: func(context.Context) error {
				mu.Lock()
				ranUpload = true
				mu.Unlock()
				return nil
			}},
		},
		Cleanup: func() { close(done) },
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	if ranUpload {
		t.Error("upload step should not run after a failed step")
	}
}

func TestRunnerRetriesTransientFailure(t *testing.T) {
	runner := NewRunner(10, 1, nil)
	runner.SetRetryPolicy(retry.NewPolicy(retry.BackoffFixed, time.Millisecond, time.Millisecond, 3))
	runner.Start(t.Context())

	var mu sync.Mutex
	attempts := 0
	uploaded := false
	done := make(chan struct{})

	err := runner.Submit(Chain{
		Label: "src/c:lib",
		Steps: []Step{
			{Name: "upload", Run: func(context.Context) error {
				mu.Lock()
				defer mu.Unlock()
				attempts++
				if attempts < 3 {
					return errors.New("transient")
				}
				uploaded = true
				return nil
			}},
		},
		Cleanup: func() { close(done) },
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not complete")
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if !uploaded {
		t.Error("expected upload to succeed after retries")
	}
}

func TestRunnerStopDrainsPendingChains(t *testing.T) {
	runner := NewRunner(10, 1, nil)
	runner.Start(t.Context())

	var mu sync.Mutex
	completed := 0
	for range 5 {
		err := runner.Submit(Chain{
			Steps: []Step{{Name: "work", Run: func(context.Context) error {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				completed++
				mu.Unlock()
				return nil
			}}},
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runner.Stop(ctx)

	mu.Lock()
	defer mu.Unlock()
	if completed != 5 {
		t.Errorf("expected 5 completed chains after drain, got %d", completed)
	}
}

func TestRunnerRejectsSubmitAfterStop(t *testing.T) {
	runner := NewRunner(10, 1, nil)
	runner.Start(t.Context())
	runner.Stop(t.Context())

	if err := runner.Submit(Chain{}); err == nil {
		t.Error("expected submit after stop to fail")
	}
}

func TestRunnerSubmitRacingStopDoesNotPanic(t *testing.T) {
	runner := NewRunner(4, 2, nil)
	runner.Start(t.Context())

	// Hammer Submit from several goroutines while Stop runs. Submits after
	// shutdown must fail with an error, never panic on a closed channel.
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_ = runner.Submit(Chain{
					Steps: []Step{{Name: "work", Run: func(context.Context) error { return nil }}},
				})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	runner.Stop(ctx)
	wg.Wait()

	if err := runner.Submit(Chain{}); err == nil {
		t.Error("expected submit after stop to fail")
	}
}

func TestRunnerQueueFull(t *testing.T) {
	runner := NewRunner(1, 1, nil)
	// Not started, so the queue fills without being drained.

	if err := runner.Submit(Chain{}); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
	if err := runner.Submit(Chain{}); err == nil {
		t.Error("expected second submit to fail with full queue")
	}
}
