package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/withObsrvr/nodechain/internal/model"
)

type recordingRunner struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	block chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{calls: map[string]int{}, fail: map[string]bool{}}
}

func (r *recordingRunner) Run(ctx context.Context, job Job) error {
	r.mu.Lock()
	r.calls[job.Node.ID]++
	fail := r.fail[job.Node.ID]
	block := r.block
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail {
		return errors.New("compiler error")
	}
	return nil
}

func testJob(id, ref string) Job {
	return Job{
		Build:         model.Build{Name: "b", Number: "1"},
		Configuration: model.Configuration{ProjectRef: "P/1.0@conan/stable", ProfileName: "linux_gcc"},
		Node:          model.NodeInfo{ID: id, Ref: ref},
		Repos:         model.Repos{Read: "develop", Write: "pr", Meta: "meta"},
	}
}

func drain(t *testing.T, d Dispatcher) []Launch {
	t.Helper()
	var all []Launch
	deadline := time.Now().Add(5 * time.Second)
	for d.HasOutstanding() {
		if time.Now().After(deadline) {
			t.Fatal("dispatcher did not drain")
		}
		ended, err := d.PollEnded(context.Background())
		if err != nil {
			t.Fatalf("PollEnded failed: %v", err)
		}
		all = append(all, ended...)
		time.Sleep(5 * time.Millisecond)
	}
	return all
}

func TestLocalDispatchIsIdempotent(t *testing.T) {
	runner := newRecordingRunner()
	d := NewLocal(runner, 2)
	defer d.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(ctx, testJob("3", "A/1.0@conan/stable")); err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
	}
	ended := drain(t, d)

	// A node that already ended is not launched again either.
	if err := d.Dispatch(ctx, testJob("3", "A/1.0@conan/stable")); err != nil {
		t.Fatal(err)
	}
	if d.HasOutstanding() {
		t.Error("re-dispatch of an ended node should not be outstanding")
	}

	if len(ended) != 1 {
		t.Fatalf("got %d ended launches, want 1", len(ended))
	}
	if runner.calls["3"] != 1 {
		t.Errorf("runner called %d times, want 1", runner.calls["3"])
	}
	if ended[0].State != StatePassed || ended[0].Failed() || ended[0].Handle == "" {
		t.Errorf("unexpected launch %+v", ended[0])
	}
}

func TestLocalReportsFailures(t *testing.T) {
	runner := newRecordingRunner()
	runner.fail["4"] = true
	d := NewLocal(runner, 1)
	defer d.Close()

	_ = d.Dispatch(context.Background(), testJob("3", "A/1.0@conan/stable"))
	_ = d.Dispatch(context.Background(), testJob("4", "B/1.0@conan/stable"))
	ended := drain(t, d)

	if len(ended) != 2 {
		t.Fatalf("got %d ended launches, want 2", len(ended))
	}
	for _, l := range ended {
		switch l.Job.Node.ID {
		case "3":
			if l.Failed() {
				t.Errorf("node 3 should pass: %+v", l)
			}
		case "4":
			if !l.Failed() || l.Err == nil {
				t.Errorf("node 4 should fail: %+v", l)
			}
		}
	}
}

func TestLocalEndedCountsAsOutstandingUntilPolled(t *testing.T) {
	d := NewLocal(newRecordingRunner(), 1)
	defer d.Close()

	_ = d.Dispatch(context.Background(), testJob("1", "A/1.0@conan/stable"))
	d.Wait()

	if !d.HasOutstanding() {
		t.Fatal("an unpolled ended launch must be outstanding")
	}
	ended, _ := d.PollEnded(context.Background())
	if len(ended) != 1 || d.HasOutstanding() {
		t.Errorf("after poll: ended=%d outstanding=%v", len(ended), d.HasOutstanding())
	}
}

func TestLocalCancelAll(t *testing.T) {
	runner := newRecordingRunner()
	runner.block = make(chan struct{})
	d := NewLocal(runner, 2)
	defer d.Close()

	_ = d.Dispatch(context.Background(), testJob("1", "A/1.0@conan/stable"))
	_ = d.Dispatch(context.Background(), testJob("2", "B/1.0@conan/stable"))
	if err := d.CancelAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, l := range drain(t, d) {
		if l.State != StateCancelled {
			t.Errorf("launch %s state = %s, want cancelled", l.Job.Node.ID, l.State)
		}
	}

	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(context.Background(), testJob("5", "C/1.0@conan/stable")); !errors.Is(err, ErrDispatcherClosed) {
		t.Errorf("Dispatch after Close = %v", err)
	}
}

func TestJobEncoding(t *testing.T) {
	job := testJob("3", "A/1.0@conan/stable")
	s, err := job.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeJob(s)
	if err != nil {
		t.Fatalf("DecodeJob failed: %v", err)
	}
	if got != job {
		t.Errorf("DecodeJob = %+v, want %+v", got, job)
	}
	if job.ResultFolder() != "lockfiles/b/1/P_1.0_conan_stable/linux_gcc/A_1.0_conan_stable_3" {
		t.Errorf("ResultFolder = %s", job.ResultFolder())
	}
	if _, err := DecodeJob(`{"build":{}}`); err == nil {
		t.Error("DecodeJob should reject a job without node")
	}
}
