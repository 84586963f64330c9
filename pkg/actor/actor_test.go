package actor

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingOwner counts batches and can be told to fail the next
// finish-batch hook.
type recordingOwner struct {
	mu          sync.Mutex
	batches     int
	nextBatchEr error
}

func (o *recordingOwner) FinishBatch() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches++
	err := o.nextBatchEr
	o.nextBatchEr = nil
	return err
}

func (o *recordingOwner) batchCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.batches
}

func TestMailboxFIFO(t *testing.T) {
	owner := &recordingOwner{}
	m := NewMailbox("test", owner)
	m.Start()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 100; i++ {
		i := i
		m.Post("msg", func() error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
	}
	// A Call acts as a barrier: everything posted before it has run.
	if err := m.Call("barrier", func() error { return nil }); err != nil {
		t.Fatalf("barrier failed: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 100 {
		t.Fatalf("expected 100 messages processed, got %d", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("message %d processed out of order (got %d)", i, got)
		}
	}
}

func TestMailboxBatching(t *testing.T) {
	owner := &recordingOwner{}
	m := NewMailbox("test", owner)

	// Queue everything before the actor starts; it must drain the backlog
	// in far fewer batches than messages.
	for i := 0; i < 50; i++ {
		m.Post("msg", func() error { return nil })
	}
	m.Start()
	if err := m.Call("barrier", func() error { return nil }); err != nil {
		t.Fatalf("barrier failed: %v", err)
	}
	if batches := owner.batchCount(); batches > 3 {
		t.Errorf("expected backlog to collapse into a few batches, got %d", batches)
	}
}

func TestCallReturnsMessageError(t *testing.T) {
	owner := &recordingOwner{}
	m := NewMailbox("test", owner)
	m.Start()

	wantErr := errors.New("message failed")
	if err := m.Call("failing", func() error { return wantErr }); err != wantErr {
		t.Errorf("expected %v, got %v", wantErr, err)
	}
}

func TestCallReturnsFinishBatchError(t *testing.T) {
	owner := &recordingOwner{}
	m := NewMailbox("test", owner)
	m.Start()

	wantErr := errors.New("flush failed")
	owner.mu.Lock()
	owner.nextBatchEr = wantErr
	owner.mu.Unlock()
	if err := m.Call("ok-message", func() error { return nil }); err != wantErr {
		t.Errorf("expected finish-batch error %v, got %v", wantErr, err)
	}
	// The failure is not sticky.
	if err := m.Call("ok-message", func() error { return nil }); err != nil {
		t.Errorf("expected next batch to succeed, got %v", err)
	}
}

func TestPostErrorIsDiscarded(t *testing.T) {
	owner := &recordingOwner{}
	m := NewMailbox("test", owner)
	m.Start()

	m.Post("failing", func() error { return errors.New("ignored") })
	done := make(chan struct{})
	go func() {
		m.Call("barrier", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("mailbox wedged after a failed post")
	}
}
