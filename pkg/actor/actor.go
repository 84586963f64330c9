// Package actor implements the message-passing concurrency model used by the
// dataplane driver: each actor owns its state, runs on a single goroutine and
// drains its inbox in batches.  Accumulated state is only flushed to the
// kernel from the finish-batch hook, so a burst of updates collapses into a
// single kernel write.
package actor

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// maxBatchSize bounds how many messages we process before running the
// finish-batch hook and giving other goroutines a chance to run.  A snapshot
// is posted as a single message, so this only splits long backlogs.
const maxBatchSize = 100

// BatchOwner is implemented by the state-owning half of an actor.  All
// messages and FinishBatch run on the mailbox goroutine, so the owner's
// fields need no locking.
type BatchOwner interface {
	// FinishBatch is called after each batch of messages has been
	// processed.  It is the only place an actor may flush accumulated
	// state to the kernel.  If it returns an error, every caller awaiting
	// a message in the batch observes that error.
	FinishBatch() error
}

type envelope struct {
	name  string
	fn    func() error
	reply chan error
}

// Mailbox is an unbounded FIFO inbox with a single owning goroutine.
type Mailbox struct {
	name  string
	owner BatchOwner

	mutex  sync.Mutex
	queue  []*envelope
	wakeup chan struct{}
}

func NewMailbox(name string, owner BatchOwner) *Mailbox {
	return &Mailbox{
		name:   name,
		owner:  owner,
		wakeup: make(chan struct{}, 1),
	}
}

// Start spawns the actor goroutine.  It must be called exactly once.
func (m *Mailbox) Start() {
	go m.loop()
}

// Post enqueues fn for execution on the actor goroutine and returns
// immediately.  If fn (or the subsequent FinishBatch) fails, the error is
// logged and discarded.
func (m *Mailbox) Post(name string, fn func() error) {
	m.send(&envelope{name: name, fn: fn})
}

// Call enqueues fn and blocks until it (and the FinishBatch hook for its
// batch) has run, returning the combined result.  Must not be called from
// the actor's own goroutine.
func (m *Mailbox) Call(name string, fn func() error) error {
	env := &envelope{name: name, fn: fn, reply: make(chan error, 1)}
	m.send(env)
	return <-env.reply
}

func (m *Mailbox) send(env *envelope) {
	m.mutex.Lock()
	m.queue = append(m.queue, env)
	m.mutex.Unlock()
	select {
	case m.wakeup <- struct{}{}:
	default:
	}
}

func (m *Mailbox) loop() {
	logCxt := log.WithField("actor", m.name)
	logCxt.Debug("Actor started")
	for range m.wakeup {
		for {
			batch := m.takeBatch()
			if len(batch) == 0 {
				break
			}
			m.processBatch(logCxt, batch)
		}
	}
}

// takeBatch removes and returns up to maxBatchSize queued messages.
func (m *Mailbox) takeBatch() []*envelope {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	n := len(m.queue)
	if n > maxBatchSize {
		n = maxBatchSize
	}
	batch := m.queue[:n:n]
	m.queue = m.queue[n:]
	return batch
}

func (m *Mailbox) processBatch(logCxt *log.Entry, batch []*envelope) {
	errs := make([]error, len(batch))
	for i, env := range batch {
		logCxt.WithField("message", env.name).Debug("Processing message")
		errs[i] = env.fn()
	}
	batchErr := m.owner.FinishBatch()
	for i, env := range batch {
		err := errs[i]
		if err == nil {
			err = batchErr
		}
		if env.reply != nil {
			env.reply <- err
		} else if err != nil {
			logCxt.WithError(err).WithField("message", env.name).Warn(
				"Error processing message with no waiting caller")
		}
	}
}

// NoOpFinisher can be embedded by actors that have nothing to flush at the
// end of a batch.
type NoOpFinisher struct{}

func (NoOpFinisher) FinishBatch() error { return nil }

// String implements fmt.Stringer for log output.
func (m *Mailbox) String() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return fmt.Sprintf("Mailbox<%s,queued=%d>", m.name, len(m.queue))
}
