package durability

import (
	"sync"
	"time"

	"github.com/corraldb/corral/pkg/log"
	"github.com/corraldb/corral/pkg/metrics"
)

// shutdownSeq is the requested value that tells the worker to exit.
const shutdownSeq = ^uint64(0)

// Committer is the one storage operation the worker drives. In production it
// is (*storage.File).Commit.
type Committer interface {
	Commit() error
}

// Worker owns the only handle allowed to fsync the store. The main task
// bumps the requested counter whenever new writes must become durable; the
// worker advances committed after each successful fsync. A waiter keyed on
// sequence number s may fire only once committed >= s.
type Worker struct {
	store Committer

	mu        sync.Mutex
	cond      *sync.Cond
	requested uint64
	committed uint64

	wake chan struct{}
	done chan struct{}
}

// NewWorker creates a worker; Start must be called before Request.
func NewWorker(store Committer) *Worker {
	w := &Worker{
		store: store,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Start launches the fsync loop.
func (w *Worker) Start() {
	go w.run()
}

// Request records that everything appended so far must become durable and
// returns the sequence number to wait on.
func (w *Worker) Request() uint64 {
	w.mu.Lock()
	w.requested++
	seq := w.requested
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return seq
}

// Committed returns the durable-through sequence number.
func (w *Worker) Committed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committed
}

// WaitAdvance blocks until committed exceeds prev, returning the new value.
// If the worker shuts down first it returns committed as it stands, which is
// then at most prev.
func (w *Worker) WaitAdvance(prev uint64) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.committed <= prev && w.requested != shutdownSeq {
		w.cond.Wait()
	}
	return w.committed
}

// Notify returns a channel that receives after committed advances. It is a
// level-triggered wake for the main loop's poll.
func (w *Worker) Notify() <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		w.mu.Lock()
		prev := w.committed
		for w.committed <= prev && w.requested != shutdownSeq {
			w.cond.Wait()
		}
		w.mu.Unlock()
		ch <- struct{}{}
	}()
	return ch
}

// Close signals shutdown and joins the worker.
func (w *Worker) Close() {
	w.mu.Lock()
	w.requested = shutdownSeq
	w.mu.Unlock()
	w.cond.Broadcast()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	logger := log.WithComponent("durability")

	for {
		w.mu.Lock()
		for w.requested <= w.committed && w.requested != shutdownSeq {
			w.mu.Unlock()
			<-w.wake
			w.mu.Lock()
		}
		if w.requested == shutdownSeq {
			w.mu.Unlock()
			return
		}
		target := w.requested
		w.mu.Unlock()

		if err := w.store.Commit(); err != nil {
			// committed must not advance past a failed fsync; the request
			// stays pending and we retry.
			logger.Error().Err(err).Msg("fsync failed")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		metrics.IncFsyncs()
		w.mu.Lock()
		if w.committed < target {
			w.committed = target
		}
		w.mu.Unlock()
		w.cond.Broadcast()
	}
}
