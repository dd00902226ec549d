// Package dispatch runs queued tasks one at a time in priority order.
package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"expvar"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/inbucket/listgate/pkg/metric"
	"github.com/inbucket/listgate/pkg/msghub"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Submit once the dispatcher has been closed.
var ErrClosed = errors.New("dispatcher closed")

// DefaultBuffer is the capacity of the submission channel.
const DefaultBuffer = 256

var (
	expSubmittedTotal = new(expvar.Int)
	expCompletedTotal = new(expvar.Int)
	expFailedTotal    = new(expvar.Int)
	expDroppedTotal   = new(expvar.Int)
	expQueued         = new(expvar.Int)
)

func init() {
	m := expvar.NewMap("dispatch")
	metric.NewHistory(m, "Submitted", expSubmittedTotal)
	metric.NewHistory(m, "Completed", expCompletedTotal)
	metric.NewHistory(m, "Failed", expFailedTotal)
	metric.NewHistory(m, "Queued", expQueued)
	m.Set("Dropped", expDroppedTotal)
}

// HandlerFunc performs a task.
type HandlerFunc func(ctx context.Context, t *Task) error

// Handlers maps every kind to its handler.
type Handlers map[Kind]HandlerFunc

// Dispatcher accepts tasks from any goroutine and runs them on a single consumer.
type Dispatcher struct {
	handlers Handlers
	hub      *msghub.Hub
	in       chan *entry
	q        *queue // owned by Run
	mu       sync.RWMutex
	closed   bool
	seq      atomic.Uint64
	done     chan struct{}
}

// New creates a Dispatcher. hub may be nil.
func New(handlers Handlers, hub *msghub.Hub, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		handlers: handlers,
		hub:      hub,
		in:       make(chan *entry, buffer),
		q:        &queue{},
		done:     make(chan struct{}),
	}
}

// Submit queues t at priority. It blocks while the submission buffer is full, so handlers must
// use Followup instead.
func (d *Dispatcher) Submit(priority int, t Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	e := d.newEntry(priority, t)
	d.in <- e
	expSubmittedTotal.Add(1)
	log.Debug().Str("module", "dispatch").Str("task", e.task.ID).Stringer("kind", e.task.Kind).
		Int("priority", priority).Msg("Task submitted")
	return nil
}

// Followup queues a task of kind at its default priority from within a running handler. It
// must not be called from any other goroutine.
func (d *Dispatcher) Followup(kind Kind, p Payload) {
	e := d.newEntry(kind.Priority(), Task{Kind: kind, Payload: p})
	heap.Push(d.q, e)
	expSubmittedTotal.Add(1)
	log.Debug().Str("module", "dispatch").Str("task", e.task.ID).Stringer("kind", kind).
		Msg("Followup queued")
}

func (d *Dispatcher) newEntry(priority int, t Task) *entry {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Priority = priority
	t.Submitted = time.Now()
	return &entry{task: &t, seq: d.seq.Add(1)}
}

// Enqueue submits a task of kind at its default priority.
func (d *Dispatcher) Enqueue(kind Kind, p Payload) error {
	return d.Submit(kind.Priority(), Task{Kind: kind, Payload: p})
}

// Close stops accepting tasks. Run returns once every queued task has been handled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.in)
	}
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Run consumes tasks until the dispatcher is closed and drained, or ctx is canceled. It must be
// called from exactly one goroutine.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	slog := log.With().Str("module", "dispatch").Logger()
	slog.Debug().Str("phase", "startup").Msg("Dispatcher running")

	q := d.q
	open := true
	for open || q.Len() > 0 {
		if q.Len() == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e, ok := <-d.in:
				if !ok {
					open = false
					continue
				}
				heap.Push(q, e)
			}
		}
		// Absorb everything already submitted so ordering sees all of it.
	absorb:
		for open {
			select {
			case e, ok := <-d.in:
				if !ok {
					open = false
					break absorb
				}
				heap.Push(q, e)
			default:
				break absorb
			}
		}
		expQueued.Set(int64(q.Len()))
		if q.Len() == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			slog.Warn().Int("abandoned", q.Len()).Msg("Dispatcher canceled with tasks queued")
			return err
		}
		e := heap.Pop(q).(*entry)
		expQueued.Set(int64(q.Len()))
		d.execute(ctx, e.task)
	}
	slog.Debug().Str("phase", "shutdown").Msg("Dispatcher drained")
	return nil
}

// execute runs one task, recovering from handler panics.
func (d *Dispatcher) execute(ctx context.Context, t *Task) {
	slog := log.With().Str("module", "dispatch").Str("task", t.ID).Stringer("kind", t.Kind).
		Int("priority", t.Priority).Logger()
	started := time.Now()
	var err error
	h, ok := d.handlers[t.Kind]
	if !ok {
		expDroppedTotal.Add(1)
		slog.Error().Msg("No handler for task kind, dropped")
		err = fmt.Errorf("no handler for %v", t.Kind)
	} else {
		err = safeCall(ctx, h, t)
		if err != nil {
			expFailedTotal.Add(1)
			slog.Error().Err(err).Str("detail", t.Detail()).Msg("Task failed")
		} else {
			expCompletedTotal.Add(1)
			slog.Debug().Dur("elapsed", time.Since(started)).Msg("Task complete")
		}
	}
	if d.hub != nil {
		a := msghub.Activity{
			ID:       t.ID,
			Kind:     t.Kind.String(),
			Priority: t.Priority,
			Detail:   t.Detail(),
			Started:  started,
			Duration: time.Since(started),
		}
		if err != nil {
			a.Error = err.Error()
		}
		d.hub.Dispatch(a)
	}
}

func safeCall(ctx context.Context, h HandlerFunc, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "dispatch").Str("task", t.ID).Stringer("kind", t.Kind).
				Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Handler panic")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, t)
}

// entry orders tasks by priority, then by submission.
type entry struct {
	task *Task
	seq  uint64
}

type queue []*entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority < q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x any) { *q = append(*q, x.(*entry)) }

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}
