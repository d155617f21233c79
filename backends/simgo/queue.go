package simgo

import (
	"sync"
	"time"

	"github.com/gomlx/offload/backends"
	"github.com/gomlx/offload/kernels"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrQueueReset is the error of operations dropped by Queue.Reset.
var ErrQueueReset = errors.New("operation dropped by queue reset")

// ErrQueueClosed is the error of operations submitted after the backend was finalized.
var ErrQueueClosed = errors.New("queue closed")

// completion implements backends.Completion.
type completion struct {
	done chan struct{}

	mu                     sync.Mutex
	err                    error
	queued, started, ended time.Time
}

var _ backends.Completion = &completion{}

func newCompletion() *completion {
	return &completion{done: make(chan struct{}), queued: time.Now()}
}

func (c *completion) Done() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *completion) Wait() error {
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *completion) Timing() (queued, started, ended time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queued, c.started, c.ended
}

func (c *completion) markStarted() {
	c.mu.Lock()
	c.started = time.Now()
	c.mu.Unlock()
}

func (c *completion) finish(err error) {
	c.mu.Lock()
	c.err = err
	c.ended = time.Now()
	c.mu.Unlock()
	close(c.done)
}

// op is one command in a queue. A nil run is a barrier.
type op struct {
	name       string
	run        func() error
	waits      []backends.Completion
	completion *completion
}

// queue implements backends.Queue with one worker goroutine executing
// operations in submission order.
type queue struct {
	device *device

	mu       sync.Mutex
	cond     sync.Cond
	pending  []*op
	closed   bool
	firstErr error
	exited   chan struct{}
}

var _ backends.Queue = &queue{}

func newQueue(d *device) *queue {
	q := &queue{device: d, exited: make(chan struct{})}
	q.cond = sync.Cond{L: &q.mu}
	go q.loop()
	return q
}

func (q *queue) loop() {
	defer close(q.exited)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		o := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		err := q.execute(o)
		if err != nil {
			klog.V(2).Infof("%s: %s on %s failed: %v", BackendName, o.name, q.device.info, err)
			q.mu.Lock()
			if q.firstErr == nil {
				q.firstErr = err
			}
			q.mu.Unlock()
		}
		o.completion.finish(err)
	}
}

func (q *queue) execute(o *op) error {
	for _, w := range o.waits {
		if w == nil {
			continue
		}
		if err := w.Wait(); err != nil {
			return errors.WithMessagef(err, "%s: dependency of %s failed", BackendName, o.name)
		}
	}
	o.completion.markStarted()
	if o.run == nil {
		return nil
	}
	return o.run()
}

func (q *queue) submit(name string, run func() error, waits []backends.Completion) backends.Completion {
	o := &op{name: name, run: run, waits: waits, completion: newCompletion()}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		o.completion.finish(errors.Wrapf(ErrQueueClosed, "%s: cannot submit %s", BackendName, name))
		return o.completion
	}
	q.pending = append(q.pending, o)
	q.cond.Signal()
	return o.completion
}

// CopyToDevice implements backends.Queue.
func (q *queue) CopyToDevice(dst backends.Address, offset int64, host []byte, pinned bool, waits []backends.Completion) backends.Completion {
	src := host
	if !pinned {
		src = make([]byte, len(host))
		copy(src, host)
	}
	return q.submit("copy-to-device", func() error {
		mem, err := q.device.memory.resolve(dst, offset, int64(len(src)))
		if err != nil {
			return err
		}
		copy(mem, src)
		q.device.backend.stats.copiesToDevice.Add(1)
		q.device.backend.stats.bytesToDevice.Add(int64(len(src)))
		return nil
	}, waits)
}

// CopyToHost implements backends.Queue.
func (q *queue) CopyToHost(host []byte, src backends.Address, offset int64, waits []backends.Completion) backends.Completion {
	return q.submit("copy-to-host", func() error {
		mem, err := q.device.memory.resolve(src, offset, int64(len(host)))
		if err != nil {
			return err
		}
		copy(host, mem)
		q.device.backend.stats.copiesToHost.Add(1)
		q.device.backend.stats.bytesToHost.Add(int64(len(host)))
		return nil
	}, waits)
}

// Launch implements backends.Queue.
func (q *queue) Launch(m backends.Module, argBlock []byte, grid, block [kernels.MaxDims]int, waits []backends.Completion) backends.Completion {
	args := append([]byte(nil), argBlock...)
	name := "launch"
	if m != nil {
		name = "launch of " + m.Name()
	}
	return q.submit(name, func() error {
		return q.device.launch(m, args, grid, block)
	}, waits)
}

// Barrier implements backends.Queue.
func (q *queue) Barrier(waits []backends.Completion) backends.Completion {
	return q.submit("barrier", nil, waits)
}

// Synchronize implements backends.Queue.
func (q *queue) Synchronize() error {
	_ = q.Barrier(nil).Wait()
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.firstErr
	q.firstErr = nil
	if err == nil && q.closed {
		err = errors.Wrapf(ErrQueueClosed, "%s: synchronize", BackendName)
	}
	return err
}

// Reset implements backends.Queue.
func (q *queue) Reset() {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	q.firstErr = nil
	q.mu.Unlock()
	for _, o := range dropped {
		o.completion.finish(errors.Wrapf(ErrQueueReset, "%s: %s", BackendName, o.name))
	}
}

// close drops pending operations and stops the worker.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	for _, o := range dropped {
		o.completion.finish(errors.Wrapf(ErrQueueClosed, "%s: %s", BackendName, o.name))
	}
	<-q.exited
}
