// Package dispatch multiplexes boundary requests onto the executor. It is
// the layer the C bindings and the IPC daemon talk to: decoded request
// messages go in, encoded response messages come out, and nothing in here
// ever panics across the boundary.
//
// Four modes cover the host calling conventions: synchronous, asynchronous
// by polled handle, asynchronous with a completion notification, and batch.
// Handles are engine-scoped; two dispatchers never share them.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sardanioss/mimic/client"
	"github.com/sardanioss/mimic/protocol"
)

// defaultBatchParallelism bounds batch fan-out when the owner sets nothing.
// It matches the micro-batch size host SDKs accumulate before flushing.
const defaultBatchParallelism = 32

// Handle identifies an in-flight asynchronous request.
type Handle uint64

// Option adjusts a Dispatcher at construction.
type Option func(*Dispatcher)

// WithBatchParallelism caps how many batch entries run at once.
func WithBatchParallelism(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.parallel = n
		}
	}
}

// Dispatcher runs boundary requests against one executor.
type Dispatcher struct {
	client   *client.Client
	parallel int

	nextHandle atomic.Uint64
	pending    sync.Map // Handle -> *pending

	baseCtx   context.Context
	cancelAll context.CancelFunc
	closed    atomic.Bool
}

type pending struct {
	cancel context.CancelFunc
	done   chan struct{}
	resp   *protocol.ResponseMessage
	notify func()
}

// New wraps an executor. The dispatcher does not own the executor; closing
// the dispatcher cancels in-flight work but leaves the client and its pool
// to their owner.
func New(c *client.Client, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		client:    c,
		parallel:  defaultBatchParallelism,
		baseCtx:   ctx,
		cancelAll: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do executes one request and blocks for the response. The work still runs
// on its own goroutine, so concurrent boundary callers multiplex on the
// scheduler instead of serializing in the host runtime.
func (d *Dispatcher) Do(ctx context.Context, msg *protocol.RequestMessage) *protocol.ResponseMessage {
	ch := make(chan *protocol.ResponseMessage, 1)
	go func() {
		ch <- d.execute(ctx, msg)
	}()
	return <-ch
}

// Submit starts msg and returns a handle for Poll. The request's lifetime
// is the dispatcher's, not the caller's.
func (d *Dispatcher) Submit(msg *protocol.RequestMessage) Handle {
	return d.submit(msg, nil)
}

// SubmitNotify is Submit plus a completion callback, invoked exactly once
// after the result became ready to Take.
func (d *Dispatcher) SubmitNotify(msg *protocol.RequestMessage, notify func()) Handle {
	return d.submit(msg, notify)
}

func (d *Dispatcher) submit(msg *protocol.RequestMessage, notify func()) Handle {
	ctx, cancel := context.WithCancel(d.baseCtx)
	p := &pending{cancel: cancel, done: make(chan struct{}), notify: notify}
	h := Handle(d.nextHandle.Add(1))
	d.pending.Store(h, p)

	go func() {
		p.resp = d.execute(ctx, msg)
		close(p.done)
		cancel()
		if p.notify != nil {
			p.notify()
		}
	}()
	return h
}

// Poll reports whether h finished. When it has, the response is returned
// and the handle retired; polling an unknown or still-running handle yields
// (nil, false).
func (d *Dispatcher) Poll(h Handle) (*protocol.ResponseMessage, bool) {
	v, ok := d.pending.Load(h)
	if !ok {
		return nil, false
	}
	p := v.(*pending)
	select {
	case <-p.done:
	default:
		return nil, false
	}
	if _, claimed := d.pending.LoadAndDelete(h); !claimed {
		return nil, false
	}
	return p.resp, true
}

// Take blocks until h's result is ready, returns it, and retires the
// handle. After a completion notification the wait is already satisfied;
// the block only covers hosts that race the notify byte. Unknown handles
// return nil.
func (d *Dispatcher) Take(h Handle) *protocol.ResponseMessage {
	v, ok := d.pending.LoadAndDelete(h)
	if !ok {
		return nil
	}
	p := v.(*pending)
	<-p.done
	return p.resp
}

// Free cancels h if still running and discards any result.
func (d *Dispatcher) Free(h Handle) {
	if v, ok := d.pending.LoadAndDelete(h); ok {
		v.(*pending).cancel()
	}
}

// Batch fans msgs out, at most parallel at a time, and gathers responses in
// declaration order. Entries without a RequestID get their batch index so
// hosts can correlate.
func (d *Dispatcher) Batch(ctx context.Context, msgs []protocol.RequestMessage) []*protocol.ResponseMessage {
	out := make([]*protocol.ResponseMessage, len(msgs))
	if len(msgs) == 0 {
		return out
	}

	sem := make(chan struct{}, d.parallel)
	var wg sync.WaitGroup
	for i := range msgs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			msg := msgs[idx]
			if msg.RequestID == "" {
				msg.RequestID = fmt.Sprintf("batch_%d", idx)
			}
			out[idx] = d.execute(ctx, &msg)
		}(i)
	}
	wg.Wait()
	return out
}

// WSConnect opens a WebSocket configured by a boundary message.
func (d *Dispatcher) WSConnect(ctx context.Context, msg *protocol.RequestMessage) (*client.WSConn, error) {
	return d.client.WSConnect(ctx, buildRequest(msg))
}

// SSEConnect opens an event stream configured by a boundary message.
func (d *Dispatcher) SSEConnect(ctx context.Context, msg *protocol.RequestMessage) (*client.SSEConn, error) {
	return d.client.SSEConnect(ctx, buildRequest(msg))
}

// Close cancels all in-flight work and rejects new submissions.
func (d *Dispatcher) Close() {
	if d.closed.Swap(true) {
		return
	}
	d.cancelAll()
	d.pending.Range(func(k, _ interface{}) bool {
		d.pending.Delete(k)
		return true
	})
}

// execute runs one request end to end. Every failure mode, including a
// panic, comes back as an encodable response; the boundary never sees a Go
// error value.
func (d *Dispatcher) execute(ctx context.Context, msg *protocol.RequestMessage) (resp *protocol.ResponseMessage) {
	id := msg.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	defer func() {
		if r := recover(); r != nil {
			resp = protocol.ErrorResponseWithKind(id, "ProtocolError", fmt.Sprintf("panic: %v", r))
		}
	}()

	if d.closed.Load() {
		return protocol.ErrorResponseWithKind(id, "Cancelled", "dispatcher closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cresp, err := d.client.Do(ctx, buildRequest(msg))
	if err != nil {
		return protocol.ErrorResponse(id, err)
	}
	return buildResponse(id, cresp)
}
