// Package transport is the in-process actor substrate the ring runs on.
// Every actor owns an unbounded FIFO mailbox drained by a single goroutine,
// so handlers of one actor never interleave.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

// Handler processes envelopes for one actor. Returning pkg.ErrNodeHalted
// stops that actor only; any other error aborts the whole bus.
type Handler interface {
	Receive(ctx context.Context, env chord.Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env chord.Envelope) error

// Receive calls f.
func (f HandlerFunc) Receive(ctx context.Context, env chord.Envelope) error {
	return f(ctx, env)
}

type mailbox struct {
	name    string
	ref     chord.Ref
	handler Handler

	mu     sync.Mutex
	queue  []chord.Envelope
	halted bool
	signal chan struct{}
}

// Bus delivers messages between actors and tracks how many are in flight.
type Bus struct {
	logger *pkg.Logger

	mu      sync.RWMutex
	actors  map[chord.Ref]*mailbox
	nextRef uint64
	closed  bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	errMu sync.Mutex
	err   error

	idleMu   sync.Mutex
	inflight int
	waiters  []chan struct{}
}

// NewBus creates a bus whose actors stop when ctx is cancelled.
func NewBus(ctx context.Context, logger *pkg.Logger) (*Bus, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)

	return &Bus{
		logger: logger.WithComponent("bus"),
		actors: make(map[chord.Ref]*mailbox),
		group:  group,
		ctx:    gctx,
		cancel: cancel,
	}, nil
}

// Spawn registers an actor built by factory and starts its mailbox loop.
func (b *Bus) Spawn(name string, factory func(chord.Ref) (Handler, error)) (chord.Ref, error) {
	b.mu.Lock()
	if b.closed || b.ctx.Err() != nil {
		b.mu.Unlock()
		return chord.NoRef, pkg.ErrBusClosed
	}
	b.nextRef++
	ref := chord.Ref(b.nextRef)
	b.mu.Unlock()

	handler, err := factory(ref)
	if err != nil {
		return chord.NoRef, fmt.Errorf("spawn %s: %w", name, err)
	}

	mb := &mailbox{
		name:    name,
		ref:     ref,
		handler: handler,
		signal:  make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return chord.NoRef, pkg.ErrBusClosed
	}
	b.actors[ref] = mb
	b.mu.Unlock()

	b.group.Go(func() error {
		return b.run(mb)
	})

	b.logger.Debug().
		Str("actor", name).
		Uint64("ref", uint64(ref)).
		Msg("Actor spawned")
	return ref, nil
}

// Send enqueues msgs for to, contiguously and in order. Messages to a halted
// actor are dropped silently.
func (b *Bus) Send(from, to chord.Ref, msgs ...chord.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	b.mu.RLock()
	closed := b.closed
	mb, ok := b.actors[to]
	b.mu.RUnlock()

	if closed {
		return pkg.ErrBusClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", pkg.ErrUnknownNode, to)
	}

	mb.mu.Lock()
	if mb.halted {
		mb.mu.Unlock()
		b.logger.Debug().
			Str("actor", mb.name).
			Str("kind", msgs[0].Kind()).
			Msg("Dropping message for halted actor")
		return nil
	}
	b.track(len(msgs))
	for _, m := range msgs {
		mb.queue = append(mb.queue, chord.Envelope{
			ID:   uuid.New(),
			From: from,
			To:   to,
			Msg:  m,
		})
	}
	mb.mu.Unlock()

	select {
	case mb.signal <- struct{}{}:
	default:
	}
	return nil
}

func (b *Bus) run(mb *mailbox) error {
	for {
		select {
		case <-b.ctx.Done():
			b.done(mb.halt())
			return nil
		case <-mb.signal:
		}

		for {
			if b.ctx.Err() != nil {
				b.done(mb.halt())
				return nil
			}
			env, ok := mb.pop()
			if !ok {
				break
			}

			err := mb.handler.Receive(b.ctx, env)
			b.done(1)
			if err == nil {
				continue
			}

			dropped := mb.halt()
			b.done(dropped)

			if errors.Is(err, pkg.ErrNodeHalted) {
				b.logger.Debug().
					Str("actor", mb.name).
					Int("dropped", dropped).
					Msg("Actor halted")
				return nil
			}
			if b.ctx.Err() != nil || errors.Is(err, pkg.ErrBusClosed) {
				// shutting down; sends fail once the bus is closed
				return nil
			}

			err = fmt.Errorf("actor %s: %w", mb.name, err)
			b.setErr(err)
			b.logger.Error().
				Err(err).
				Str("actor", mb.name).
				Str("msg_id", env.ID.String()).
				Msg("Actor failed, aborting bus")
			return err
		}
	}
}

func (mb *mailbox) pop() (chord.Envelope, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.halted || len(mb.queue) == 0 {
		return chord.Envelope{}, false
	}
	env := mb.queue[0]
	mb.queue[0] = chord.Envelope{}
	mb.queue = mb.queue[1:]
	return env, true
}

// halt marks the mailbox halted and returns how many queued envelopes were discarded.
func (mb *mailbox) halt() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.halted {
		return 0
	}
	mb.halted = true
	dropped := len(mb.queue)
	mb.queue = nil
	return dropped
}

// Halted reports whether the actor at ref stopped.
func (b *Bus) Halted(ref chord.Ref) (bool, error) {
	b.mu.RLock()
	mb, ok := b.actors[ref]
	b.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", pkg.ErrUnknownNode, ref)
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.halted, nil
}

func (b *Bus) track(n int) {
	b.idleMu.Lock()
	b.inflight += n
	b.idleMu.Unlock()
}

func (b *Bus) done(n int) {
	if n == 0 {
		return
	}

	b.idleMu.Lock()
	defer b.idleMu.Unlock()

	b.inflight -= n
	if b.inflight > 0 {
		return
	}
	for _, w := range b.waiters {
		close(w)
	}
	b.waiters = nil
}

// Inflight returns the number of enqueued envelopes not yet handled.
func (b *Bus) Inflight() int {
	b.idleMu.Lock()
	defer b.idleMu.Unlock()
	return b.inflight
}

// Quiesce blocks until no envelope is in flight. Messages a node deferred
// while unconfigured count as handled.
func (b *Bus) Quiesce(ctx context.Context) error {
	for {
		if b.ctx.Err() != nil {
			if err := b.Err(); err != nil {
				return err
			}
			return pkg.ErrBusClosed
		}

		b.idleMu.Lock()
		if b.inflight == 0 {
			b.idleMu.Unlock()
			return nil
		}
		ch := make(chan struct{})
		b.waiters = append(b.waiters, ch)
		b.idleMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.ctx.Done():
			if err := b.Err(); err != nil {
				return err
			}
			return pkg.ErrBusClosed
		}
	}
}

// Err returns the error that aborted the bus, if any.
func (b *Bus) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *Bus) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// Done is closed when the bus stops, either through Close or a failed actor.
func (b *Bus) Done() <-chan struct{} {
	return b.ctx.Done()
}

// Wait blocks until every actor loop has returned and reports the first failure.
func (b *Bus) Wait() error {
	return b.group.Wait()
}

// Close stops all actors and waits for them.
func (b *Bus) Close() error {
	b.cancel()

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	return b.Wait()
}
