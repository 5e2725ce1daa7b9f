package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/joelkehle/simfleet/internal/bus"
)

type Kind int

const (
	OneShot Kind = iota
	Cyclic
	Periodic
)

func (k Kind) String() string {
	switch k {
	case OneShot:
		return "oneshot"
	case Cyclic:
		return "cyclic"
	case Periodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// RunFunc is one iteration of a behaviour. ctx is cancelled when the
// behaviour is killed or its agent stops.
type RunFunc func(ctx context.Context, b *Behaviour) error

type Behaviour struct {
	name   string
	kind   Kind
	period time.Duration
	run    RunFunc
	onEnd  func(b *Behaviour)

	agent   *Agent
	matcher bus.Matcher
	thread  string
	inbox   *bus.Mailbox

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	killed   bool
	exitCode int
	err      error
}

func newBehaviour(name string, kind Kind, period time.Duration, fn RunFunc) *Behaviour {
	return &Behaviour{
		name:   name,
		kind:   kind,
		period: period,
		run:    fn,
		inbox:  bus.NewMailbox(),
		done:   make(chan struct{}),
	}
}

// NewOneShot runs fn once.
func NewOneShot(name string, fn RunFunc) *Behaviour {
	return newBehaviour(name, OneShot, 0, fn)
}

// NewCyclic runs fn repeatedly until killed.
func NewCyclic(name string, fn RunFunc) *Behaviour {
	return newBehaviour(name, Cyclic, 0, fn)
}

// NewPeriodic runs fn, then sleeps period, until killed.
func NewPeriodic(name string, period time.Duration, fn RunFunc) *Behaviour {
	return newBehaviour(name, Periodic, period, fn)
}

// OnEnd registers a hook that runs when the behaviour finishes for any
// reason, including a kill before it ever ran. Once the behaviour has
// started the hook runs under the agent lock.
func (b *Behaviour) OnEnd(fn func(b *Behaviour)) *Behaviour {
	b.onEnd = fn
	return b
}

func (b *Behaviour) Name() string { return b.name }
func (b *Behaviour) Kind() Kind   { return b.kind }
func (b *Behaviour) Agent() *Agent {
	return b.agent
}

// SetPeriod changes the delay between periodic iterations.
func (b *Behaviour) SetPeriod(d time.Duration) {
	b.period = d
}

func (b *Behaviour) start(parent context.Context) {
	a := b.agent
	b.ctx, b.cancel = context.WithCancel(parent)
	if parent.Err() != nil || b.IsKilled() {
		b.cancel()
		a.removeBehaviour(b)
		if b.onEnd != nil {
			b.onEnd(b)
		}
		close(b.done)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(b.done)
		defer a.removeBehaviour(b)
		defer b.cancel()

		a.sched.Lock()
		defer a.sched.Unlock()
		defer func() {
			if b.onEnd != nil {
				b.onEnd(b)
			}
		}()

		for {
			if b.ctx.Err() != nil {
				return
			}
			if err := b.step(); err != nil {
				if errors.Is(err, ErrInvariant) {
					b.setErr(err)
					a.fail(b, err)
					return
				}
				if b.ctx.Err() != nil {
					return
				}
				a.logger.Printf("%s behaviour=%s kind=%s err=%v", a.jid, b.name, b.kind, err)
				if b.kind == OneShot {
					b.setErr(err)
					return
				}
			}
			switch b.kind {
			case OneShot:
				return
			case Periodic:
				if b.Sleep(b.ctx, b.period) != nil {
					return
				}
			default:
				b.yield(runtime.Gosched)
			}
		}
	}()
}

func (b *Behaviour) step() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("behaviour %s panicked: %v", b.name, r)
		}
	}()
	return b.run(b.ctx, b)
}

// yield releases the agent lock while fn runs.
func (b *Behaviour) yield(fn func()) {
	b.agent.sched.Unlock()
	defer b.agent.sched.Lock()
	fn()
}

// Blocking runs fn with the agent lock released so that other behaviours
// of the agent keep running while fn waits on I/O. fn must not touch
// agent state.
func (b *Behaviour) Blocking(fn func()) {
	b.yield(fn)
}

// Receive waits up to timeout for the next message routed to this
// behaviour. It reports false on timeout, kill or agent stop. A
// non-positive timeout waits indefinitely.
func (b *Behaviour) Receive(ctx context.Context, timeout time.Duration) (bus.Message, bool) {
	var msg bus.Message
	var ok bool
	b.yield(func() {
		msg, ok = b.inbox.Pop(ctx, timeout)
	})
	return msg, ok
}

func (b *Behaviour) Send(ctx context.Context, msg bus.Message) error {
	return b.agent.Send(ctx, msg)
}

// Sleep suspends the behaviour for d. It returns ctx.Err() when
// interrupted.
func (b *Behaviour) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		b.yield(runtime.Gosched)
		return ctx.Err()
	}
	b.yield(func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	})
	return ctx.Err()
}

// Await suspends until ch fires, ctx ends or timeout elapses. It reports
// whether ch fired.
func (b *Behaviour) Await(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	fired := false
	b.yield(func() {
		var expired <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-ch:
			fired = true
		case <-expired:
		case <-ctx.Done():
		}
	})
	return fired
}

// Join suspends until other finishes. It reports false on timeout or
// cancellation.
func (b *Behaviour) Join(ctx context.Context, other *Behaviour, timeout time.Duration) bool {
	return b.Await(ctx, other.done, timeout)
}

// Kill stops the behaviour; a pending Receive returns false.
func (b *Behaviour) Kill(exitCode int) {
	b.mu.Lock()
	b.killed = true
	b.exitCode = exitCode
	b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Behaviour) IsKilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.killed
}

func (b *Behaviour) ExitCode() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exitCode
}

// Done is closed when the behaviour has finished.
func (b *Behaviour) Done() <-chan struct{} {
	return b.done
}

func (b *Behaviour) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Behaviour) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}
