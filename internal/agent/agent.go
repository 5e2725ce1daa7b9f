// Package agent is the runtime every simulated entity runs on. An agent
// owns one mailbox and a set of behaviours; a router hands each inbound
// message to exactly one behaviour whose matcher accepts it. Behaviours of
// one agent never run at the same time: each holds the agent's scheduling
// lock while running and releases it only while suspended in Receive,
// Sleep, Await, Join or Cell.Wait.
package agent

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joelkehle/simfleet/internal/bus"
)

// ErrInvariant marks a broken internal invariant. A behaviour returning an
// error that wraps it terminates its agent.
var ErrInvariant = errors.New("invariant breach")

// ErrNotStarted is returned when sending from an agent that is not running.
var ErrNotStarted = errors.New("agent not started")

type Config struct {
	Trace  bus.TraceStore
	Clock  func() time.Time
	Logger *log.Logger
}

type Agent struct {
	jid       string
	cfg       Config
	transport bus.Transport
	logger    *log.Logger

	// sched is held by whichever behaviour is running.
	sched sync.Mutex

	mu         sync.Mutex
	behaviours []*Behaviour
	mailbox    *bus.Mailbox
	ctx        context.Context
	cancel     context.CancelFunc
	started    bool
	onStop     []func()
	failure    error

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}
	status   atomic.Int64
}

func New(jid string, transport bus.Transport, cfg Config) *Agent {
	if cfg.Trace == nil {
		cfg.Trace = bus.NewMemoryTrace(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "simfleet ", log.LstdFlags)
	}
	return &Agent{
		jid:       jid,
		cfg:       cfg,
		transport: transport,
		logger:    cfg.Logger,
		stopped:   make(chan struct{}),
	}
}

func (a *Agent) JID() string {
	return a.jid
}

// Name is the local part of the jid.
func (a *Agent) Name() string {
	name, _, _ := strings.Cut(a.jid, "@")
	return name
}

func (a *Agent) Logger() *log.Logger {
	return a.logger
}

func (a *Agent) Now() time.Time {
	return a.cfg.Clock().UTC()
}

// Start registers the mailbox and launches the router and every behaviour
// added so far.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	mb, err := a.transport.Register(a.jid)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.mailbox = mb
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.started = true
	pending := append([]*Behaviour{}, a.behaviours...)
	a.wg.Add(1)
	a.mu.Unlock()

	go a.route(a.ctx)
	for _, b := range pending {
		b.start(a.ctx)
	}
	a.logger.Printf("%s started behaviours=%d", a.jid, len(pending))
	return nil
}

// Stop cancels every behaviour, waits for them to drain and runs the stop
// hooks. It is safe to call more than once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		started := a.started
		cancel := a.cancel
		a.mu.Unlock()
		if started {
			cancel()
			a.wg.Wait()
			a.transport.Unregister(a.jid)
		}
		a.mu.Lock()
		hooks := append([]func(){}, a.onStop...)
		a.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		close(a.stopped)
		a.logger.Printf("%s stopped", a.jid)
	})
}

// Done is closed once Stop has completed.
func (a *Agent) Done() <-chan struct{} {
	return a.stopped
}

// Err is the invariant breach that terminated the agent, if any.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failure
}

// OnStop registers a hook that runs after all behaviours have ended.
func (a *Agent) OnStop(fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onStop = append(a.onStop, fn)
}

// AddBehaviour attaches b with its matcher. A nil matcher receives nothing.
// Behaviours added to a running agent start immediately.
func (a *Agent) AddBehaviour(b *Behaviour, m bus.Matcher) {
	b.agent = a
	b.matcher = m
	b.thread = bus.ThreadOf(m)
	a.mu.Lock()
	a.behaviours = append(a.behaviours, b)
	started := a.started
	ctx := a.ctx
	a.mu.Unlock()
	if started {
		b.start(ctx)
	}
}

// HasBehaviour reports whether b is attached and has not finished.
func (a *Agent) HasBehaviour(b *Behaviour) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, x := range a.behaviours {
		if x == b {
			return true
		}
	}
	return false
}

func (a *Agent) removeBehaviour(b *Behaviour) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, x := range a.behaviours {
		if x == b {
			a.behaviours = append(a.behaviours[:i], a.behaviours[i+1:]...)
			return
		}
	}
}

// Send delivers msg without blocking and records it in the trace. The
// sender jid is filled in when absent.
func (a *Agent) Send(ctx context.Context, msg bus.Message) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if msg.From == "" {
		msg.From = a.jid
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = a.Now()
	}
	if len(msg.Body) == 0 {
		msg.Body = []byte(`{}`)
	}
	if err := a.transport.Deliver(ctx, msg); err != nil {
		a.logger.Printf("%s send failed to=%s key=%s err=%v", a.jid, msg.To, msg.Key(), err)
		return err
	}
	if err := a.cfg.Trace.Append(a.jid, msg); err != nil {
		a.logger.Printf("warning: %s trace append failed message_id=%s err=%v", a.jid, msg.ID, err)
	}
	return nil
}

// Trace returns the messages this agent has sent.
func (a *Agent) Trace() []bus.Message {
	return a.cfg.Trace.List(a.jid)
}

func (a *Agent) SetStatus(status int) {
	a.status.Store(int64(status))
}

func (a *Agent) Status() int {
	return int(a.status.Load())
}

// Inspect runs fn while no behaviour of the agent is running. Use it to
// read agent state from outside its behaviours.
func (a *Agent) Inspect(fn func()) {
	a.sched.Lock()
	defer a.sched.Unlock()
	fn()
}

func (a *Agent) route(ctx context.Context) {
	defer a.wg.Done()
	for {
		msg, ok := a.mailbox.Pop(ctx, 0)
		if !ok {
			return
		}
		a.dispatch(msg)
	}
}

// dispatch prefers behaviours waiting on the message's thread, then
// falls back to registration order.
func (a *Agent) dispatch(msg bus.Message) {
	a.mu.Lock()
	var target *Behaviour
	if msg.Thread != "" {
		for _, b := range a.behaviours {
			if b.thread != "" && b.matcher.Match(msg) {
				target = b
				break
			}
		}
	}
	if target == nil {
		for _, b := range a.behaviours {
			if b.thread == "" && b.matcher != nil && b.matcher.Match(msg) {
				target = b
				break
			}
		}
	}
	a.mu.Unlock()
	if target == nil {
		a.logger.Printf("warning: %s unmatched message key=%s from=%s dropped", a.jid, msg.Key(), msg.From)
		return
	}
	target.inbox.Push(msg)
}

// fail records an invariant breach and stops the agent asynchronously;
// the calling behaviour is still on the wait group.
func (a *Agent) fail(b *Behaviour, err error) {
	a.logger.Printf("critical: %s behaviour=%s err=%v terminating agent", a.jid, b.name, err)
	a.mu.Lock()
	if a.failure == nil {
		a.failure = err
	}
	a.mu.Unlock()
	go a.Stop()
}
