package movement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/rover-control/relay/internal/command"
	"github.com/rover-control/relay/internal/log"
)

// Controller states and events.
const (
	StateIdle      = "idle"
	StateRepeating = "repeating"

	EventBegin = "begin"
	EventEnd   = "end"
)

// DefaultInterval is the repeat period of a held gesture.
const DefaultInterval = 200 * time.Millisecond

// ErrClosed is returned by Begin after Close.
var ErrClosed = errors.New("movement controller closed")

// Issuer receives the command stream. *command.Orchestrator and the HTTP client both
// satisfy it.
type Issuer interface {
	IssueCommand(ctx context.Context, cmd command.Command) error
	IssueStop(ctx context.Context) error
}

// Controller owns at most one active movement intent.
//
// LOCK ORDERING:
// 1. mu guards the intent (state, kind, generation, repeat task) and is never held
// while calling the issuer
// 2. emitMu serializes every call to the issuer, so a tick already in flight always
// completes before the stop that ends it
type Controller struct {
	issuer   Issuer
	interval time.Duration
	logger   log.Logger

	mu     sync.Mutex
	fsm    *fsm.FSM
	active command.Kind
	gen    uint64
	cancel context.CancelFunc
	closed bool

	emitMu sync.Mutex

	root       context.Context
	cancelRoot context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l log.Logger) Option {
	return func(c *Controller) { c.logger = l.WithName("movement") }
}

// NewController creates an idle controller that re-emits every interval.
// A non-positive interval selects DefaultInterval.
func NewController(issuer Issuer, interval time.Duration, opts ...Option) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	root, cancel := context.WithCancel(context.Background())
	c := &Controller{
		issuer:     issuer,
		interval:   interval,
		logger:     log.NewNopLogger(),
		root:       root,
		cancelRoot: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: EventBegin, Src: []string{StateIdle, StateRepeating}, Dst: StateRepeating},
			{Name: EventEnd, Src: []string{StateIdle, StateRepeating}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("movement state changed", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return c
}

// Begin starts repeating kind. Beginning the kind that is already repeating is a no-op.
// Switching kinds cancels the old repeat without emitting a stop.
func (c *Controller) Begin(ctx context.Context, kind command.Kind) error {
	if kind == "" {
		return fmt.Errorf("%w: command is required", command.ErrInvalidCommand)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.fsm.Is(StateRepeating) && c.active == kind {
		c.mu.Unlock()
		return nil
	}

	c.stopTaskLocked()
	c.active = c.transitionLocked(EventBegin, kind)
	gen := c.gen

	taskCtx, cancel := context.WithCancel(c.root)
	c.cancel = cancel
	go c.repeat(taskCtx, gen, kind)
	c.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if !c.isCurrent(gen) {
		return nil
	}
	return c.issuer.IssueCommand(ctx, continuous(kind))
}

// End stops any repeat, returns to idle and emits exactly one stop, even when nothing
// was active.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	c.stopTaskLocked()
	c.active = c.transitionLocked(EventEnd, "")
	c.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	return c.issuer.IssueStop(ctx)
}

// Close cancels any repeat without emitting a stop. Begin fails afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopTaskLocked()
	c.active = c.transitionLocked(EventEnd, "")
	c.closed = true
	c.cancelRoot()
}

// Active returns the repeating kind, if any.
func (c *Controller) Active() (command.Kind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.active != ""
}

// State returns the current state name.
func (c *Controller) State() string {
	return c.fsm.Current()
}

// stopTaskLocked invalidates the running repeat. Once it returns no tick of the old
// generation can start an emission.
func (c *Controller) stopTaskLocked() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// transitionLocked ignores the caller's context so a cancelled request still changes state.
func (c *Controller) transitionLocked(event string, kind command.Kind) command.Kind {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			c.logger.Error(err, "movement transition failed", "event", event)
		}
	}
	return kind
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Controller) repeat(ctx context.Context, gen uint64, kind command.Kind) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.tick(ctx, gen, kind) {
				return
			}
		}
	}
}

// tick emits one repeat unless the generation has moved on.
func (c *Controller) tick(ctx context.Context, gen uint64, kind command.Kind) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	if !c.isCurrent(gen) {
		return false
	}
	if err := c.issuer.IssueCommand(ctx, continuous(kind)); err != nil && ctx.Err() == nil {
		c.logger.Warn("repeat emission failed", "kind", string(kind), "error", err.Error())
	}
	return true
}

func continuous(kind command.Kind) command.Command {
	return command.Command{Kind: kind, Continuous: true, IssuedAt: time.Now()}
}
