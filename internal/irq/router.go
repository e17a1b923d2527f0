// Package irq installs exception vectors, programs the interrupt
// controller, and routes interrupt lines to registered handlers.
package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// NumLines is the size of the handler table. Registration is closed: lines
// are bound once and never unbound.
const NumLines = 256

// stormThreshold is how many consecutive times a line may be observed
// asserted without acknowledgement before the router declares a spurious
// interrupt storm. An unacknowledged high-priority line starves all lower
// priority work, so exceeding the threshold is fatal.
const stormThreshold = 8

var (
	ErrDuplicateHandler    = errors.New("interrupt line already has a handler")
	ErrSpuriousStorm       = errors.New("spurious interrupt storm")
	ErrUnexpectedException = errors.New("unexpected synchronous exception")
	ErrBadState            = errors.New("router in wrong state")
	ErrBadLine             = errors.New("interrupt line out of range")
)

// State tracks router bring-up progress.
type State int

const (
	Uninitialized State = iota
	VectorsInstalled
	ControllerConfigured
	Routing
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case VectorsInstalled:
		return "vectors-installed"
	case ControllerConfigured:
		return "controller-configured"
	case Routing:
		return "routing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger selects an interrupt line's trigger mode.
type Trigger int

const (
	TriggerLevel Trigger = iota
	TriggerEdge
)

// Controller is the interrupt-controller collaborator: the register-level
// distributor/redistributor abstraction the router programs.
type Controller interface {
	SetPriorityMask(prio uint8)
	Enable()
	SetPriority(line uint32, prio uint8)
	SetTrigger(line uint32, trigger Trigger)
	EnableLine(line uint32)

	// AssertedLine returns the highest-priority pending line, if any.
	AssertedLine() (uint32, bool)
	// Acknowledge marks the line's current assertion as handled.
	Acknowledge(line uint32)
}

// Vectors is the exception vector table: one entry per exception class,
// pointing at core-provided trampolines.
type Vectors struct {
	Sync   func(info ExceptionInfo)
	IRQ    func()
	FIQ    func(info ExceptionInfo)
	SError func(info ExceptionInfo)
}

// ExceptionInfo carries the context available when an exception is taken.
type ExceptionInfo struct {
	Cause        uint64
	FaultAddress uint64
	PC           uint64
}

// CPU is the boot core's exception plumbing: vector installation and the
// IRQ enable gate at the CPU interface.
type CPU interface {
	InstallVectors(v Vectors)
	EnableIRQ()
}

// Handler services one interrupt line. It must acknowledge the line via
// Router.Acknowledge before returning.
type Handler func(line uint32)

// LineConfig is the per-line controller programming applied during
// controller configuration.
type LineConfig struct {
	Line     uint32
	Priority uint8
	Trigger  Trigger
}

// Router owns the exception vectors and the interrupt dispatch table.
//
// Bring-up drives it through Uninitialized -> VectorsInstalled ->
// ControllerConfigured -> Routing in strict sequence on the boot core;
// handlers only run once Routing is reached.
type Router struct {
	cpu  CPU
	ctrl Controller
	log  *slog.Logger

	// fatal is invoked for unrecoverable conditions (spurious storms,
	// unexpected synchronous exceptions). It should reset the system and
	// not return; if it does return, dispatch simply stops.
	fatal func(err error)

	mu       sync.Mutex
	state    State
	handlers [NumLines]Handler

	lastLine   uint32
	repeats    int
	lastAcked  bool
	stormFired bool
}

// NewRouter returns a router in the Uninitialized state.
func NewRouter(cpu CPU, ctrl Controller, log *slog.Logger, fatal func(err error)) *Router {
	if log == nil {
		log = slog.Default()
	}
	if fatal == nil {
		fatal = func(error) {}
	}
	return &Router{cpu: cpu, ctrl: ctrl, log: log, fatal: fatal, lastAcked: true}
}

// State returns the current bring-up state.
func (r *Router) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// InstallVectors moves Uninitialized -> VectorsInstalled, pointing the
// exception vector table at the router's trampolines.
func (r *Router) InstallVectors() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Uninitialized {
		return fmt.Errorf("irq: install vectors in state %s: %w", r.state, ErrBadState)
	}

	r.cpu.InstallVectors(Vectors{
		Sync:   r.syncException,
		IRQ:    r.dispatch,
		FIQ:    r.unexpectedException("fiq"),
		SError: r.unexpectedException("serror"),
	})
	r.state = VectorsInstalled
	return nil
}

// ConfigureController moves VectorsInstalled -> ControllerConfigured:
// priority mask, controller enable, then per-line trigger and priority.
func (r *Router) ConfigureController(lines []LineConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != VectorsInstalled {
		return fmt.Errorf("irq: configure controller in state %s: %w", r.state, ErrBadState)
	}

	r.ctrl.SetPriorityMask(0xff)
	r.ctrl.Enable()
	for _, cfg := range lines {
		if cfg.Line >= NumLines {
			return fmt.Errorf("irq: line %d: %w", cfg.Line, ErrBadLine)
		}
		r.ctrl.SetPriority(cfg.Line, cfg.Priority)
		r.ctrl.SetTrigger(cfg.Line, cfg.Trigger)
		r.ctrl.EnableLine(cfg.Line)
	}
	r.state = ControllerConfigured
	return nil
}

// EnableRouting moves ControllerConfigured -> Routing and unmasks interrupt
// delivery at the CPU interface. From here on handlers may run
// asynchronously with respect to the bring-up sequence.
func (r *Router) EnableRouting() error {
	r.mu.Lock()
	if r.state != ControllerConfigured {
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("irq: enable routing in state %s: %w", state, ErrBadState)
	}
	r.state = Routing
	r.mu.Unlock()

	// Unmask outside the lock: delivery may begin immediately.
	r.cpu.EnableIRQ()
	return nil
}

// Register binds a handler to a line. At most one handler per line;
// rebinding fails with ErrDuplicateHandler. Callers must fully construct
// any state the handler touches before registering.
func (r *Router) Register(line uint32, handler Handler) error {
	if line >= NumLines {
		return fmt.Errorf("irq: line %d: %w", line, ErrBadLine)
	}
	if handler == nil {
		return fmt.Errorf("irq: nil handler for line %d", line)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[line] != nil {
		return fmt.Errorf("irq: line %d: %w", line, ErrDuplicateHandler)
	}
	r.handlers[line] = handler
	return nil
}

// Acknowledge completes handling of the line's current assertion. Handlers
// must call this before returning.
func (r *Router) Acknowledge(line uint32) {
	r.mu.Lock()
	if line == r.lastLine {
		r.lastAcked = true
		r.repeats = 0
	}
	r.mu.Unlock()
	r.ctrl.Acknowledge(line)
}

// dispatch is the IRQ trampoline: it asks the controller for the pending
// line and invokes the registered handler. A line that stays asserted
// without acknowledgement across stormThreshold dispatches is fatal.
func (r *Router) dispatch() {
	for {
		line, ok := r.ctrl.AssertedLine()
		if !ok {
			return
		}

		r.mu.Lock()
		if r.stormFired {
			r.mu.Unlock()
			return
		}
		if line == r.lastLine && !r.lastAcked {
			r.repeats++
		} else {
			r.lastLine = line
			r.repeats = 0
		}
		r.lastAcked = false
		if r.repeats >= stormThreshold {
			r.stormFired = true
			r.mu.Unlock()
			r.fatal(fmt.Errorf("irq: line %d asserted %d times without acknowledge: %w", line, stormThreshold, ErrSpuriousStorm))
			return
		}
		handler := r.handlers[line]
		r.mu.Unlock()

		if handler == nil {
			// No handler means the line should never have been enabled.
			r.fatal(fmt.Errorf("irq: line %d asserted with no handler: %w", line, ErrSpuriousStorm))
			return
		}
		handler(line)
	}
}

// syncException is the trampoline for synchronous exceptions. There is no
// forward-progress recovery for a fault at this privilege level: log what
// context we have and hand off to the fatal path.
func (r *Router) syncException(info ExceptionInfo) {
	r.log.Error("unexpected synchronous exception",
		"cause", fmt.Sprintf("0x%x", info.Cause),
		"fault_address", fmt.Sprintf("0x%x", info.FaultAddress),
		"pc", fmt.Sprintf("0x%x", info.PC))
	r.fatal(fmt.Errorf("irq: synchronous exception cause 0x%x at 0x%x (fault address 0x%x): %w",
		info.Cause, info.PC, info.FaultAddress, ErrUnexpectedException))
}

func (r *Router) unexpectedException(class string) func(info ExceptionInfo) {
	return func(info ExceptionInfo) {
		r.log.Error("unexpected exception", "class", class, "cause", fmt.Sprintf("0x%x", info.Cause))
		r.fatal(fmt.Errorf("irq: %s exception cause 0x%x: %w", class, info.Cause, ErrUnexpectedException))
	}
}
