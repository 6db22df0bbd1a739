package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"netforward/internal/config"
)

// DatagramSize is the receive buffer capacity. Longer datagrams are
// truncated to this length by the read and forwarded truncated.
const DatagramSize = 8192

// State is the engine's lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateSetup
	StateServing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSetup:
		return "setup"
	case StateServing:
		return "serving"
	default:
		return "terminated"
	}
}

// Options are the engine's collaborators. Zero values select defaults.
type Options struct {
	Logger  *log.Logger
	Factory *BindingFactory
}

// Engine owns the source and destination bindings and forwards every
// datagram read from a source to every destination, one datagram at a time.
type Engine struct {
	cfg     config.Config
	logger  *log.Logger
	factory *BindingFactory
	newMux  func([]*Binding) multiplexer

	sources []*Binding
	dests   []*Binding
	mux     multiplexer
	buf     []byte

	mu      sync.Mutex
	state   State
	running bool
	closed  bool
}

func NewEngine(cfg config.Config, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Factory == nil {
		opts.Factory = NewBindingFactory()
	}
	return &Engine{
		cfg:     cfg,
		logger:  opts.Logger,
		factory: opts.Factory,
		newMux:  newMultiplexer,
	}
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Sources returns the source bindings in service order.
func (e *Engine) Sources() []*Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Binding(nil), e.sources...)
}

// Dests returns the destination bindings in write order.
func (e *Engine) Dests() []*Binding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Binding(nil), e.dests...)
}

// Setup validates the configuration and opens every binding: sources first,
// then destinations, each in configured order. Nothing is retried. On
// failure every socket opened so far is closed.
func (e *Engine) Setup() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	if e.state != StateIdle {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("relay engine: setup in state %s", state)
	}
	e.state = StateSetup
	e.mu.Unlock()

	if err := e.cfg.Validate(); err != nil {
		return e.abort(&Error{Kind: KindConfiguration, Err: err})
	}

	for _, addr := range e.cfg.Sources {
		binding, err := e.factory.Create(addr)
		if err != nil {
			return e.abort(err)
		}
		if err := e.adopt(&e.sources, binding); err != nil {
			return e.abort(err)
		}
		if err := binding.BindSource(e.cfg.Port); err != nil {
			return e.abort(e.closedOr(err))
		}
	}
	for _, addr := range e.cfg.Dests {
		binding, err := e.factory.Create(addr)
		if err != nil {
			return e.abort(err)
		}
		if err := e.adopt(&e.dests, binding); err != nil {
			return e.abort(err)
		}
		if err := binding.ConnectDest(e.cfg.Port); err != nil {
			return e.abort(e.closedOr(err))
		}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.abort(errEngineClosed)
	}
	sources, dests := e.sources, e.dests
	e.mux = e.newMux(sources)
	e.buf = make([]byte, DatagramSize)
	e.mu.Unlock()

	if e.cfg.Verbose > 0 {
		e.report(sources, dests)
	}
	return nil
}

// adopt records a new binding so Close can release it. Once the engine is
// closed the binding is closed instead.
func (e *Engine) adopt(list *[]*Binding, binding *Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		binding.socket.Close()
		return errEngineClosed
	}
	*list = append(*list, binding)
	return nil
}

// closedOr reports a setup failure as a close when Close released the
// socket underneath it.
func (e *Engine) closedOr(err error) error {
	if e.isClosed() {
		return errEngineClosed
	}
	return err
}

func (e *Engine) abort(err error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateTerminated
	if closeErr := e.closeBindings(); closeErr != nil {
		e.logger.Warn("closing sockets after failed setup", "err", closeErr)
	}
	return err
}

// report logs every binding's socket addresses.
func (e *Engine) report(sources, dests []*Binding) {
	for _, b := range sources {
		self, err := b.socket.LocalAddr()
		if err != nil {
			e.logger.Warn("getsockname", "binding", b, "err", err)
			continue
		}
		e.logger.Debug("socket", "role", b.Role, "self", self, "peer", "none")
	}
	for _, b := range dests {
		self, err := b.socket.LocalAddr()
		if err != nil {
			e.logger.Warn("getsockname", "binding", b, "err", err)
			continue
		}
		peer, err := b.socket.RemoteAddr()
		if err != nil {
			e.logger.Warn("getpeername", "binding", b, "err", err)
			continue
		}
		e.logger.Debug("socket", "role", b.Role, "self", self, "peer", peer)
	}
	e.logger.Debug("ready...")
}

var errEngineClosed = fmt.Errorf("relay engine: %w", net.ErrClosed)

// Run sets the engine up if that has not happened yet, then serves until a
// fatal error. It never returns nil. After Close it returns an error
// wrapping net.ErrClosed; otherwise the error is an *Error.
func (e *Engine) Run() error {
	if e.State() == StateIdle {
		if err := e.Setup(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.closed {
		defer e.mu.Unlock()
		e.state = StateTerminated
		if closeErr := e.closeBindings(); closeErr != nil {
			e.logger.Warn("closing sockets", "err", closeErr)
		}
		return errEngineClosed
	}
	if e.state != StateSetup {
		state := e.state
		e.mu.Unlock()
		return fmt.Errorf("relay engine: run in state %s", state)
	}
	e.state = StateServing
	e.running = true
	e.mu.Unlock()

	e.logger.Info("relaying", "port", e.cfg.Port, "sources", len(e.sources), "dests", len(e.dests))
	err := e.serve()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateTerminated
	e.running = false
	if e.closed {
		if closeErr := e.closeBindings(); closeErr != nil {
			e.logger.Warn("closing sockets", "err", closeErr)
		}
	}
	return err
}

func (e *Engine) serve() error {
	for {
		if err := e.step(); err != nil {
			return err
		}
	}
}

// step runs one iteration: wait, then read one datagram from each ready
// source in ascending order and write it to every destination.
func (e *Engine) step() error {
	ready, err := e.mux.Wait()
	if err != nil {
		return e.fatal(&Error{Kind: KindReadinessWait, Err: err})
	}
	for _, i := range ready {
		if err := e.forward(e.sources[i]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) forward(source *Binding) error {
	n, err := source.socket.Read(e.buf)
	if err != nil {
		return e.fatal(&Error{Kind: KindRead, Target: source.String(), Err: err})
	}
	// A shut-down socket reads as an empty datagram.
	if n == 0 && e.isClosed() {
		return errEngineClosed
	}
	if e.cfg.Verbose > 0 {
		e.logger.Debug("datagram", "source", source.Endpoint(), "bytes", n)
	}

	payload := e.buf[:n]
	for _, dest := range e.dests {
		written, err := dest.socket.Write(payload)
		if err != nil {
			return e.fatal(&Error{Kind: KindShortWrite, Target: dest.String(), Err: err})
		}
		if written < n {
			return e.fatal(&Error{
				Kind:   KindShortWrite,
				Target: dest.String(),
				Err:    fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, written, n),
			})
		}
	}
	return nil
}

// fatal reports err unless the failure was caused by Close.
func (e *Engine) fatal(err *Error) error {
	if e.isClosed() {
		return errEngineClosed
	}
	return err
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close releases every binding. A Run blocked in a read or readiness wait
// is woken and returns; its sockets are closed once it has stopped using
// them.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.running {
		var errs []error
		for _, b := range e.bindings() {
			if err := b.socket.Shutdown(); err != nil {
				errs = append(errs, fmt.Errorf("shutdown %s: %w", b.Address, err))
			}
		}
		return errors.Join(errs...)
	}
	return e.closeBindings()
}

func (e *Engine) bindings() []*Binding {
	all := make([]*Binding, 0, len(e.sources)+len(e.dests))
	return append(append(all, e.sources...), e.dests...)
}

// closeBindings closes every binding exactly once and forgets them. It
// must be called with e.mu held. Only the immutable Address is read, since
// Setup may still be binding or connecting a socket.
func (e *Engine) closeBindings() error {
	var errs []error
	for _, b := range e.bindings() {
		if err := b.socket.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", b.Address, err))
		}
	}
	e.sources, e.dests = nil, nil
	return errors.Join(errs...)
}
