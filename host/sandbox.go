package host

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/wasmproxy/wasmproxy/application/config"
	"github.com/wasmproxy/wasmproxy/domain/entities"
	"github.com/wasmproxy/wasmproxy/domain/errors"
	"github.com/wasmproxy/wasmproxy/log"
)

// controlBuffer lets Initialize and Stop be queued without waiting on the worker.
const controlBuffer = 4

// languageIDKey names the configuration entry used by the stop fallback.
const languageIDKey = "language_id"

// killExitCode is the exit code a killed sandbox's runtime is closed with.
const killExitCode = 137

// Sandbox is one instantiated plugin. Its exports are only ever called from
// its own worker goroutine; other goroutines talk to it through Send.
type Sandbox struct {
	runtime      wazero.Runtime
	module       api.Module
	desc         *entities.PluginDescriptor
	input        *Pipe
	stderr       *log.GuestWriter
	control      chan entities.ControlMessage
	exiting      chan struct{}
	done         chan struct{}
	logger       *slog.Logger
	stopLanguage StopLanguageFunc
	info         entities.PluginInfo
	id           entities.PluginID
	state        atomic.Int32

	// mu orders Send against the worker closing its control channel.
	mu     sync.Mutex
	closed bool
}

// ID returns the sandbox's process-wide identity.
func (s *Sandbox) ID() entities.PluginID {
	return s.id
}

// Descriptor returns the descriptor the sandbox was started from.
func (s *Sandbox) Descriptor() *entities.PluginDescriptor {
	return s.desc
}

// State returns the current lifecycle state.
func (s *Sandbox) State() entities.SandboxState {
	return entities.SandboxState(s.state.Load())
}

// Done is closed once the worker has exited and the sandbox is Stopped.
func (s *Sandbox) Done() <-chan struct{} {
	return s.done
}

// Send queues a control message for the worker. It fails with
// ErrSandboxStopped once the worker has begun exiting. A message queued in
// the instant the worker exits is logged as dropped.
func (s *Sandbox) Send(ctx context.Context, msg entities.ControlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.ErrSandboxStopped
	}
	select {
	case <-s.exiting:
		return errors.ErrSandboxStopped
	default:
	}
	select {
	case s.control <- msg:
		return nil
	case <-s.exiting:
		return errors.ErrSandboxStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill closes the sandbox's runtime, aborting any export call in progress.
// The worker then exits and the sandbox reaches Stopped.
func (s *Sandbox) Kill(ctx context.Context) error {
	s.logger.WarnContext(ctx, "killing plugin")
	if err := s.runtime.CloseWithExitCode(ctx, killExitCode); err != nil {
		return &errors.SandboxError{Plugin: s.desc.Name, Phase: "stop", Err: err}
	}
	return nil
}

// Wait blocks until the sandbox is Stopped or ctx is done.
func (s *Sandbox) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sandbox) run(ctx context.Context) {
	defer s.close(ctx)
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "sandbox worker panicked", "panic", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.control:
			switch msg {
			case entities.ControlInitialize:
				if err := s.initialize(ctx); err != nil {
					s.logger.ErrorContext(ctx, "plugin initialize failed", "error", err)
					return
				}
			case entities.ControlStop:
				s.stop(ctx)
				return
			default:
				s.logger.WarnContext(ctx, "unknown control message", "message", msg)
			}
		}
	}
}

func (s *Sandbox) initialize(ctx context.Context) error {
	if s.State() != entities.StateInitializing {
		s.logger.DebugContext(ctx, "plugin already initialized")
		return nil
	}

	if err := s.input.WriteMessage(s.info); err != nil {
		return &errors.SandboxError{Plugin: s.desc.Name, Phase: "initialize", Err: err}
	}

	fn := s.module.ExportedFunction("initialize")
	if fn == nil {
		return &errors.SandboxError{Plugin: s.desc.Name, Phase: "initialize", Err: stdErrors.New("missing initialize export")}
	}
	if _, err := fn.Call(ctx); err != nil {
		return &errors.SandboxError{Plugin: s.desc.Name, Phase: "initialize", Err: err}
	}

	s.state.Store(int32(entities.StateRunning))
	s.logger.InfoContext(ctx, "plugin running")
	return nil
}

func (s *Sandbox) stop(ctx context.Context) {
	s.state.Store(int32(entities.StateStopping))

	if fn := s.module.ExportedFunction("stop"); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			err = &errors.SandboxError{Plugin: s.desc.Name, Phase: "stop", Err: err}
			s.logger.WarnContext(ctx, "plugin stop failed", "error", err)
		}
		return
	}

	languageID, ok := config.GetString(s.desc.Configuration, languageIDKey)
	if ok && s.stopLanguage != nil {
		s.logger.DebugContext(ctx, "no stop export, stopping language servers", "language_id", languageID)
		s.stopLanguage(languageID)
	}
}

// closeControl refuses further control messages and logs any still queued.
func (s *Sandbox) closeControl(ctx context.Context) {
	close(s.exiting)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for {
		select {
		case msg := <-s.control:
			s.logger.WarnContext(ctx, "control message dropped", "message", msg)
		default:
			return
		}
	}
}

func (s *Sandbox) close(ctx context.Context) {
	s.closeControl(ctx)
	s.stderr.Flush()
	if err := s.runtime.Close(context.WithoutCancel(ctx)); err != nil {
		s.logger.DebugContext(ctx, "closing runtime", "error", err)
	}
	s.state.Store(int32(entities.StateStopped))
	close(s.done)
	s.logger.InfoContext(ctx, "plugin stopped")
}

func (s *Sandbox) String() string {
	return fmt.Sprintf("%s(%s)", s.desc.Name, s.id)
}
